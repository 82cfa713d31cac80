// Package bridgeerr defines the sentinel error taxonomy shared across the
// cloud session layer and the nexus media streamer, so callers can
// errors.Is-match a failure mode instead of string-matching messages, the
// same way the teacher distinguishes io.ErrClosedPipe from other socket
// write failures.
package bridgeerr

import "errors"

var (
	// ErrAuthFailed is returned when a connection's full authorize chain
	// fails. The connection stays unauthorized; no automatic retry happens
	// inside the auth path.
	ErrAuthFailed = errors.New("authorization chain failed")

	// ErrStall marks a nexus session that received no packets for the
	// stall window and must reconnect without sending STOP_PLAYBACK.
	ErrStall = errors.New("nexus session stalled")

	// ErrReauthorize marks an ERROR{code=AUTHORIZATION_FAILED} response on
	// an open nexus socket; the caller resends AUTHORIZE_REQUEST on the
	// same socket rather than reconnecting.
	ErrReauthorize = errors.New("nexus session requires reauthorization")

	// ErrRedirect marks a REDIRECT packet; the caller records the new host
	// and reopens there.
	ErrRedirect = errors.New("nexus session redirected")

	// ErrPlaybackEnded marks a PLAYBACK_END with a non-zero reason code.
	ErrPlaybackEnded = errors.New("nexus playback ended with error")

	// ErrSubscriptionFault wraps any HTTP/RPC failure inside a REST
	// subscribe or trait observe loop; the loop backs off and restarts.
	ErrSubscriptionFault = errors.New("subscription fault")

	// ErrSupplementaryTimeout marks a timed-out supplementary fetch
	// (camera properties, zones); the caller keeps stale data and
	// continues.
	ErrSupplementaryTimeout = errors.New("supplementary fetch timed out")
)
