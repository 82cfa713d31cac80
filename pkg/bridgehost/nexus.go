package bridgehost

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nberg/nest-bridge/pkg/account"
	"github.com/nberg/nest-bridge/pkg/devicemodel"
	"github.com/nberg/nest-bridge/pkg/nexus"
)

// nexusClientKindIOS matches the teacher's HELLO identity constant; the
// client-kind tag is part of the wire contract and has no other meaning
// here than "identify as an iOS-class client."
const nexusClientKindIOS = 2

// loadFrames reads the three preloaded fallback H.264 frames from dir, the
// same resource-directory layout the teacher's fallback generator expects.
// A missing directory or file is not fatal: the fallback generator simply
// has nothing to show until a real frame arrives, which only matters for
// scenario S6 (offline fallback), not for basic device state.
func loadFrames(dir string) nexus.Frames {
	read := func(name string) []byte {
		if dir == "" {
			return nil
		}
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil
		}
		return nexus.StripStartCode(b)
	}
	return nexus.Frames{
		Offline:    read("offline.h264"),
		Off:        read("off.h264"),
		Connecting: read("connecting.h264"),
	}
}

// NexusSessionStatus summarizes one open nexus session for introspection.
type NexusSessionStatus struct {
	DeviceID  string
	Host      string
	State     string
	Consumers int
}

// sessionFor returns the session for dev, opening a fresh one if none is
// open yet or the prior one has fully closed.
func (b *Bridge) sessionFor(dev *devicemodel.Device) (*nexus.Session, error) {
	host, _ := dev.Attributes["nexus_host"].(string)
	if host == "" {
		return nil, fmt.Errorf("device %s has no nexus host", dev.ID)
	}

	b.nexusMu.Lock()
	defer b.nexusMu.Unlock()

	if sess, ok := b.nexusSess[dev.ID]; ok && sess.State() != nexus.StateDisconnected {
		return sess, nil
	}

	conn := b.manager.ConnectionByID(dev.ConnectionID)
	if conn == nil {
		return nil, fmt.Errorf("device %s has no owning connection", dev.ID)
	}

	identity := nexus.HelloIdentity{
		UserID:      conn.UserID(),
		Platform:    "nest-bridge",
		ClientKind:  nexusClientKindIOS,
		Federated:   conn.Kind == account.KindFederated,
		BearerToken: conn.BearerToken(),
	}

	sess := nexus.NewSession(host, identity, b.nexusFrames, b.log)
	if err := sess.Open(); err != nil {
		return nil, fmt.Errorf("open nexus session for %s: %w", dev.ID, err)
	}
	b.nexusSess[dev.ID] = sess
	return sess, nil
}

// OpenConsumer lazily opens (or reuses) a camera's nexus session and starts
// one consumer on it. Callers are the (out-of-scope) home-automation host
// integration; this is the seam it attaches to.
func (b *Bridge) OpenConsumer(deviceID string, kind nexus.ConsumerKind, consumerID string, videoSink, audioSink io.Writer) error {
	b.devMu.RLock()
	dev := b.devices[deviceID]
	b.devMu.RUnlock()
	if dev == nil {
		return fmt.Errorf("unknown device %s", deviceID)
	}

	sess, err := b.sessionFor(dev)
	if err != nil {
		return err
	}

	switch kind {
	case nexus.KindBuffer:
		return sess.StartBuffer(consumerID)
	case nexus.KindLive:
		return sess.StartLive(consumerID, videoSink, audioSink, nil)
	case nexus.KindRecord:
		return sess.StartRecord(consumerID, videoSink, audioSink)
	default:
		return fmt.Errorf("unknown consumer kind %q", kind)
	}
}

// CloseConsumer stops consumerID on deviceID's nexus session, if one is open.
func (b *Bridge) CloseConsumer(deviceID, consumerID string) {
	b.nexusMu.Lock()
	sess, ok := b.nexusSess[deviceID]
	b.nexusMu.Unlock()
	if !ok {
		return
	}
	sess.StopLive(consumerID)
	sess.StopRecord(consumerID)
	sess.StopBuffer(consumerID)
}

// NexusSessionStats returns a snapshot of every currently open nexus session.
func (b *Bridge) NexusSessionStats() []NexusSessionStatus {
	b.nexusMu.Lock()
	defer b.nexusMu.Unlock()

	out := make([]NexusSessionStatus, 0, len(b.nexusSess))
	for id, sess := range b.nexusSess {
		var host string
		b.devMu.RLock()
		if dev := b.devices[id]; dev != nil {
			host, _ = dev.Attributes["nexus_host"].(string)
		}
		b.devMu.RUnlock()
		out = append(out, NexusSessionStatus{
			DeviceID:  id,
			Host:      host,
			State:     sess.State().String(),
			Consumers: sess.Bus().Count(),
		})
	}
	return out
}
