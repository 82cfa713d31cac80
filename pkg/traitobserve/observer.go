// Package traitobserve implements the streaming trait observer: a single
// long-lived POST whose response body is a sequence of length-framed
// binary chunks announcing trait state changes, reconciled into the raw
// data store alongside the REST subscriber's object updates.
package traitobserve

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nberg/nest-bridge/pkg/account"
	"github.com/nberg/nest-bridge/pkg/bridgeerr"
	"github.com/nberg/nest-bridge/pkg/logger"
	"github.com/nberg/nest-bridge/pkg/restsub"
	"github.com/nberg/nest-bridge/pkg/store"
	"github.com/nberg/nest-bridge/pkg/weather"
)

const minReconnectInterval = time.Second

// stateType values the Observe request asks the backend to stream.
const (
	stateAccepted = 1
	stateConfirmed = 2
)

// TraitTypeSource supplies the trait type list to observe. The bridge and
// the diagnose tool both supply fixed lists; no compiled schema is
// traversed.
type TraitTypeSource interface {
	// TraitTypes returns every trait type name to request, already
	// filtered for the connection's kind (federated includes
	// google.trait.product.camera.*, native excludes the nest camera and
	// doorbell trait families).
	TraitTypes(kind account.Kind) []string
}

// Observer runs one connection's trait-observe loop until its context is
// canceled.
type Observer struct {
	conn       *account.Connection
	httpClient *http.Client
	traitTypes TraitTypeSource
	store      *store.Store
	log        *logger.Logger
	onChanged  func()

	// reconciledAccepted tracks, per (resourceID, traitLabel), whether an
	// ACCEPTED state has already been applied; once one lands, a later
	// CONFIRMED duplicate for the same key is dropped rather than
	// overwriting it.
	reconciledAccepted map[string]bool

	// deviceReady and migrated track the last-seen value of the two
	// device-add gating fields per resource, so a transition into the
	// ready/migrated state can be told apart from a steady-state repeat.
	deviceReady map[string]bool
	migrated    map[string]bool
}

// New builds an observer for one connection.
func New(conn *account.Connection, httpClient *http.Client, traitTypes TraitTypeSource, st *store.Store, log *logger.Logger, onChanged func()) *Observer {
	if log == nil {
		log = logger.Default()
	}
	return &Observer{
		conn:               conn,
		httpClient:         httpClient,
		traitTypes:         traitTypes,
		store:              st,
		log:                log,
		onChanged:          onChanged,
		reconciledAccepted: make(map[string]bool),
		deviceReady:        make(map[string]bool),
		migrated:           make(map[string]bool),
	}
}

// Run opens the Observe stream and reconciles chunks until it closes or
// ctx is canceled, reopening after at least minReconnectInterval.
func (o *Observer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		err := o.observeOnce(ctx)
		if err != nil && ctx.Err() == nil {
			if isStreamClosed(err) {
				o.log.Debug("trait observe stream closed", "connection_id", o.conn.ID, "error", err)
			} else {
				o.log.Warn("trait observe failed", "connection_id", o.conn.ID, "error", err)
			}
		}
		if elapsed := time.Since(start); elapsed < minReconnectInterval {
			select {
			case <-ctx.Done():
				return
			case <-time.After(minReconnectInterval - elapsed):
			}
		}
	}
}

func (o *Observer) observeOnce(ctx context.Context) error {
	traitTypes := o.traitTypes.TraitTypes(o.conn.Kind)
	body := encodeObserveRequest([]int{stateAccepted, stateConfirmed}, traitTypes)

	uri := fmt.Sprintf("https://%s/nestlabs.gateway.v2.GatewayService/Observe", o.conn.TraceHost)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("X-Accept-Content-Transfer-Encoding", "binary")
	req.Header.Set("X-Accept-Response-Streaming", "true")
	if cred := o.conn.CameraCredential(); cred.Key != "" {
		req.Header.Set(cred.Key, cred.Value)
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", bridgeerr.ErrSubscriptionFault, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", bridgeerr.ErrSubscriptionFault, resp.StatusCode)
	}

	r := bufio.NewReader(resp.Body)
	for {
		chunk, err := readChunk(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("%w: %v", bridgeerr.ErrSubscriptionFault, err)
		}
		o.applyChunk(chunk)
	}
}

// applyChunk reconciles one decoded chunk into the store: resourceMetas
// marked REMOVED with a STRUCTURE_/DEVICE_ prefix delete the resource;
// trait states merge their values (stripping @type), preferring a state
// whose stateTypes include ACCEPTED over a later CONFIRMED duplicate for
// the same resource+trait.
func (o *Observer) applyChunk(c *Chunk) {
	changed := false

	for _, meta := range c.ResourceMetas {
		if meta.Status != "REMOVED" {
			continue
		}
		if !strings.HasPrefix(meta.ResourceID, "STRUCTURE_") && !strings.HasPrefix(meta.ResourceID, "DEVICE_") {
			continue
		}
		o.store.Delete(meta.ResourceID)
		changed = true
	}

	for _, ts := range c.TraitStates {
		key := ts.ResourceID + "\x00" + ts.TraitLabel
		accepted := !ts.Confirmed
		if haveAccepted := o.reconciledAccepted[key]; haveAccepted && !accepted {
			// An ACCEPTED update already landed for this key; a later
			// CONFIRMED duplicate for the same key is dropped.
			continue
		}
		if accepted {
			o.reconciledAccepted[key] = true
		}

		if len(ts.Values) == 0 {
			continue
		}
		values := stripTypeField(ts.Values)
		o.detectDeviceAdd(ts.ResourceID, ts.TraitLabel, values)

		value := map[string]any{ts.TraitLabel: values}
		o.store.Upsert(ts.ResourceID, store.SourceTrait, o.conn.ID.String(), time.Now().UnixNano(), value)
		changed = true

		if ts.TraitLabel == "structure_location" && strings.HasPrefix(ts.ResourceID, "STRUCTURE_") {
			o.fetchWeatherFor(ts.ResourceID, values)
		}
	}

	if changed && o.onChanged != nil {
		o.onChanged()
	}
}

// stripTypeField drops the "@type" key patch.values carries, matching the
// REST path's plain key/value shape so the projector stays source-agnostic.
func stripTypeField(values map[string]any) map[string]any {
	if _, ok := values["@type"]; !ok {
		return values
	}
	out := make(map[string]any, len(values))
	for k, v := range values {
		if k == "@type" {
			continue
		}
		out[k] = v
	}
	return out
}

// detectDeviceAdd watches the two trait-side readiness signals the spec
// calls out explicitly: configuration_done's deviceReady flag and the
// camera migration status reaching MIGRATED_TO_GOOGLE_HOME/COMPLETE. Both
// are logged as device-add transitions; the post-subscribe pipeline's own
// project-and-diff pass is what actually emits the ADD once the resource
// projects successfully, so this is detection/bookkeeping only.
func (o *Observer) detectDeviceAdd(resourceID, traitLabel string, values map[string]any) {
	switch traitLabel {
	case "configuration_done":
		ready, _ := values["deviceReady"].(bool)
		if ready && !o.deviceReady[resourceID] {
			o.log.Debug("device ready transition", "resource_id", resourceID)
		}
		o.deviceReady[resourceID] = ready
	case "camera_migration_status":
		state, _ := values["state"].(map[string]any)
		where, _ := state["where"].(string)
		progress, _ := state["progress"].(string)
		migrated := where == "MIGRATED_TO_GOOGLE_HOME" && progress == "PROGRESS_COMPLETE"
		if migrated && !o.migrated[resourceID] {
			o.log.Debug("device migration transition", "resource_id", resourceID)
		}
		o.migrated[resourceID] = migrated
	}
}

// fetchWeatherFor triggers a weather fetch the same way the REST path
// does, keyed off a trait-observed structure_location update, so the
// projector sees the same value.weather shape regardless of source.
func (o *Observer) fetchWeatherFor(resourceID string, location map[string]any) {
	if o.conn.WeatherURL == "" {
		return
	}
	lat, latOK := location["latitude"].(float64)
	lon, lonOK := location["longitude"].(float64)
	if !latOK || !lonOK {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), restsub.SupplementaryTimeout)
		defer cancel()
		f := weather.New(o.httpClient, o.conn.WeatherURL, o.store, o.conn.ID.String())
		if err := f.Fetch(ctx, resourceID, lat, lon); err != nil {
			o.log.Warn("trait-observed weather fetch failed", "resource_id", resourceID, "error", err)
			return
		}
		if o.onChanged != nil {
			o.onChanged()
		}
	}()
}

func isStreamClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		strings.Contains(err.Error(), "connection reset") ||
		strings.Contains(err.Error(), "use of closed network connection")
}
