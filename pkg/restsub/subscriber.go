// Package restsub implements the REST long-poll delta subscription loop:
// a full object refresh on the first iteration, then incremental
// v6/subscribe long-polls thereafter, merging every object into the raw
// data store and triggering the post-subscribe pipeline on each iteration
// that changed anything.
package restsub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/nberg/nest-bridge/pkg/account"
	"github.com/nberg/nest-bridge/pkg/bridgeerr"
	"github.com/nberg/nest-bridge/pkg/logger"
	"github.com/nberg/nest-bridge/pkg/store"
	"github.com/nberg/nest-bridge/pkg/weather"
)

// minIterationInterval is the floor on how often a subscribe iteration may
// restart, so a backend that fails instantly on every request cannot spin
// the loop.
const minIterationInterval = time.Second

// SupplementaryTimeout bounds the weather/zone/camera-properties fetches a
// change triggers; those run on the shared client with their own per-call
// deadline rather than the long-poll's open-ended one.
const SupplementaryTimeout = 10 * time.Second

// object is one entry of the subscribe/app_launch response's updated
// object list.
type object struct {
	ObjectKey       string          `json:"object_key"`
	ObjectRevision  int64           `json:"object_revision"`
	ObjectTimestamp int64           `json:"object_timestamp"`
	Value           json.RawMessage `json:"value"`
}

type subscribeResponse struct {
	ObjectsUpdated []object `json:"objects"`
}

type appLaunchRequest struct {
	Buckets         []string `json:"bucket_types"`
	CapabilityLevel int      `json:"requested_capability_level"`
}

type subscribeRequest struct {
	Objects []subscribeObjectRef `json:"objects"`
	Timeout int                  `json:"timeout"`
}

type subscribeObjectRef struct {
	ObjectKey       string `json:"object_key"`
	ObjectRevision  int64  `json:"object_revision"`
	ObjectTimestamp int64  `json:"object_timestamp"`
}

// trackedBuckets is the set of bucket-type families the subscriber follows;
// the projector dispatches on the same prefixes.
var trackedBuckets = []string{
	"device", "quartz", "structure", "kryptonite", "topaz", "buckets", "shared",
}

// deviceishPrefixes are the bucket prefixes a buckets.* array removal must
// match to count as a device-remove rather than an uninteresting bucket
// vanishing.
var deviceishPrefixes = []string{"device", "kryptonite", "topaz", "quartz", "structure"}

// requiredCompletionKeys lists, per bucket prefix, the keys a fresh value
// must carry before that resource is considered addable.
var requiredCompletionKeys = map[string][]string{
	"structure":  {"latitude", "longitude"},
	"device":     {"where_id"},
	"kryptonite": {"where_id", "structure_id"},
	"topaz":      {"where_id", "structure_id"},
	"quartz":     {"where_id", "structure_id", "nexus_api_http_server_url"},
}

// Subscriber runs one connection's REST delta loop until its context is
// canceled.
type Subscriber struct {
	conn       *account.Connection
	httpClient *http.Client
	store      *store.Store
	log        *logger.Logger
	onChanged  func()

	seen             map[string]subscribeObjectRef // last known revision/timestamp per key
	swarm            map[string][]string           // structure object_key -> last known swarm member ids
	buckets          []string                      // last known buckets.* member list
	completed        map[string]bool               // object_key -> already had its required completion keys
	forceFullRefresh bool                           // set when a buckets.* diff sees a brand new id
}

// New builds a subscriber for one connection, sharing httpClient (and so
// its cookie jar) with the rest of the connection's pipelines.
func New(conn *account.Connection, httpClient *http.Client, st *store.Store, log *logger.Logger, onChanged func()) *Subscriber {
	if log == nil {
		log = logger.Default()
	}
	return &Subscriber{
		conn:       conn,
		httpClient: httpClient,
		store:      st,
		log:        log,
		onChanged:  onChanged,
		seen:       make(map[string]subscribeObjectRef),
		swarm:      make(map[string][]string),
		completed:  make(map[string]bool),
	}
}

// Run loops full-refresh-then-subscribe until ctx is canceled. Each
// iteration that fails backs off at least minIterationInterval before
// retrying; a dropped connection mid-long-poll is expected traffic, not an
// error, and is logged at debug level only.
func (s *Subscriber) Run(ctx context.Context) {
	first := true
	for {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()

		var err error
		if first || s.forceFullRefresh {
			s.forceFullRefresh = false
			err = s.fullRefresh(ctx)
			first = false
		} else {
			err = s.delta(ctx)
		}

		if err != nil {
			if isResetError(err) {
				s.log.Debug("subscribe connection reset", "connection_id", s.conn.ID, "error", err)
			} else {
				s.log.Warn("subscribe iteration failed", "connection_id", s.conn.ID, "error", err)
			}
		}

		if elapsed := time.Since(start); elapsed < minIterationInterval {
			select {
			case <-ctx.Done():
				return
			case <-time.After(minIterationInterval - elapsed):
			}
		}
	}
}

// fullRefresh issues the app_launch request the subscriber makes exactly
// once per connection lifetime (or after a buckets.* diff sees a new id
// it has no shape for yet).
func (s *Subscriber) fullRefresh(ctx context.Context) error {
	body, err := json.Marshal(appLaunchRequest{Buckets: trackedBuckets, CapabilityLevel: 2})
	if err != nil {
		return err
	}

	uri := fmt.Sprintf("https://%s/api/0.1/user/%s/app_launch", s.conn.RestHost, s.conn.UserID())
	resp, err := s.do(ctx, uri, body)
	if err != nil {
		return err
	}
	return s.applyResponse(ctx, resp)
}

// delta issues a v6/subscribe long-poll carrying every object's last known
// revision and timestamp, returning as soon as the backend has a change or
// its own long-poll timeout elapses.
func (s *Subscriber) delta(ctx context.Context) error {
	refs := make([]subscribeObjectRef, 0, len(s.seen))
	for _, ref := range s.seen {
		refs = append(refs, ref)
	}

	body, err := json.Marshal(subscribeRequest{Objects: refs, Timeout: 60})
	if err != nil {
		return err
	}

	uri := s.conn.TransportURL + "/v6/subscribe"
	resp, err := s.do(ctx, uri, body)
	if err != nil {
		return err
	}
	return s.applyResponse(ctx, resp)
}

func (s *Subscriber) do(ctx context.Context, uri string, body []byte) (*subscribeResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	cred := s.conn.CameraCredential()
	req.Header.Set(cred.Key, cred.Value)

	httpResp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bridgeerr.ErrSubscriptionFault, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", bridgeerr.ErrSubscriptionFault, httpResp.StatusCode)
	}

	var out subscribeResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", bridgeerr.ErrSubscriptionFault, err)
	}
	return &out, nil
}

// applyResponse merges every updated object into the store, running each
// bucket family's supplementary fetch and diff rules, and fires onChanged
// if anything moved.
func (s *Subscriber) applyResponse(ctx context.Context, resp *subscribeResponse) error {
	if len(resp.ObjectsUpdated) == 0 {
		return nil
	}

	changed := false
	for _, obj := range resp.ObjectsUpdated {
		var value map[string]any
		if len(obj.Value) > 0 && string(obj.Value) != "null" {
			if err := json.Unmarshal(obj.Value, &value); err != nil {
				s.log.Warn("skipping undecodable object", "object_key", obj.ObjectKey, "error", err)
				continue
			}
		}
		if value == nil {
			if _, ok := s.seen[obj.ObjectKey]; ok {
				s.store.Delete(obj.ObjectKey)
				delete(s.seen, obj.ObjectKey)
				changed = true
			}
			continue
		}

		switch {
		case strings.HasPrefix(obj.ObjectKey, "structure."):
			s.handleStructure(ctx, obj.ObjectKey, value)
		case strings.HasPrefix(obj.ObjectKey, "quartz."):
			s.handleQuartz(ctx, obj.ObjectKey, value)
		case strings.HasPrefix(obj.ObjectKey, "buckets."):
			s.handleBuckets(value)
		}

		s.detectDeviceAdd(obj.ObjectKey, value)

		s.store.Upsert(obj.ObjectKey, store.SourceREST, s.conn.ID.String(), obj.ObjectRevision, value)
		s.seen[obj.ObjectKey] = subscribeObjectRef{
			ObjectKey:       obj.ObjectKey,
			ObjectRevision:  obj.ObjectRevision,
			ObjectTimestamp: obj.ObjectTimestamp,
		}
		changed = true
	}

	if changed && s.onChanged != nil {
		s.onChanged()
	}
	return nil
}

// handleStructure fetches weather for the structure's location and diffs
// its swarm array against the previously seen membership, dropping the
// raw-data entry for any id that fell out.
func (s *Subscriber) handleStructure(ctx context.Context, objectKey string, value map[string]any) {
	if lat, lon, ok := latLon(value); ok && s.conn.WeatherURL != "" {
		fetchCtx, cancel := context.WithTimeout(ctx, SupplementaryTimeout)
		f := weather.New(s.httpClient, s.conn.WeatherURL, s.store, s.conn.ID.String())
		if err := f.Fetch(fetchCtx, objectKey, lat, lon); err != nil {
			s.log.Warn("structure weather fetch failed", "object_key", objectKey, "error", err)
		}
		cancel()
		if entry := s.store.Get(objectKey); entry != nil {
			if wx, ok := entry.Value["weather"]; ok {
				value["weather"] = wx
			}
		}
	}

	swarm := stringList(value["swarm"])
	for _, removed := range diffRemoved(s.swarm[objectKey], swarm) {
		s.store.Delete(removed)
		delete(s.seen, removed)
	}
	s.swarm[objectKey] = swarm
}

// handleQuartz fetches camera properties and activity zones and merges
// them into value, normalizing zone id 0 to 1.
func (s *Subscriber) handleQuartz(ctx context.Context, objectKey string, value map[string]any) {
	short := store.ShortID(objectKey)
	fetchCtx, cancel := context.WithTimeout(ctx, SupplementaryTimeout)
	defer cancel()

	if s.conn.CameraHost != "" {
		uri := fmt.Sprintf("https://webapi.%s/api/cameras.get_with_properties?uuid=%s", s.conn.CameraHost, short)
		var out struct {
			Items []map[string]any `json:"items"`
		}
		if err := s.getJSON(fetchCtx, uri, &out); err != nil {
			s.log.Warn("quartz properties fetch failed", "object_key", objectKey, "error", err)
		} else if len(out.Items) > 0 {
			for k, v := range out.Items[0] {
				value[k] = v
			}
		}
	}

	if nexusHost, _ := value["nexus_api_http_server_url"].(string); nexusHost != "" {
		uri := fmt.Sprintf("%s/cuepoint_category/%s", nexusHost, short)
		var zones []map[string]any
		if err := s.getJSON(fetchCtx, uri, &zones); err != nil {
			s.log.Warn("quartz zones fetch failed", "object_key", objectKey, "error", err)
		} else {
			for _, z := range zones {
				if id, ok := z["id"].(float64); ok && id == 0 {
					z["id"] = float64(1)
				}
			}
			value["activity_zones"] = zones
		}
	}
}

// handleBuckets diffs the buckets.* membership array against the previous
// snapshot: a brand new id forces a full app_launch refresh next
// iteration (this subscriber has no shape for it yet), and a removed id
// whose prefix is a device family drops that entry from the store.
func (s *Subscriber) handleBuckets(value map[string]any) {
	current := stringList(value["buckets"])

	if len(diffAdded(s.buckets, current)) > 0 {
		s.forceFullRefresh = true
	}
	for _, removed := range diffRemoved(s.buckets, current) {
		if hasDeviceishPrefix(removed) {
			s.store.Delete(removed)
			delete(s.seen, removed)
		}
	}
	s.buckets = current
}

// detectDeviceAdd tracks, per object key, whether its required completion
// keys (per §4.5) have become satisfied for the first time. Actual ADD
// emission is left to the pipeline's generic project-and-diff mechanism
// once the merged value lets that resource project; this just keeps the
// transition logged.
func (s *Subscriber) detectDeviceAdd(objectKey string, value map[string]any) {
	prefix, _, ok := strings.Cut(objectKey, ".")
	if !ok {
		return
	}
	required, tracked := requiredCompletionKeys[prefix]
	if !tracked {
		return
	}
	if !hasAllKeys(value, required) {
		return
	}
	if s.completed[objectKey] {
		return
	}
	s.completed[objectKey] = true
	s.log.Debug("device completion keys satisfied", "object_key", objectKey, "prefix", prefix)
}

func (s *Subscriber) getJSON(ctx context.Context, uri string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return err
	}
	cred := s.conn.CameraCredential()
	req.Header.Set(cred.Key, cred.Value)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", bridgeerr.ErrSubscriptionFault, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", bridgeerr.ErrSubscriptionFault, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func latLon(value map[string]any) (lat, lon float64, ok bool) {
	loc, _ := value["structure_location"].(map[string]any)
	if loc == nil {
		loc = value
	}
	lat, latOK := loc["latitude"].(float64)
	lon, lonOK := loc["longitude"].(float64)
	return lat, lon, latOK && lonOK
}

func stringList(raw any) []string {
	list, _ := raw.([]any)
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// diffRemoved returns entries of prev absent from current.
func diffRemoved(prev, current []string) []string {
	currentSet := make(map[string]bool, len(current))
	for _, id := range current {
		currentSet[id] = true
	}
	var removed []string
	for _, id := range prev {
		if !currentSet[id] {
			removed = append(removed, id)
		}
	}
	return removed
}

// diffAdded returns entries of current absent from prev.
func diffAdded(prev, current []string) []string {
	prevSet := make(map[string]bool, len(prev))
	for _, id := range prev {
		prevSet[id] = true
	}
	var added []string
	for _, id := range current {
		if !prevSet[id] {
			added = append(added, id)
		}
	}
	return added
}

func hasDeviceishPrefix(id string) bool {
	for _, prefix := range deviceishPrefixes {
		if strings.HasPrefix(id, prefix+".") {
			return true
		}
	}
	return false
}

func hasAllKeys(value map[string]any, keys []string) bool {
	for _, k := range keys {
		if _, ok := value[k]; !ok {
			return false
		}
	}
	return true
}

// isResetError reports whether err is the kind of mid-long-poll connection
// drop that's expected traffic rather than a real subscription fault.
func isResetError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "connection reset") ||
		strings.Contains(err.Error(), "EOF") ||
		strings.Contains(err.Error(), "broken pipe")
}
