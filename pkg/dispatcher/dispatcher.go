// Package dispatcher encodes and sends command writes for canonical device
// records: trait writes via BatchUpdateState, REST camera-property writes,
// REST bucket merges, camera snapshot reads, and the zones/alerts
// supplementary fetches the post-subscribe pipeline's auxiliary timers
// drive.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/nberg/nest-bridge/pkg/account"
	"github.com/nberg/nest-bridge/pkg/bridgeerr"
	"github.com/nberg/nest-bridge/pkg/devicemodel"
	"github.com/nberg/nest-bridge/pkg/fingerprint"
	"github.com/nberg/nest-bridge/pkg/logger"
	"github.com/nberg/nest-bridge/pkg/store"
	"github.com/nberg/nest-bridge/pkg/wire"
)

// bucketMergeKeys are the thermostat mode/temperature keys that, for a
// REST-sourced write, redirect from the device object to its companion
// shared.<serial> object.
var bucketMergeKeys = map[string]bool{
	"hvac_mode":               true,
	"target_temperature":      true,
	"target_temperature_low":  true,
	"target_temperature_high": true,
}

// fanTimerDuration is how far out a fan_state=on write sets the trait's
// timerEnd; the host's fan control UI re-issues the write to extend it.
const fanTimerDuration = 30 * time.Minute

// alertsLookback is both the REST alerts poll's start_time window and the
// trait camera_observation_history request's [now, now+window] span.
const alertsLookback = 30 * time.Second

// liveImageWaitTimeout bounds how long FetchSnapshot's trait path waits
// for upload_live_image's result to land in the store via the trait
// observer before giving up.
const liveImageWaitTimeout = 5 * time.Second
const liveImagePollInterval = 100 * time.Millisecond

// Dispatcher routes a write against one canonical device to the right
// backend call for its source (trait BatchUpdateState vs. REST merge or
// camera-properties POST), paced through a priority Queue.
type Dispatcher struct {
	conn       *account.Connection
	httpClient *http.Client
	queue      *Queue
	store      *store.Store
	log        *logger.Logger
}

// New builds a dispatcher for one connection. The caller owns the queue's
// lifecycle (Start/Stop). st is the shared raw-data store the trait-path
// snapshot fetch reads upload_live_image's result back from.
func New(conn *account.Connection, httpClient *http.Client, queue *Queue, st *store.Store, log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.Default()
	}
	return &Dispatcher{conn: conn, httpClient: httpClient, queue: queue, store: st, log: log}
}

// SetHvacMode writes a thermostat's hvac_mode.
func (d *Dispatcher) SetHvacMode(ctx context.Context, dev *devicemodel.Device, mode string) error {
	return d.writeThermostatField(ctx, dev, map[string]any{"hvac_mode": mode})
}

// SetTargetTemperature writes a thermostat's setpoint in Celsius, routing
// around eco mode the same way the projector reads it back: while eco mode
// is active the setpoint belongs to the away-temperature band, not the
// manual target.
func (d *Dispatcher) SetTargetTemperature(ctx context.Context, dev *devicemodel.Device, celsius float64) error {
	if eco, _ := dev.Attributes["eco_mode"].(bool); eco {
		return d.writeThermostatField(ctx, dev, map[string]any{"away_temperature_low": celsius, "target_temperature": celsius})
	}
	return d.writeThermostatField(ctx, dev, map[string]any{"target_temperature": celsius})
}

// SetTemperatureScale writes the display scale ("C" or "F").
func (d *Dispatcher) SetTemperatureScale(ctx context.Context, dev *devicemodel.Device, scale string) error {
	return d.writeThermostatField(ctx, dev, map[string]any{"temperature_scale": scale})
}

// SetFanState turns the thermostat's fan timer on or off.
func (d *Dispatcher) SetFanState(ctx context.Context, dev *devicemodel.Device, on bool) error {
	return d.writeThermostatField(ctx, dev, map[string]any{"fan_state": on})
}

// writeThermostatField routes a thermostat write to the trait BatchUpdateState
// path for a trait-sourced device (DEVICE_ prefix) or the REST bucket-merge
// path for a REST-sourced one (device. prefix).
func (d *Dispatcher) writeThermostatField(ctx context.Context, dev *devicemodel.Device, values map[string]any) error {
	if strings.HasPrefix(dev.ID, "DEVICE_") {
		return d.writeTraitState(ctx, dev, values)
	}
	return d.writeRESTBucket(ctx, dev.ID, restKeysFor(values))
}

// restKeysFor drops the duplicate target_temperature key SetTargetTemperature
// adds for the trait path's eco-mode branch; the REST bucket merge only
// ever understands one key per setpoint write.
func restKeysFor(values map[string]any) map[string]any {
	if _, ok := values["away_temperature_low"]; !ok {
		return values
	}
	out := map[string]any{"away_temperature_low": values["away_temperature_low"]}
	return out
}

// SetStreamingEnabled toggles a camera's video stream.
func (d *Dispatcher) SetStreamingEnabled(ctx context.Context, dev *devicemodel.Device, enabled bool) error {
	return d.writeCameraField(ctx, dev, "streaming.enabled", "streaming.enabled", enabled)
}

// SetAudioEnabled toggles a camera's microphone.
func (d *Dispatcher) SetAudioEnabled(ctx context.Context, dev *devicemodel.Device, enabled bool) error {
	return d.writeCameraField(ctx, dev, "audio.enabled", "audio.enabled", enabled)
}

// SetIndoorChimeEnabled toggles a doorbell's indoor chime.
func (d *Dispatcher) SetIndoorChimeEnabled(ctx context.Context, dev *devicemodel.Device, enabled bool) error {
	return d.writeCameraField(ctx, dev, "indoor_chime_enabled", "doorbell.indoor_chime.enabled", enabled)
}

// SetLightEnabled toggles a camera's status/floodlight. Always REST: the
// trait path requires locating a companion SERVICE_*/AzizResource and
// issuing an on_off.SetStateRequest against it, which has no grounded
// linking field in the raw store schema to resolve from a bare device id
// (see DESIGN.md).
func (d *Dispatcher) SetLightEnabled(ctx context.Context, dev *devicemodel.Device, enabled bool) error {
	return d.setCameraProperty(ctx, dev, "statusled.enabled", enabled)
}

// SetLightBrightness scales a HomeKit 0-100 brightness down to the camera
// API's 0-10 range before writing it. REST-only; see SetLightEnabled.
func (d *Dispatcher) SetLightBrightness(ctx context.Context, dev *devicemodel.Device, brightnessPct float64) error {
	scaled := fingerprint.ScaleLinear(brightnessPct, 0, 100, 0, 10)
	return d.setCameraProperty(ctx, dev, "statusled.brightness", scaled)
}

// writeCameraField routes a camera/doorbell toggle to the trait
// BatchUpdateState path for a trait-sourced device or the REST
// dropcams.set_properties path for a REST-sourced one.
func (d *Dispatcher) writeCameraField(ctx context.Context, dev *devicemodel.Device, traitKey, restProperty string, value any) error {
	if strings.HasPrefix(dev.ID, "DEVICE_") {
		return d.writeTraitState(ctx, dev, map[string]any{traitKey: value})
	}
	return d.setCameraProperty(ctx, dev, restProperty, value)
}

// traitActorInfo tags an HVAC trait write with who made it and when, per
// §4.9's currentActorInfo requirement.
type traitActorInfo struct {
	Method     string `json:"method"`
	Originator struct {
		ResourceID string `json:"resourceId"`
	} `json:"originator"`
	TimeOfAction struct {
		Seconds int64 `json:"seconds"`
	} `json:"timeOfAction"`
}

// traitTuple is one (traitLabel, mergedValue) pair of a BatchUpdateState
// call, carried as a JSON blob in the TLV body per the observer's
// duck-typed payload convention (decode.go's design note).
type traitTuple struct {
	TraitLabel       string          `json:"traitLabel"`
	Value            map[string]any  `json:"value"`
	CurrentActorInfo *traitActorInfo `json:"currentActorInfo,omitempty"`
}

func (d *Dispatcher) actorInfo() *traitActorInfo {
	ai := &traitActorInfo{Method: "HVAC_ACTOR_METHOD_IOS"}
	ai.Originator.ResourceID = d.conn.UserID()
	ai.TimeOfAction.Seconds = time.Now().Unix()
	return ai
}

// buildTraitTuples encodes §4.9's per-key trait tuple rules. Unrecognized
// keys are dropped; callers of writeTraitState only ever pass keys this
// dispatcher itself produces.
func (d *Dispatcher) buildTraitTuples(dev *devicemodel.Device, values map[string]any) []traitTuple {
	eco, _ := dev.Attributes["eco_mode"].(bool)
	hvacMode, _ := dev.Attributes["hvac_mode"].(string)

	var tuples []traitTuple
	for key, v := range values {
		switch key {
		case "hvac_mode":
			mode, _ := v.(string)
			tt := traitTuple{TraitLabel: "target_temperature_settings", CurrentActorInfo: d.actorInfo()}
			if strings.EqualFold(mode, "off") {
				tt.Value = map[string]any{"enabled": map[string]any{"value": false}}
			} else {
				tt.Value = map[string]any{
					"enabled":               map[string]any{"value": true},
					"targetTemperatureType": map[string]any{"value": "SET_POINT_TYPE_" + strings.ToUpper(mode)},
				}
			}
			tuples = append(tuples, tt)

		case "target_temperature", "target_temperature_low", "target_temperature_high", "away_temperature_low":
			celsius := asFloatVal(v)
			heating := key != "target_temperature_high"
			if key == "target_temperature" && strings.EqualFold(hvacMode, "cool") {
				heating = false
			}

			var value map[string]any
			var traitLabel string
			if eco {
				traitLabel = "eco_mode_settings"
				ecoKey := "ecoTemperatureCool"
				if heating {
					ecoKey = "ecoTemperatureHeat"
				}
				value = map[string]any{ecoKey: map[string]any{"value": map[string]any{"value": celsius}}}
			} else {
				traitLabel = "target_temperature_settings"
				targetKey := "coolingTarget"
				if heating {
					targetKey = "heatingTarget"
				}
				value = map[string]any{"targetTemperature": map[string]any{targetKey: map[string]any{"value": celsius}}}
			}
			tuples = append(tuples, traitTuple{TraitLabel: traitLabel, Value: value, CurrentActorInfo: d.actorInfo()})

		case "temperature_scale":
			tuples = append(tuples, traitTuple{TraitLabel: "display_settings", Value: map[string]any{"temperatureScale": v}})

		case "temperature_lock":
			tuples = append(tuples, traitTuple{TraitLabel: "temperature_lock_settings", Value: map[string]any{"enabled": v}})

		case "fan_state":
			on, _ := v.(bool)
			var timerEnd int64
			if on {
				timerEnd = time.Now().Add(fanTimerDuration).Unix()
			}
			tuples = append(tuples, traitTuple{TraitLabel: "fan_control_settings", Value: map[string]any{"timerEnd": timerEnd}})

		case "streaming.enabled":
			state := "CAMERA_OFF"
			if on, _ := v.(bool); on {
				state = "CAMERA_ON"
			}
			tuples = append(tuples, traitTuple{TraitLabel: "recording_toggle_settings", Value: map[string]any{"targetCameraState": state}})

		case "audio.enabled":
			tuples = append(tuples, traitTuple{TraitLabel: "audio_input_settings", Value: map[string]any{"enabled": v}})

		case "indoor_chime_enabled":
			tuples = append(tuples, traitTuple{TraitLabel: "indoor_chime_settings", Value: map[string]any{"enabled": v}})
		}
	}
	return tuples
}

func asFloatVal(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

// writeTraitState encodes a single-device BatchUpdateState call and submits
// it to the priority queue at interactive priority (every write here is
// host-issued, never dispatcher-internal reconciliation).
func (d *Dispatcher) writeTraitState(ctx context.Context, dev *devicemodel.Device, values map[string]any) error {
	return d.queue.Submit(PriorityInteractive, func() error {
		tuples := d.buildTraitTuples(dev, values)
		if len(tuples) == 0 {
			return nil
		}
		tuplesJSON, err := json.Marshal(tuples)
		if err != nil {
			return err
		}
		w := wire.NewFieldWriter()
		w.WriteStringField(1, dev.ID)
		w.WriteBytesField(2, tuplesJSON)

		uri := fmt.Sprintf("https://%s/nestlabs.gateway.v1.TraitBatchApi/BatchUpdateState", d.conn.TraceHost)
		return d.postBinary(ctx, uri, w.Bytes())
	})
}

// mergeObject is one entry of a v5/put merge request body.
type mergeObject struct {
	ObjectKey string         `json:"object_key"`
	Op        string         `json:"op"`
	Value     map[string]any `json:"value"`
}

type mergeRequest struct {
	Objects []mergeObject `json:"objects"`
}

// writeRESTBucket issues a v5/put bucket merge for a REST-sourced device.
// Thermostat mode/temperature keys redirect to that device's companion
// shared.<serial> object rather than the device.<serial> object itself.
func (d *Dispatcher) writeRESTBucket(ctx context.Context, resourceID string, values map[string]any) error {
	return d.queue.Submit(PriorityInteractive, func() error {
		objectKey := resourceID
		if hasBucketMergeKey(values) {
			if serial, ok := strings.CutPrefix(resourceID, "device."); ok {
				objectKey = "shared." + serial
			}
		}

		body, err := json.Marshal(mergeRequest{Objects: []mergeObject{
			{ObjectKey: objectKey, Op: "MERGE", Value: values},
		}})
		if err != nil {
			return err
		}

		uri := d.conn.TransportURL + "/v5/put"
		return d.post(ctx, uri, body, "application/json")
	})
}

func hasBucketMergeKey(values map[string]any) bool {
	for k := range values {
		if bucketMergeKeys[k] || k == "away_temperature_low" {
			return true
		}
	}
	return false
}

// setCameraProperty issues a REST dropcams.set_properties write.
func (d *Dispatcher) setCameraProperty(ctx context.Context, dev *devicemodel.Device, property string, value any) error {
	return d.queue.Submit(PriorityInteractive, func() error {
		uuid, _ := dev.Attributes["uuid"].(string)
		form := map[string]any{"uuid": uuid, property: value}
		body, err := json.Marshal(form)
		if err != nil {
			return err
		}
		cameraHost, _ := dev.Attributes["nexus_host"].(string)
		uri := fmt.Sprintf("https://webapi.%s/api/dropcams.set_properties", cameraHost)
		return d.post(ctx, uri, body, "application/json")
	})
}

func (d *Dispatcher) post(ctx context.Context, uri string, body []byte, contentType string) error {
	return d.doPost(ctx, uri, body, map[string]string{"Content-Type": contentType})
}

// postBinary issues the binary-RPC content type and streaming headers §6
// requires for tracehost calls.
func (d *Dispatcher) postBinary(ctx context.Context, uri string, body []byte) error {
	return d.doPost(ctx, uri, body, map[string]string{
		"Content-Type":                       "application/x-protobuf",
		"X-Accept-Content-Transfer-Encoding": "binary",
		"X-Accept-Response-Streaming":        "true",
	})
}

func (d *Dispatcher) doPost(ctx context.Context, uri string, body []byte, headers map[string]string) error {
	_, err := d.doPostResponse(ctx, uri, body, headers)
	return err
}

func (d *Dispatcher) doPostResponse(ctx context.Context, uri string, body []byte, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if cred := d.conn.CameraCredential(); cred.Key != "" {
		req.Header.Set(cred.Key, cred.Value)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bridgeerr.ErrSubscriptionFault, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d: %s", bridgeerr.ErrSubscriptionFault, resp.StatusCode, bytes.TrimSpace(respBody))
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

// sendCommand issues a ResourceApi.SendCommand call and returns the raw
// response body; callers that only care about the command firing (e.g.
// upload_live_image) can discard it.
func (d *Dispatcher) sendCommand(ctx context.Context, resourceID, commandType string, params map[string]any) ([]byte, error) {
	payload, err := json.Marshal(map[string]any{"commandType": commandType, "params": params})
	if err != nil {
		return nil, err
	}
	w := wire.NewFieldWriter()
	w.WriteStringField(1, resourceID)
	w.WriteBytesField(2, payload)

	uri := fmt.Sprintf("https://%s/nestlabs.gateway.v1.ResourceApi/SendCommand", d.conn.TraceHost)
	return d.doPostResponse(ctx, uri, w.Bytes(), map[string]string{
		"Content-Type":                       "application/x-protobuf",
		"X-Accept-Content-Transfer-Encoding": "binary",
		"X-Accept-Response-Streaming":        "true",
	})
}

func (d *Dispatcher) getBytes(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	cred := d.conn.CameraCredential()
	req.Header.Set(cred.Key, cred.Value)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bridgeerr.ErrSubscriptionFault, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", bridgeerr.ErrSubscriptionFault, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 8<<20))
}

// FetchSnapshot retrieves a camera's current still image: a REST source
// fetches it directly via the nexus snapshot endpoint; a trait source
// issues an upload_live_image command first, then polls the store for the
// resulting upload_live_image.liveImageUrl the trait observer lands, and
// fetches that URL.
func (d *Dispatcher) FetchSnapshot(ctx context.Context, dev *devicemodel.Device) ([]byte, error) {
	if strings.HasPrefix(dev.ID, "DEVICE_") {
		return d.fetchTraitSnapshot(ctx, dev)
	}

	short, _ := dev.Attributes["uuid"].(string)
	cameraHost, _ := dev.Attributes["nexus_host"].(string)
	uri := fmt.Sprintf("https://%s/get_image?uuid=%s", cameraHost, short)
	return d.getBytes(ctx, uri)
}

func (d *Dispatcher) fetchTraitSnapshot(ctx context.Context, dev *devicemodel.Device) ([]byte, error) {
	if _, err := d.sendCommand(ctx, dev.ID, "upload_live_image", nil); err != nil {
		return nil, err
	}

	url, err := d.waitForLiveImageURL(ctx, dev.ID)
	if err != nil {
		return nil, err
	}
	return d.getBytes(ctx, url)
}

// waitForLiveImageURL polls the store for the upload_live_image.liveImageUrl
// the trait observer merges in once the command above completes.
func (d *Dispatcher) waitForLiveImageURL(ctx context.Context, resourceID string) (string, error) {
	if d.store == nil {
		return "", fmt.Errorf("%w: no store wired for trait snapshot fetch", bridgeerr.ErrSubscriptionFault)
	}
	deadline := time.Now().Add(liveImageWaitTimeout)
	for {
		if entry := d.store.Get(resourceID); entry != nil {
			if upload, ok := entry.Value["upload_live_image"].(map[string]any); ok {
				if u, ok := upload["liveImageUrl"].(string); ok && u != "" {
					return u, nil
				}
			}
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("%w: upload_live_image timed out", bridgeerr.ErrSubscriptionFault)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(liveImagePollInterval):
		}
	}
}

// FetchZones fetches a REST-sourced camera's activity zones. Trait sources
// carry zones via their own trait stream and have no REST poller.
func (d *Dispatcher) FetchZones(ctx context.Context, dev *devicemodel.Device) ([]map[string]any, error) {
	if !strings.HasPrefix(dev.ID, "quartz.") {
		return nil, nil
	}
	short, _ := dev.Attributes["uuid"].(string)
	nexusHost, _ := dev.Attributes["nexus_host"].(string)
	if nexusHost == "" {
		return nil, nil
	}

	uri := fmt.Sprintf("https://%s/cuepoint_category/%s", nexusHost, short)
	body, err := d.getBytes(ctx, uri)
	if err != nil {
		return nil, err
	}
	var zones []map[string]any
	if err := json.Unmarshal(body, &zones); err != nil {
		return nil, fmt.Errorf("decode cuepoint_category response: %w", err)
	}
	for _, z := range zones {
		if asFloatVal(z["id"]) == 0 {
			z["id"] = 1
		}
	}
	return zones, nil
}

// FetchAlerts fetches recent camera events for either source, normalizing
// both into {playback_time, start_time, end_time, id, zone_ids, types}
// sorted most-recent first.
func (d *Dispatcher) FetchAlerts(ctx context.Context, dev *devicemodel.Device) ([]map[string]any, error) {
	var records []map[string]any

	switch {
	case strings.HasPrefix(dev.ID, "quartz."):
		short, _ := dev.Attributes["uuid"].(string)
		nexusHost, _ := dev.Attributes["nexus_host"].(string)
		if nexusHost == "" {
			return nil, nil
		}
		startTime := time.Now().Add(-alertsLookback).Unix()
		uri := fmt.Sprintf("https://%s/cuepoint/%s/2?start_time=%d", nexusHost, short, startTime)
		body, err := d.getBytes(ctx, uri)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(body, &records); err != nil {
			return nil, fmt.Errorf("decode cuepoint response: %w", err)
		}

	case strings.HasPrefix(dev.ID, "DEVICE_"):
		now := time.Now()
		params := map[string]any{
			"cameraObservationHistoryRequest": map[string]any{
				"startTime": now.Unix(),
				"endTime":   now.Add(alertsLookback).Unix(),
			},
		}
		body, err := d.sendCommand(ctx, dev.ID, "camera_observation_history", params)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(body, &records); err != nil {
			return nil, fmt.Errorf("decode camera_observation_history response: %w", err)
		}

	default:
		return nil, nil
	}

	return normalizeAlerts(records), nil
}

func normalizeAlerts(records []map[string]any) []map[string]any {
	for _, r := range records {
		r["zone_ids"] = normalizeZoneIDs(r["zone_ids"])
	}
	sort.Slice(records, func(i, j int) bool {
		return asFloatVal(records[i]["start_time"]) > asFloatVal(records[j]["start_time"])
	})
	return records
}

func normalizeZoneIDs(raw any) []int {
	list, _ := raw.([]any)
	if len(list) == 0 {
		return []int{1}
	}
	ids := make([]int, len(list))
	for i, v := range list {
		ids[i] = int(asFloatVal(v))
	}
	if ids[0] == 0 {
		ids[0] = 1
	}
	return ids
}
