package dispatcher

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nberg/nest-bridge/pkg/account"
	"github.com/nberg/nest-bridge/pkg/devicemodel"
	"github.com/nberg/nest-bridge/pkg/wire"
)

func (q *Queue) heapLen() int {
	q.heapMu.Lock()
	defer q.heapMu.Unlock()
	return q.heap.Len()
}

func TestQueueRunsInteractiveBeforeBackground(t *testing.T) {
	q := NewQueue(6000, nil)

	var mu sync.Mutex
	var order []int
	done := make(chan struct{}, 2)

	// Enqueue background, then interactive, before starting the worker, so
	// both are in the heap when processing begins: interactive must still
	// execute first since it outranks background regardless of order.
	go func() {
		q.Submit(PriorityBackground, func() error {
			mu.Lock()
			order = append(order, 2)
			mu.Unlock()
			done <- struct{}{}
			return nil
		})
	}()
	require.Eventually(t, func() bool { return q.heapLen() == 1 }, time.Second, time.Millisecond)

	go func() {
		q.Submit(PriorityInteractive, func() error {
			mu.Lock()
			order = append(order, 1)
			mu.Unlock()
			done <- struct{}{}
			return nil
		})
	}()
	require.Eventually(t, func() bool { return q.heapLen() == 2 }, time.Second, time.Millisecond)

	q.Start()
	defer q.Stop()

	<-done
	<-done
	require.Equal(t, []int{1, 2}, order)
}

func TestDispatcherSetHvacModePostsBatchUpdateState(t *testing.T) {
	var calls atomic.Int32
	var gotBody []traitTuple
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.Equal(t, "/nestlabs.gateway.v1.TraitBatchApi/BatchUpdateState", r.URL.Path)
		require.Equal(t, "application/x-protobuf", r.Header.Get("Content-Type"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		fields, err := wire.DecodeFields(body)
		require.NoError(t, err)
		byTag := wire.FieldsByTag(fields)
		require.Equal(t, "DEVICE_1", byTag[1].AsString())
		require.NoError(t, json.Unmarshal(byTag[2].Bytes, &gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	conn := account.NewConnection("acct1", account.KindNative, false)
	conn.TraceHost = srv.Listener.Addr().String()

	q := NewQueue(6000, nil)
	q.Start()
	defer q.Stop()

	d := New(conn, srv.Client(), q, nil, nil)
	dev := &devicemodel.Device{ID: "DEVICE_1", Kind: devicemodel.KindThermostat, Attributes: map[string]any{}}

	err := d.SetHvacMode(context.Background(), dev, "heat")
	require.NoError(t, err)
	require.Equal(t, int32(1), calls.Load())
	require.Len(t, gotBody, 1)
	require.Equal(t, "target_temperature_settings", gotBody[0].TraitLabel)
	require.Equal(t, "SET_POINT_TYPE_HEAT", gotBody[0].Value["targetTemperatureType"].(map[string]any)["value"])
	require.Equal(t, "HVAC_ACTOR_METHOD_IOS", gotBody[0].CurrentActorInfo.Method)
	require.WithinDuration(t, time.Now(), time.Unix(gotBody[0].CurrentActorInfo.TimeOfAction.Seconds, 0), 5*time.Second)
}

func TestDispatcherSetTargetTemperaturePostsHeatingTarget(t *testing.T) {
	var gotBody []traitTuple
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/nestlabs.gateway.v1.TraitBatchApi/BatchUpdateState", r.URL.Path)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		fields, err := wire.DecodeFields(body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(wire.FieldsByTag(fields)[2].Bytes, &gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	conn := account.NewConnection("acct1", account.KindNative, false)
	conn.TraceHost = srv.Listener.Addr().String()

	q := NewQueue(6000, nil)
	q.Start()
	defer q.Stop()

	d := New(conn, srv.Client(), q, nil, nil)
	dev := &devicemodel.Device{ID: "DEVICE_1", Kind: devicemodel.KindThermostat, Attributes: map[string]any{"hvac_mode": "heat"}}

	err := d.SetTargetTemperature(context.Background(), dev, 21.5)
	require.NoError(t, err)
	require.Len(t, gotBody, 1)
	require.Equal(t, "target_temperature_settings", gotBody[0].TraitLabel)
	nested := gotBody[0].Value["targetTemperature"].(map[string]any)["heatingTarget"].(map[string]any)
	require.InDelta(t, 21.5, nested["value"], 0.001)
}

func TestDispatcherSetHvacModeOnRESTDeviceMergesIntoSharedObject(t *testing.T) {
	var gotBody mergeRequest
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v5/put", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	conn := account.NewConnection("acct1", account.KindNative, false)
	conn.TransportURL = srv.URL

	q := NewQueue(6000, nil)
	q.Start()
	defer q.Stop()

	d := New(conn, srv.Client(), q, nil, nil)
	dev := &devicemodel.Device{ID: "device.therm1", Kind: devicemodel.KindThermostat, Attributes: map[string]any{}}

	err := d.SetHvacMode(context.Background(), dev, "heat")
	require.NoError(t, err)
	require.Len(t, gotBody.Objects, 1)
	require.Equal(t, "shared.therm1", gotBody.Objects[0].ObjectKey)
	require.Equal(t, "MERGE", gotBody.Objects[0].Op)
	require.Equal(t, "heat", gotBody.Objects[0].Value["hvac_mode"])
}

func TestDispatcherSetTemperatureScaleOnRESTDeviceMergesIntoDeviceObject(t *testing.T) {
	var gotBody mergeRequest
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	conn := account.NewConnection("acct1", account.KindNative, false)
	conn.TransportURL = srv.URL

	q := NewQueue(6000, nil)
	q.Start()
	defer q.Stop()

	d := New(conn, srv.Client(), q, nil, nil)
	dev := &devicemodel.Device{ID: "device.therm1", Kind: devicemodel.KindThermostat, Attributes: map[string]any{}}

	err := d.SetTemperatureScale(context.Background(), dev, "F")
	require.NoError(t, err)
	require.Len(t, gotBody.Objects, 1)
	require.Equal(t, "device.therm1", gotBody.Objects[0].ObjectKey)
}
