package devicemodel

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nberg/nest-bridge/pkg/store"
)

func TestPipelineProjectsThermostatAndLinkedSensor(t *testing.T) {
	st := store.New()
	st.Upsert("device.therm1", store.SourceREST, "c1", 1, map[string]any{
		"name":                    "Hallway",
		"hvac_mode":               "heat",
		"target_temperature":      21.0,
		"current_temperature":     20.0,
		"allocated_kryptonite_id": []any{"kryptonite.sensor1"},
	})
	st.Upsert("kryptonite.sensor1", store.SourceREST, "c1", 1, map[string]any{
		"description":         "Bedroom sensor",
		"current_temperature": 19.5,
		"battery_level":       2.8,
	})

	var events []Event
	p := NewPipeline(PipelineConfig{}, st, nil, AuxFetchers{}, func(e Event) { events = append(events, e) })
	p.Run()

	require.Len(t, events, 2)
	byID := map[string]Event{}
	for _, e := range events {
		byID[e.Device.ID] = e
	}

	therm := byID["device.therm1"]
	require.Equal(t, EventAdd, therm.Type)
	require.Equal(t, KindThermostat, therm.Device.Kind)

	sensor := byID["kryptonite.sensor1"]
	require.Equal(t, EventAdd, sensor.Type)
	require.Equal(t, KindTempSensor, sensor.Device.Kind)
	require.Equal(t, "device.therm1", sensor.Device.Attributes["associated_thermostat"])
}

func TestPipelineEmitsUpdateThenRemove(t *testing.T) {
	st := store.New()
	st.Upsert("device.therm1", store.SourceREST, "c1", 1, map[string]any{
		"hvac_mode": "heat", "target_temperature": 21.0,
	})

	var events []Event
	p := NewPipeline(PipelineConfig{}, st, nil, AuxFetchers{}, func(e Event) { events = append(events, e) })
	p.Run()
	require.Len(t, events, 1)
	require.Equal(t, EventAdd, events[0].Type)

	events = nil
	st.Upsert("device.therm1", store.SourceREST, "c1", 2, map[string]any{"target_temperature": 22.0})
	p.Run()
	require.Len(t, events, 1)
	require.Equal(t, EventUpdate, events[0].Type)

	events = nil
	st.Delete("device.therm1")
	p.Run()
	require.Len(t, events, 1)
	require.Equal(t, EventRemove, events[0].Type)
	require.Equal(t, "device.therm1", events[0].ID)
}

func TestPipelineProtectDisabledByDefault(t *testing.T) {
	st := store.New()
	st.Upsert("topaz.det1", store.SourceREST, "c1", 1, map[string]any{"smoke_status": 1})

	var events []Event
	p := NewPipeline(PipelineConfig{}, st, nil, AuxFetchers{}, func(e Event) { events = append(events, e) })
	p.Run()
	require.Empty(t, events)

	p2 := NewPipeline(PipelineConfig{EnableProtect: true}, st, nil, AuxFetchers{}, func(e Event) { events = append(events, e) })
	p2.Run()
	require.Len(t, events, 1)
	require.Equal(t, KindProtect, events[0].Device.Kind)
}
