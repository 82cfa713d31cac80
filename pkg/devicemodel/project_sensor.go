package devicemodel

import (
	"strings"
	"time"

	"github.com/nberg/nest-bridge/pkg/fingerprint"
	"github.com/nberg/nest-bridge/pkg/store"
)

// projectTempSensor builds a canonical temperature-sensor record from a
// kryptonite./DEVICE_ entry. links maps a sensor id to its associated
// thermostat id, resolved in the pipeline's first pass over thermostat
// entries before this second pass runs.
func projectTempSensor(e *store.Entry, links map[string]string) (*Device, bool) {
	if !strings.HasPrefix(e.ResourceID, "kryptonite.") && !strings.HasPrefix(e.ResourceID, "DEVICE_") {
		return nil, false
	}
	if !hasAnyKey(e.Value, "current_temperature", "battery_level") {
		return nil, false
	}
	// An entry with thermostat fields is never projected as a sensor; a
	// DEVICE_ entry with them is projectThermostat's.
	if hasAnyKey(e.Value, "target_temperature", "hvac_mode") {
		return nil, false
	}

	batteryV := floatField(e.Value, "battery_level", 3.0)
	batteryPct := fingerprint.ScaleLinear(batteryV, 2.0, 3.0, 0, 100)

	online := false
	if lastUpdated, ok := e.Value["last_updated_at"]; ok {
		if ts := asFloat(lastUpdated, 0); ts > 0 {
			online = time.Since(time.Unix(int64(ts), 0)) < 4*time.Hour
		}
	}

	assocThermostat := links[e.ResourceID]

	attrs := map[string]any{
		"current_temperature_c": floatField(e.Value, "current_temperature", 0),
		"battery_percent":       batteryPct,
		"associated_thermostat": assocThermostat,
	}
	if assocThermostat == "" {
		// A sensor with no owning thermostat is not projected at all.
		return nil, false
	}

	return &Device{
		ID:           e.ResourceID,
		Kind:         KindTempSensor,
		ConnectionID: e.ConnectionID,
		Name:         fingerprint.SanitizeName(stringField(e.Value, "description", e.ResourceID)),
		Online:       online,
		Attributes:   attrs,
	}, true
}
