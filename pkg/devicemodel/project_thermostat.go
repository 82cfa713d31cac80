package devicemodel

import (
	"strings"

	"github.com/nberg/nest-bridge/pkg/fingerprint"
	"github.com/nberg/nest-bridge/pkg/store"
)

// thermostatTypeNames are the trait types requested from the trait stream
// for thermostat data. projectThermostat does not consult them: it
// recognizes an entry by its device./DEVICE_ prefix and thermostat fields.
var thermostatTypeNames = map[string]bool{
	"nest.trait.hvac.TargetTemperatureSettingsTrait": true,
	"nest.trait.hvac.ThermostatHvacTrait":            true,
}

// ThermostatTraitTypes returns the trait types in thermostatTypeNames, for
// callers building a
// traitobserve.TraitTypeSource without duplicating this list.
func ThermostatTraitTypes() []string {
	out := make([]string, 0, len(thermostatTypeNames))
	for name := range thermostatTypeNames {
		out = append(out, name)
	}
	return out
}

// projectThermostat builds a canonical thermostat record from a
// device./DEVICE_ entry, or returns ok=false if it doesn't look like a
// thermostat (no target_temperature/hvac_mode fields present).
func projectThermostat(e *store.Entry) (*Device, bool) {
	if !strings.HasPrefix(e.ResourceID, "device.") && !strings.HasPrefix(e.ResourceID, "DEVICE_") {
		return nil, false
	}
	if !hasAnyKey(e.Value, "target_temperature", "target_temperature_f", "hvac_mode") {
		return nil, false
	}

	targetC := floatField(e.Value, "target_temperature", floatField(e.Value, "target_temperature_low", 0))
	ambientC := floatField(e.Value, "current_temperature", floatField(e.Value, "ambient_temperature_celsius", 0))
	scale := stringField(e.Value, "temperature_scale", "C")
	ecoMode := boolField(e.Value, "eco_mode", false)

	if ecoMode {
		// Eco mode reports the away-band target, not the manual setpoint;
		// prefer the low end of the away band when present so the
		// dispatcher's round trip stays idempotent.
		if v, ok := e.Value["away_temperature_low"]; ok {
			targetC = asFloat(v, targetC)
		}
	}

	batteryV := floatField(e.Value, "battery_level", 0)
	batteryPct := fingerprint.ScaleLinear(batteryV, 3.6, 3.9, 0, 100)

	attrs := map[string]any{
		"hvac_mode":              stringField(e.Value, "hvac_mode", "off"),
		"target_temperature_c":   targetC,
		"current_temperature_c":  ambientC,
		"temperature_scale":      scale,
		"humidity_percent":       floatField(e.Value, "current_humidity", 0),
		"battery_percent":        batteryPct,
		"eco_mode":               ecoMode,
		"fan_state":              boolField(e.Value, "fan_timer_active", false),
	}

	return &Device{
		ID:           e.ResourceID,
		Kind:         KindThermostat,
		ConnectionID: e.ConnectionID,
		Name:         fingerprint.SanitizeName(stringField(e.Value, "name", e.ResourceID)),
		Online:       boolField(e.Value, "is_online", true),
		Attributes:   attrs,
	}, true
}

// thermostatSensorLinks extracts the sensor ids a thermostat entry reports
// as associated, used by the two-pass back-reference resolution (pipeline
// pass 1: thermostats register their links; pass 2: sensors read them).
func thermostatSensorLinks(e *store.Entry) []string {
	raw, ok := e.Value["allocated_kryptonite_id"]
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func hasAnyKey(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

func floatField(m map[string]any, key string, def float64) float64 {
	v, ok := m[key]
	if !ok {
		return def
	}
	return asFloat(v, def)
}

func asFloat(v any, def float64) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return def
	}
}

func stringField(m map[string]any, key, def string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return def
}

func boolField(m map[string]any, key string, def bool) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return def
}
