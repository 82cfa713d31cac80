package devicemodel

import (
	"strings"

	"github.com/nberg/nest-bridge/pkg/fingerprint"
	"github.com/nberg/nest-bridge/pkg/store"
)

// projectWeather builds a canonical weather record from a structure./
// STRUCTURE_ entry that carries a structure_location (latitude/longitude),
// once the weather fetch collaborator has attached its result.
func projectWeather(e *store.Entry) (*Device, bool) {
	if !strings.HasPrefix(e.ResourceID, "structure.") && !strings.HasPrefix(e.ResourceID, "STRUCTURE_") {
		return nil, false
	}
	wx, ok := e.Value["weather"].(map[string]any)
	if !ok {
		return nil, false
	}

	attrs := map[string]any{
		"temperature_c":  floatField(wx, "temperature_c", 0),
		"humidity_pct":   floatField(wx, "humidity_pct", 0),
		"wind_kph":       floatField(wx, "wind_kph", 0),
		"condition":      stringField(wx, "condition", ""),
		"serial_number":  fingerprint.WeatherSerial(e.ResourceID),
	}

	return &Device{
		ID:           e.ResourceID,
		Kind:         KindWeather,
		ConnectionID: e.ConnectionID,
		Name:         fingerprint.SanitizeName(stringField(e.Value, "name", "Weather")),
		Online:       true,
		Attributes:   attrs,
	}, true
}
