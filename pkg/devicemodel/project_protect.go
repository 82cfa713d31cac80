package devicemodel

import (
	"strings"

	"github.com/nberg/nest-bridge/pkg/fingerprint"
	"github.com/nberg/nest-bridge/pkg/store"
)

// projectProtect builds a canonical smoke/CO detector record from a
// topaz.* REST bucket. Protect never migrated to the trait stream, so
// there is no DEVICE_* counterpart. Disabled by default (see the open
// question resolution in the design notes): smoke/CO alarm state exposed
// to a home-automation host is a safety-relevant surface this bridge
// should only expose when an operator opts in, since a stale or delayed
// projection of a smoke alarm is worse than not exposing one at all.
func projectProtect(e *store.Entry, enabled bool) (*Device, bool) {
	if !enabled {
		return nil, false
	}
	if !strings.HasPrefix(e.ResourceID, "topaz.") {
		return nil, false
	}
	if !hasAnyKey(e.Value, "smoke_status", "co_status") {
		return nil, false
	}

	attrs := map[string]any{
		"smoke_alarm": intField(e.Value, "smoke_status", 0) != 0,
		"co_alarm":    intField(e.Value, "co_status", 0) != 0,
		"battery_ok":  stringField(e.Value, "battery_health_state", "ok") == "ok",
	}

	return &Device{
		ID:           e.ResourceID,
		Kind:         KindProtect,
		ConnectionID: e.ConnectionID,
		Name:         fingerprint.SanitizeName(stringField(e.Value, "description", e.ResourceID)),
		Online:       boolField(e.Value, "component_wifi_test_passed", true),
		Attributes:   attrs,
	}, true
}

func intField(m map[string]any, key string, def int) int {
	return int(floatField(m, key, float64(def)))
}
