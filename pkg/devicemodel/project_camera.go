package devicemodel

import (
	"strings"

	"github.com/nberg/nest-bridge/pkg/fingerprint"
	"github.com/nberg/nest-bridge/pkg/store"
)

// projectCamera builds a canonical camera or doorbell record. A quartz.*
// REST bucket only projects while properties["cc2migration.overview_state"]
// is "NORMAL" (anything else means the camera is mid-migration to the
// trait API and its REST fields are stale); a DEVICE_* trait entry
// projects once it reports a streaming_protocol, which is when the nexus
// session host fields are actually populated.
func projectCamera(e *store.Entry) (*Device, bool) {
	switch {
	case strings.HasPrefix(e.ResourceID, "quartz."):
		properties, _ := e.Value["properties"].(map[string]any)
		if stringField(properties, "cc2migration.overview_state", "") != "NORMAL" {
			return nil, false
		}
		if !hasAnyKey(e.Value, "nexustalk_host", "direct_nexustalk_host") {
			return nil, false
		}
	case strings.HasPrefix(e.ResourceID, "DEVICE_"):
		if !hasAnyKey(e.Value, "streaming_protocol") {
			return nil, false
		}
	default:
		return nil, false
	}

	kind := KindCamera
	if boolField(e.Value, "is_doorbell", false) {
		kind = KindDoorbell
	}

	host := stringField(e.Value, "direct_nexustalk_host", stringField(e.Value, "nexustalk_host", ""))

	attrs := map[string]any{
		"nexus_host":            host,
		"streaming_enabled":     boolField(e.Value, "streaming_state", true),
		"audio_enabled":         boolField(e.Value, "audio_input_enabled", true),
		"indoor_chime_enabled":  boolField(e.Value, "indoor_chime_enabled", true),
		"light_enabled":         boolField(e.Value, "light_enabled", false),
		"uuid":                  stringField(e.Value, "uuid", store.ShortID(e.ResourceID)),
	}

	return &Device{
		ID:           e.ResourceID,
		Kind:         kind,
		ConnectionID: e.ConnectionID,
		Name:         fingerprint.SanitizeName(stringField(e.Value, "name", e.ResourceID)),
		Online:       boolField(e.Value, "is_online", true),
		Attributes:   attrs,
	}, true
}
