package bridgehost

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nberg/nest-bridge/pkg/devicemodel"
	"github.com/nberg/nest-bridge/pkg/nexus"
)

func TestOpenConsumerRejectsUnknownDevice(t *testing.T) {
	b := &Bridge{devices: map[string]*devicemodel.Device{}}
	err := b.OpenConsumer("device.missing", nexus.KindLive, "consumer-1", nil, nil)
	require.Error(t, err)
}

func TestSessionForRejectsDeviceWithoutNexusHost(t *testing.T) {
	b := &Bridge{devices: map[string]*devicemodel.Device{
		"device.cam1": {ID: "device.cam1", Kind: devicemodel.KindCamera, Attributes: map[string]any{}},
	}}
	_, err := b.sessionFor(b.devices["device.cam1"])
	require.Error(t, err)
}

func TestNexusSessionStatsEmptyByDefault(t *testing.T) {
	b := &Bridge{devices: map[string]*devicemodel.Device{}}
	require.Empty(t, b.NexusSessionStats())
}
