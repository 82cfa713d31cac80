package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nberg/nest-bridge/pkg/account"
	"github.com/nberg/nest-bridge/pkg/bridgehost"
	"github.com/nberg/nest-bridge/pkg/devicemodel"
)

type fakeBridge struct {
	devices     []*devicemodel.Device
	connections []account.ConnectionStatus
	nexus       []bridgehost.NexusSessionStatus
}

func (f *fakeBridge) Devices() []*devicemodel.Device               { return f.devices }
func (f *fakeBridge) ConnectionStatus() []account.ConnectionStatus { return f.connections }
func (f *fakeBridge) NexusSessionStats() []bridgehost.NexusSessionStatus { return f.nexus }

func TestHandleDevicesEncodesProjectedDevices(t *testing.T) {
	fb := &fakeBridge{
		devices: []*devicemodel.Device{
			{ID: "device.therm1", Kind: devicemodel.KindThermostat, ConnectionID: "c1", Name: "Hallway", Online: true, Attributes: map[string]any{"hvac_mode": "heat"}},
		},
	}
	s := NewServer(fb, nil)

	rec := httptest.NewRecorder()
	s.handleDevices(rec, httptest.NewRequest(http.MethodGet, "/api/devices", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var views []deviceView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)
	require.Equal(t, "thermostat", views[0].Kind)
	require.Equal(t, "heat", views[0].Attributes["hvac_mode"])
}

func TestHandleConnectionsEncodesStatus(t *testing.T) {
	fb := &fakeBridge{
		connections: []account.ConnectionStatus{
			{ID: "c1", Label: "home", Kind: account.KindNative, State: account.StateRunning, Authorized: true, LastError: errors.New("boom")},
		},
	}
	s := NewServer(fb, nil)

	rec := httptest.NewRecorder()
	s.handleConnections(rec, httptest.NewRequest(http.MethodGet, "/api/connections", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var views []connectionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)
	require.Equal(t, "running", views[0].State)
	require.Equal(t, "boom", views[0].LastError)
}

func TestHandleNexusSessionsEncodesStats(t *testing.T) {
	fb := &fakeBridge{
		nexus: []bridgehost.NexusSessionStatus{
			{DeviceID: "device.cam1", Host: "nexus.example.com", State: "PLAYING", Consumers: 2},
		},
	}
	s := NewServer(fb, nil)

	rec := httptest.NewRecorder()
	s.handleNexusSessions(rec, httptest.NewRequest(http.MethodGet, "/api/nexus-sessions", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var views []bridgehost.NexusSessionStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)
	require.Equal(t, "device.cam1", views[0].DeviceID)
	require.Equal(t, 2, views[0].Consumers)
}

func TestHandleDevicesRejectsNonGet(t *testing.T) {
	s := NewServer(&fakeBridge{}, nil)
	rec := httptest.NewRecorder()
	s.handleDevices(rec, httptest.NewRequest(http.MethodPost, "/api/devices", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServerStartStop(t *testing.T) {
	s := NewServer(&fakeBridge{}, nil)
	require.NoError(t, s.Start(context.Background(), "127.0.0.1:0"))
	require.NoError(t, s.Stop(context.Background()))
}
