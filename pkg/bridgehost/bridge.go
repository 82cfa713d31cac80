// Package bridgehost wires every connection's cloud-session, subscribe,
// observe, and nexus pipelines together into one running bridge, driving
// the shared raw-data store and projector and forwarding their events to
// the home-automation host adapter.
package bridgehost

import (
	"context"
	"sync"
	"time"

	"github.com/nberg/nest-bridge/pkg/account"
	"github.com/nberg/nest-bridge/pkg/config"
	"github.com/nberg/nest-bridge/pkg/devicemodel"
	"github.com/nberg/nest-bridge/pkg/dispatcher"
	"github.com/nberg/nest-bridge/pkg/logger"
	"github.com/nberg/nest-bridge/pkg/nexus"
	"github.com/nberg/nest-bridge/pkg/restsub"
	"github.com/nberg/nest-bridge/pkg/store"
	"github.com/nberg/nest-bridge/pkg/traitobserve"
	"github.com/nberg/nest-bridge/pkg/weather"
)

// Config tunes the bridge's managed subsystems.
type Config struct {
	Manager     account.ManagerConfig
	Pipeline    devicemodel.PipelineConfig
	QPM         float64 // dispatcher write pacing, separate from the account manager's auth QPM
	ResourceDir string  // holds offline.h264/off.h264/connecting.h264 fallback frames for nexus sessions
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Manager:  account.DefaultManagerConfig(),
		Pipeline: devicemodel.PipelineConfig{},
		QPM:      10.0,
	}
}

// fixedTraitTypes is a placeholder TraitTypeSource until the trait schema
// loader (compiling the full .nest.trait./.weave. catalog per connection
// kind) is wired; it requests the families this bridge's projector
// actually understands, which is enough to drive the thermostat, sensor,
// and camera projections end to end.
type fixedTraitTypes struct{}

func (fixedTraitTypes) TraitTypes(kind account.Kind) []string {
	types := append(devicemodel.ThermostatTraitTypes(),
		"nest.trait.hvac.ConfigurationDoneTrait",
		"nest.trait.temperature.TemperatureTrait",
		"weave.trait.power.BatteryPowerSourceTrait",
	)
	if kind == account.KindFederated {
		types = append(types,
			"google.trait.product.camera.StreamingProtocolTrait",
			"google.trait.product.camera.CameraMigrationStatusTrait",
		)
	} else {
		types = append(types, "nest.trait.product.camera.MigrationStatusTrait")
	}
	return types
}

// connPipelines holds every per-connection component the bridge starts
// and stops alongside that connection's lifecycle.
type connPipelines struct {
	cancel  context.CancelFunc
	queue   *dispatcher.Queue
	dispatch *dispatcher.Dispatcher
}

// Bridge is the top-level orchestrator: one account manager, one shared
// store and projector, and one subscribe/observe/dispatch set per
// connection.
type Bridge struct {
	cfg   Config
	log   *logger.Logger
	store *store.Store

	manager  *account.Manager
	pipeline *devicemodel.Pipeline

	mu    sync.Mutex
	conns map[string]*connPipelines

	devMu   sync.RWMutex
	devices map[string]*devicemodel.Device

	nexusMu     sync.Mutex
	nexusSess   map[string]*nexus.Session
	nexusFrames nexus.Frames

	onEvent func(devicemodel.Event)
}

// New builds a bridge. onEvent is called for every ADD/UPDATE/REMOVE the
// projector emits; it must not block for long, since it runs on the
// pipeline's single re-projection path.
func New(cfg Config, log *logger.Logger, onEvent func(devicemodel.Event)) (*Bridge, error) {
	if log == nil {
		log = logger.Default()
	}
	st := store.New()

	b := &Bridge{
		cfg:         cfg,
		log:         log,
		store:       st,
		conns:       make(map[string]*connPipelines),
		devices:     make(map[string]*devicemodel.Device),
		nexusSess:   make(map[string]*nexus.Session),
		nexusFrames: loadFrames(cfg.ResourceDir),
		onEvent:     onEvent,
	}

	b.pipeline = devicemodel.NewPipeline(cfg.Pipeline, st, log, devicemodel.AuxFetchers{
		FetchZones:   b.fetchZones,
		FetchAlerts:  b.fetchAlerts,
		FetchWeather: b.fetchWeather,
	}, b.trackEvent)

	mgr, err := account.NewManager(cfg.Manager, log, b.onConnectionAuthorized)
	if err != nil {
		return nil, err
	}
	b.manager = mgr
	return b, nil
}

// LoadFromConfig registers every configured connection.
func (b *Bridge) LoadFromConfig(cfg *config.Config) []*account.Connection {
	return b.manager.LoadFromConfig(cfg)
}

// Start authorizes every connection and begins its subscribe/observe
// loops as each one comes online.
func (b *Bridge) Start() {
	b.manager.Start()
}

// Close stops every connection's pipelines and the account manager.
func (b *Bridge) Close() {
	b.manager.Stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, cp := range b.conns {
		cp.cancel()
		cp.queue.Stop()
	}
}

// onConnectionAuthorized starts a connection's subscribe, observe, and
// dispatch pipelines the first time it authorizes, and re-triggers a
// pipeline run on any subsequent reauthorization (session fields like
// TransportURL may have changed).
func (b *Bridge) onConnectionAuthorized(conn *account.Connection) {
	b.mu.Lock()
	_, running := b.conns[conn.ID.String()]
	b.mu.Unlock()
	if running {
		b.pipeline.Run()
		return
	}

	httpClient := b.manager.HTTPClient()
	ctx, cancel := context.WithCancel(context.Background())

	queue := dispatcher.NewQueue(b.cfg.QPM, b.log)
	queue.Start()
	disp := dispatcher.New(conn, httpClient, queue, b.store, b.log)

	sub := restsub.New(conn, httpClient, b.store, b.log, b.pipeline.Run)
	obs := traitobserve.New(conn, httpClient, fixedTraitTypes{}, b.store, b.log, b.pipeline.Run)

	go sub.Run(ctx)
	go obs.Run(ctx)

	b.mu.Lock()
	b.conns[conn.ID.String()] = &connPipelines{cancel: cancel, queue: queue, dispatch: disp}
	b.mu.Unlock()

	b.log.Info("connection pipelines started", "connection_id", conn.ID, "label", conn.Label)
}

// fetchWeather runs one weather fetch for structureID. The latitude and
// longitude come from the structure's own store entry (structure_location),
// populated by the REST subscriber's full refresh.
func (b *Bridge) fetchWeather(structureID string) {
	entry := b.store.Get(structureID)
	if entry == nil {
		return
	}
	loc, ok := entry.Value["structure_location"].(map[string]any)
	if !ok {
		return
	}
	lat, latOK := loc["latitude"].(float64)
	lon, lonOK := loc["longitude"].(float64)
	if !latOK || !lonOK {
		return
	}

	conn := b.manager.ConnectionByID(entry.ConnectionID)
	if conn == nil || conn.WeatherURL == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), restsub.SupplementaryTimeout)
	defer cancel()

	f := weather.New(b.manager.HTTPClient(), conn.WeatherURL, b.store, entry.ConnectionID)
	if err := f.Fetch(ctx, structureID, lat, lon); err != nil {
		b.log.Warn("weather fetch failed", "structure_id", structureID, "error", err)
		return
	}
	b.pipeline.Run()
}

// fetchZones runs one activity-zones poll for a camera/doorbell device,
// merging the result into its store entry under activity_zones. REST-only;
// Dispatcher.FetchZones returns (nil, nil) for a trait-sourced device.
func (b *Bridge) fetchZones(deviceID string) {
	b.fetchCameraAux(deviceID, "activity_zones", func(ctx context.Context, disp *dispatcher.Dispatcher, dev *devicemodel.Device) (any, error) {
		return disp.FetchZones(ctx, dev)
	})
}

// fetchAlerts runs one recent-events poll for a camera/doorbell device,
// merging the result into its store entry under activity_alerts. Both
// REST and trait sources supply this.
func (b *Bridge) fetchAlerts(deviceID string) {
	b.fetchCameraAux(deviceID, "activity_alerts", func(ctx context.Context, disp *dispatcher.Dispatcher, dev *devicemodel.Device) (any, error) {
		return disp.FetchAlerts(ctx, dev)
	})
}

// fetchCameraAux is the shared lookup/fetch/merge plumbing behind
// fetchZones and fetchAlerts.
func (b *Bridge) fetchCameraAux(deviceID, valueKey string, fetch func(context.Context, *dispatcher.Dispatcher, *devicemodel.Device) (any, error)) {
	b.devMu.RLock()
	dev := b.devices[deviceID]
	b.devMu.RUnlock()
	if dev == nil {
		return
	}

	entry := b.store.Get(deviceID)
	if entry == nil {
		return
	}

	disp := b.Dispatcher(entry.ConnectionID)
	if disp == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), restsub.SupplementaryTimeout)
	defer cancel()

	result, err := fetch(ctx, disp, dev)
	if err != nil {
		b.log.Warn("camera aux fetch failed", "device_id", deviceID, "field", valueKey, "error", err)
		return
	}
	if result == nil {
		return
	}

	b.store.Upsert(deviceID, entry.Source, entry.ConnectionID, time.Now().UnixNano(), map[string]any{valueKey: result})
	b.pipeline.Run()
}

// Dispatcher returns the dispatcher for a connection, or nil if that
// connection's pipelines haven't started yet.
func (b *Bridge) Dispatcher(connID string) *dispatcher.Dispatcher {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp, ok := b.conns[connID]
	if !ok {
		return nil
	}
	return cp.dispatch
}

// trackEvent keeps Devices() current and forwards every event to the
// caller-supplied onEvent, if any.
func (b *Bridge) trackEvent(ev devicemodel.Event) {
	b.devMu.Lock()
	switch ev.Type {
	case devicemodel.EventAdd, devicemodel.EventUpdate:
		b.devices[ev.Device.ID] = ev.Device
	case devicemodel.EventRemove:
		delete(b.devices, ev.ID)
	}
	b.devMu.Unlock()

	if b.onEvent != nil {
		b.onEvent(ev)
	}
}

// Devices returns a snapshot of every currently projected device.
func (b *Bridge) Devices() []*devicemodel.Device {
	b.devMu.RLock()
	defer b.devMu.RUnlock()
	out := make([]*devicemodel.Device, 0, len(b.devices))
	for _, dev := range b.devices {
		out = append(out, dev)
	}
	return out
}

// ConnectionStatus returns a snapshot of every managed connection.
func (b *Bridge) ConnectionStatus() []account.ConnectionStatus {
	return b.manager.Status()
}
