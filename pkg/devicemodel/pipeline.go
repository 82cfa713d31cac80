package devicemodel

import (
	"sync"
	"time"

	"github.com/nberg/nest-bridge/pkg/logger"
	"github.com/nberg/nest-bridge/pkg/store"
)

// Auxiliary polling intervals the pipeline arms per device once added,
// independent of the REST/trait subscribe cadence.
const (
	zonesPollInterval   = 30 * time.Second // REST-only: camera activity zones
	alertsPollInterval  = 2 * time.Second  // both sources: camera event alerts
	weatherPollInterval = 5 * time.Minute
)

// PipelineConfig tunes optional projections.
type PipelineConfig struct {
	EnableProtect bool
}

// Pipeline re-projects the raw data store into canonical device records
// and emits ADD/UPDATE/REMOVE events, run once per store change (spec
// §4.8). Run holds the pipeline's mutex for its whole pass, so concurrent
// Run calls (the bridgehost orchestrator hands Run directly to every
// connection's subscriber and observer as their onChanged callback) are
// serialized rather than interleaved.
type Pipeline struct {
	cfg   PipelineConfig
	store *store.Store
	log   *logger.Logger
	emit  func(Event)

	mu      sync.Mutex
	known   map[string]Kind
	timers  map[string][]func()
	fetchers AuxFetchers
}

// AuxFetchers supplies the per-source collaborators the pipeline arms as
// auxiliary timers once a device is added. Any nil fetcher is simply never
// called.
type AuxFetchers struct {
	FetchZones   func(deviceID string)
	FetchAlerts  func(deviceID string)
	FetchWeather func(structureID string)
}

// NewPipeline builds a pipeline emitting events through emit.
func NewPipeline(cfg PipelineConfig, st *store.Store, log *logger.Logger, fetchers AuxFetchers, emit func(Event)) *Pipeline {
	if log == nil {
		log = logger.Default()
	}
	return &Pipeline{
		cfg:      cfg,
		store:    st,
		log:      log,
		emit:     emit,
		known:    make(map[string]Kind),
		timers:   make(map[string][]func()),
		fetchers: fetchers,
	}
}

// Run re-projects the entire store and emits the diff against the
// previously projected set. Safe to call on every store change; a no-op
// change to an already-known device still emits an UPDATE (callers that
// want to suppress redundant updates should diff Attributes themselves).
func (p *Pipeline) Run() {
	p.mu.Lock()
	defer p.mu.Unlock()

	entries := p.store.All()
	byID := make(map[string]*store.Entry, len(entries))
	for _, e := range entries {
		byID[e.ResourceID] = e
	}

	// Pass 1: thermostats register their sensor links before sensors
	// project, resolving the circular thermostat<->sensor back-reference
	// without a second store read.
	links := make(map[string]string) // sensorID -> thermostatID
	for _, e := range entries {
		for _, sensorID := range thermostatSensorLinks(e) {
			links[sensorID] = e.ResourceID
		}
	}

	projected := make(map[string]*Device)
	for _, e := range entries {
		if dev, ok := p.project(e, links); ok {
			projected[dev.ID] = dev
		}
	}

	for id, dev := range projected {
		if _, wasKnown := p.known[id]; !wasKnown {
			p.known[id] = dev.Kind
			p.armTimers(dev)
			p.emit(Event{Type: EventAdd, Device: dev})
		} else {
			p.emit(Event{Type: EventUpdate, Device: dev})
		}
	}

	for id := range p.known {
		if _, stillPresent := projected[id]; stillPresent {
			continue
		}
		// Only a genuine store removal (resourceMetas status=REMOVED, or a
		// bucket vanishing from a full refresh) counts as a device removal;
		// an entry that's merely stopped matching a projection's fields
		// stays known and keeps re-emitting its last good projection.
		if _, stillInStore := byID[id]; stillInStore {
			continue
		}
		p.disarmTimers(id)
		delete(p.known, id)
		p.emit(Event{Type: EventRemove, ID: id})
	}
}

func (p *Pipeline) project(e *store.Entry, links map[string]string) (*Device, bool) {
	if dev, ok := projectThermostat(e); ok {
		return dev, true
	}
	if dev, ok := projectTempSensor(e, links); ok {
		return dev, true
	}
	if dev, ok := projectCamera(e); ok {
		return dev, true
	}
	if dev, ok := projectWeather(e); ok {
		return dev, true
	}
	if dev, ok := projectProtect(e, p.cfg.EnableProtect); ok {
		return dev, true
	}
	return nil, false
}

func (p *Pipeline) armTimers(dev *Device) {
	if p.fetchers.FetchZones == nil && p.fetchers.FetchAlerts == nil && p.fetchers.FetchWeather == nil {
		return
	}

	var stops []func()
	switch dev.Kind {
	case KindCamera, KindDoorbell:
		if p.fetchers.FetchZones != nil {
			stops = append(stops, startTicker(zonesPollInterval, func() { p.fetchers.FetchZones(dev.ID) }))
		}
		if p.fetchers.FetchAlerts != nil {
			stops = append(stops, startTicker(alertsPollInterval, func() { p.fetchers.FetchAlerts(dev.ID) }))
		}
	case KindWeather:
		if p.fetchers.FetchWeather != nil {
			stops = append(stops, startTicker(weatherPollInterval, func() { p.fetchers.FetchWeather(dev.ID) }))
		}
	}
	if len(stops) > 0 {
		p.timers[dev.ID] = stops
	}
}

func (p *Pipeline) disarmTimers(id string) {
	for _, stop := range p.timers[id] {
		stop()
	}
	delete(p.timers, id)
}

// startTicker runs fn every interval until the returned stop function is
// called, firing once immediately so a newly added device isn't left
// without data until the first tick.
func startTicker(interval time.Duration, fn func()) func() {
	stop := make(chan struct{})
	go func() {
		fn()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				fn()
			}
		}
	}()
	return func() { close(stop) }
}
