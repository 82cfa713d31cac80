package account

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/nberg/nest-bridge/pkg/config"
	"github.com/nberg/nest-bridge/pkg/logger"
)

// ConnectionState mirrors the teacher's CameraState enum in
// pkg/nest/multi_manager.go, generalized from one camera's stream lifecycle
// to one backend connection's authorize lifecycle.
type ConnectionState int

const (
	StateStarting ConnectionState = iota
	StateRunning
	StateFailed
	StateStopped
)

func (s ConnectionState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// entry tracks one managed connection's lifecycle alongside its Connection.
type entry struct {
	conn  *Connection
	creds Credentials

	mu           sync.Mutex
	state        ConnectionState
	failureCount int
	lastError    error
}

// ManagerConfig tunes the staggered-startup and recovery-backoff behavior.
// Defaults mirror DefaultMultiStreamConfig's shape, generalized from
// "20 cameras at 10 QPM" to "N backend connections".
type ManagerConfig struct {
	StaggerInterval   time.Duration
	RecoveryBaseDelay time.Duration
	MaxRecoveryDelay  time.Duration
	QPM               float64
}

// DefaultManagerConfig returns sensible defaults for a handful of accounts.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		StaggerInterval:   3 * time.Second,
		RecoveryBaseDelay: 10 * time.Second,
		MaxRecoveryDelay:  5 * time.Minute,
		QPM:               10.0,
	}
}

// Manager holds every configured connection and keeps each authorized,
// staggering startup and retrying failures with exponential backoff.
// Grounded on pkg/nest/multi_manager.go's MultiStreamManager.
type Manager struct {
	cfg  ManagerConfig
	auth *Authorizer
	log  *logger.Logger

	httpClient *http.Client
	rate       *RateGate

	mu      sync.RWMutex
	entries map[string]*entry // keyed by Connection.ID.String()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onAuthorized func(*Connection)
}

// NewManager builds a manager with a shared cookie-jarred HTTP client, the
// same way the trait observer and REST subscriber need to share cookies
// issued during the federated flow's issuetoken step.
func NewManager(cfg ManagerConfig, log *logger.Logger, onAuthorized func(*Connection)) (*Manager, error) {
	if log == nil {
		log = logger.Default()
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("build cookie jar: %w", err)
	}
	httpClient := &http.Client{Jar: jar, Timeout: 10 * time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:          cfg,
		auth:         NewAuthorizer(httpClient, log),
		log:          log,
		httpClient:   httpClient,
		rate:         NewRateGate(cfg.QPM),
		entries:      make(map[string]*entry),
		ctx:          ctx,
		cancel:       cancel,
		onAuthorized: onAuthorized,
	}, nil
}

// LoadFromConfig registers one connection per configured account.
func (m *Manager) LoadFromConfig(cfg *config.Config) []*Connection {
	var conns []*Connection
	for _, a := range cfg.Native {
		conn := NewConnection(a.Label, KindNative, cfg.FieldTest)
		m.register(conn, Credentials{AccessToken: a.AccessToken, CameraHost: a.CameraHost, RestHost: a.RestHost})
		conns = append(conns, conn)
	}
	for _, a := range cfg.Federated {
		conn := NewConnection(a.Label, KindFederated, cfg.FieldTest)
		m.register(conn, Credentials{IssueToken: a.IssueToken, Cookie: a.Cookie, RestHost: a.RestHost})
		conns = append(conns, conn)
	}
	return conns
}

func (m *Manager) register(conn *Connection, creds Credentials) {
	conn.SetReauthHook(func(c *Connection) { m.reauthorize(c) })
	m.mu.Lock()
	m.entries[conn.ID.String()] = &entry{conn: conn, creds: creds, state: StateStarting}
	m.mu.Unlock()
}

// Start authorizes every registered connection with staggered startup, the
// same shape as StartCameras: a fixed delay between each connection's
// initial authorize attempt so the backend never sees a startup burst.
func (m *Manager) Start() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	m.log.Info("account manager starting", "connection_count", len(ids))

	for i, id := range ids {
		m.wg.Add(1)
		go m.startOne(id)

		if i < len(ids)-1 {
			select {
			case <-time.After(m.cfg.StaggerInterval):
			case <-m.ctx.Done():
				return
			}
		}
	}
}

// Stop cancels every recovery loop and waits for them to exit.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) startOne(id string) {
	defer m.wg.Done()
	e := m.get(id)
	if e == nil {
		return
	}

	if err := m.rate.Wait(m.ctx); err != nil {
		return
	}
	if err := m.auth.Authorize(m.ctx, e.conn, e.creds); err != nil {
		m.markFailed(e, err)
		m.wg.Add(1)
		go m.recoveryLoop(id)
		return
	}

	m.markRunning(e)
	if m.onAuthorized != nil {
		m.onAuthorized(e.conn)
	}
}

// reauthorize is invoked by a connection's reauth timer ~60 s before its
// refresh deadline (spec.md §3); a failed reauth enters the same recovery
// loop as a failed initial authorize.
func (m *Manager) reauthorize(conn *Connection) {
	e := m.get(conn.ID.String())
	if e == nil {
		return
	}
	if err := m.rate.Wait(m.ctx); err != nil {
		return
	}
	if err := m.auth.Authorize(m.ctx, e.conn, e.creds); err != nil {
		m.markFailed(e, err)
		m.wg.Add(1)
		go m.recoveryLoop(conn.ID.String())
		return
	}
	m.markRunning(e)
}

// recoveryLoop retries a failed connection with exponential backoff capped
// at MaxRecoveryDelay, the same shape as pkg/nest/multi_manager.go's
// recoveryLoop generalized from stream regeneration to connection authorize.
func (m *Manager) recoveryLoop(id string) {
	defer m.wg.Done()

	for {
		e := m.get(id)
		if e == nil {
			return
		}
		e.mu.Lock()
		state := e.state
		failures := e.failureCount
		e.mu.Unlock()
		if state != StateFailed {
			return
		}

		delay := m.cfg.RecoveryBaseDelay * time.Duration(1<<uint(failures))
		if delay > m.cfg.MaxRecoveryDelay {
			delay = m.cfg.MaxRecoveryDelay
		}

		m.log.Info("scheduling connection recovery", "connection_id", id, "failures", failures, "delay", delay)

		select {
		case <-m.ctx.Done():
			return
		case <-time.After(delay):
		}

		if err := m.rate.Wait(m.ctx); err != nil {
			return
		}
		if err := m.auth.Authorize(m.ctx, e.conn, e.creds); err != nil {
			m.markFailed(e, err)
			continue
		}

		m.markRunning(e)
		if m.onAuthorized != nil {
			m.onAuthorized(e.conn)
		}
		return
	}
}

func (m *Manager) get(id string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[id]
}

func (m *Manager) markFailed(e *entry, err error) {
	e.mu.Lock()
	e.state = StateFailed
	e.failureCount++
	e.lastError = err
	e.mu.Unlock()
}

func (m *Manager) markRunning(e *entry) {
	e.mu.Lock()
	e.state = StateRunning
	e.failureCount = 0
	e.lastError = nil
	e.mu.Unlock()
}

// HTTPClient returns the shared, cookie-jarred client every subscription
// loop issues requests through.
func (m *Manager) HTTPClient() *http.Client { return m.httpClient }

// ConnectionByID returns the managed connection with the given id, or nil.
func (m *Manager) ConnectionByID(id string) *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil
	}
	return e.conn
}

// ConnectionStatus summarizes one managed connection for introspection.
type ConnectionStatus struct {
	ID           string
	Label        string
	Kind         Kind
	State        ConnectionState
	FailureCount int
	LastError    error
	Authorized   bool
}

// Status returns a snapshot of every managed connection.
func (m *Manager) Status() []ConnectionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ConnectionStatus, 0, len(m.entries))
	for _, e := range m.entries {
		e.mu.Lock()
		out = append(out, ConnectionStatus{
			ID:           e.conn.ID.String(),
			Label:        e.conn.Label,
			Kind:         e.conn.Kind,
			State:        e.state,
			FailureCount: e.failureCount,
			LastError:    e.lastError,
			Authorized:   e.conn.Authorized(),
		})
		e.mu.Unlock()
	}
	return out
}
