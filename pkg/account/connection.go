// Package account implements the cloud session layer: authenticated,
// auto-refreshing connections to the two backend kinds and the manager that
// keeps N of them alive concurrently.
package account

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes the two backend authorization flows.
type Kind int

const (
	KindNative Kind = iota
	KindFederated
)

func (k Kind) String() string {
	if k == KindFederated {
		return "federated"
	}
	return "native"
}

// reauthLeadTime is how far ahead of the refresh deadline the reauth timer
// fires.
const reauthLeadTime = 60 * time.Second

// nativeRefreshHorizon is the fixed refresh interval native accounts use in
// place of a parsed expiration.
const nativeRefreshHorizon = 24 * time.Hour

// CameraCredential is the key/value/token triple a connection presents to
// the camera-properties REST API: a header name ("Cookie" for native
// accounts, "Authorization" for federated ones), its value, and the bare
// token carried inside that value for callers that need it.
type CameraCredential struct {
	Key   string
	Value string
	Token string
}

// Connection is one authenticated backend session, shared by the REST
// subscriber, trait observer, projector, and dispatcher on that backend.
type Connection struct {
	mu sync.RWMutex

	ID       uuid.UUID
	Label    string
	Kind     Kind
	FieldTest bool

	RefererHost  string
	RestHost     string
	TraceHost    string // binary-RPC host (Observe, BatchUpdateState, SendCommand)
	CameraHost   string // webapi.<cameraHost> host for native camera-properties calls; empty for federated
	MediaHost    string // camera-properties host ("media-metadata")
	TransportURL string // REST transport base URL from the session response (v6/subscribe, v5/put)
	WeatherURL   string

	bearerToken    string
	refreshDeadline time.Time
	authorized     bool

	userID     string
	cameraCred CameraCredential

	schema any // compiled trait schema handle; nil until the trait observer loads one

	reauthTimer *time.Timer
	onReauth    func(*Connection)
}

// NewConnection allocates an unauthorized connection with a fresh identity.
func NewConnection(label string, kind Kind, fieldTest bool) *Connection {
	return &Connection{
		ID:        uuid.New(),
		Label:     label,
		Kind:      kind,
		FieldTest: fieldTest,
	}
}

// Authorized reports whether the last session exchange succeeded.
func (c *Connection) Authorized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authorized
}

// BearerToken returns the current bearer credential.
func (c *Connection) BearerToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bearerToken
}

// UserID returns the derived user id from the session exchange.
func (c *Connection) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// CameraCredential returns the camera-properties API credential triple.
func (c *Connection) CameraCredential() CameraCredential {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cameraCred
}

// Schema returns the compiled trait schema handle, or nil if not yet loaded.
func (c *Connection) Schema() any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.schema
}

// SetSchema installs the compiled trait schema handle once the trait
// observer has loaded it.
func (c *Connection) SetSchema(schema any) {
	c.mu.Lock()
	c.schema = schema
	c.mu.Unlock()
}

// sessionResult is what a successful session exchange (either flow's final
// step) produces.
type sessionResult struct {
	bearer          string
	userID          string
	transportURL    string
	weatherURL      string
	cameraHost      string
	cameraCred      CameraCredential
	refreshDeadline time.Time
}

// applySession commits a successful session exchange, marks the connection
// authorized, and (re)arms the reauth timer.
func (c *Connection) applySession(res sessionResult) {
	c.mu.Lock()
	c.bearerToken = res.bearer
	c.userID = res.userID
	c.TransportURL = res.transportURL
	c.WeatherURL = res.weatherURL
	c.CameraHost = res.cameraHost
	c.cameraCred = res.cameraCred
	c.refreshDeadline = res.refreshDeadline
	c.authorized = true
	onReauth := c.onReauth
	if c.reauthTimer != nil {
		c.reauthTimer.Stop()
	}
	delay := time.Until(res.refreshDeadline) - reauthLeadTime
	if delay < 0 {
		delay = 0
	}
	if onReauth != nil {
		c.reauthTimer = time.AfterFunc(delay, func() { onReauth(c) })
	}
	c.mu.Unlock()
}

// markUnauthorized is applied when any step of an authorize flow fails.
func (c *Connection) markUnauthorized() {
	c.mu.Lock()
	c.authorized = false
	c.mu.Unlock()
}

// SetReauthHook installs the callback the reauth timer invokes. Must be
// called before the first authorize attempt.
func (c *Connection) SetReauthHook(fn func(*Connection)) {
	c.mu.Lock()
	c.onReauth = fn
	c.mu.Unlock()
}

// RefreshDeadline returns the current token refresh deadline.
func (c *Connection) RefreshDeadline() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshDeadline
}

// fieldTestHost rewrites host to its field-test equivalent when the
// connection has field-test mode enabled, per the prefix table in the
// account manager design.
func fieldTestHost(host string, fieldTest bool, prefix, ftPrefix string) string {
	if !fieldTest {
		return host
	}
	if len(host) >= len(prefix) && host[:len(prefix)] == prefix {
		return ftPrefix + host[len(prefix):]
	}
	return ftPrefix + host
}
