// Package api exposes a small HTTP introspection surface over a running
// bridge: the canonical device snapshot, per-connection authorize status,
// and a health check. Grounded on the teacher's pkg/api/server.go, which
// serves an embedded viewer and proxies Cloudflare Calls sessions; neither
// concern exists in this domain, so this version keeps only the
// ServeMux/CORS/logging-middleware/explicit-timeout idiom and drops the
// embedded static viewer and the Cloudflare proxy endpoints entirely.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/nberg/nest-bridge/pkg/account"
	"github.com/nberg/nest-bridge/pkg/bridgehost"
	"github.com/nberg/nest-bridge/pkg/devicemodel"
	"github.com/nberg/nest-bridge/pkg/logger"
)

// BridgeView is the slice of bridgehost.Bridge this server reads from; kept
// as an interface so server tests can supply a fake without standing up a
// full bridge.
type BridgeView interface {
	Devices() []*devicemodel.Device
	ConnectionStatus() []account.ConnectionStatus
	NexusSessionStats() []bridgehost.NexusSessionStatus
}

// Server serves JSON introspection endpoints over a BridgeView.
type Server struct {
	bridge     BridgeView
	log        *logger.Logger
	httpServer *http.Server
}

// deviceView is the wire shape for one device in /api/devices.
type deviceView struct {
	ID           string         `json:"id"`
	Kind         string         `json:"kind"`
	ConnectionID string         `json:"connectionId"`
	Name         string         `json:"name"`
	Online       bool           `json:"online"`
	Attributes   map[string]any `json:"attributes"`
}

// connectionView is the wire shape for one connection in /api/connections.
type connectionView struct {
	ID           string `json:"id"`
	Label        string `json:"label"`
	Kind         string `json:"kind"`
	State        string `json:"state"`
	FailureCount int    `json:"failureCount"`
	LastError    string `json:"lastError,omitempty"`
	Authorized   bool   `json:"authorized"`
}

// NewServer builds an API server over the given bridge.
func NewServer(bridge BridgeView, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{bridge: bridge, log: log}
}

// Start starts the HTTP server in the background, the same
// goroutine-plus-startup-check shape as the teacher's Start.
func (s *Server) Start(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/devices", s.handleDevices)
	mux.HandleFunc("/api/connections", s.handleConnections)
	mux.HandleFunc("/api/nexus-sessions", s.handleNexusSessions)
	mux.HandleFunc("/api/healthz", s.handleHealthz)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.withCORS(s.withLogging(mux)),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.log.Info("starting HTTP server", "address", addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("HTTP server error", "error", err)
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.log.Info("stopping HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	devices := s.bridge.Devices()
	views := make([]deviceView, 0, len(devices))
	for _, dev := range devices {
		views = append(views, deviceView{
			ID:           dev.ID,
			Kind:         string(dev.Kind),
			ConnectionID: dev.ConnectionID,
			Name:         dev.Name,
			Online:       dev.Online,
			Attributes:   dev.Attributes,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(views); err != nil {
		s.log.Error("failed to encode devices response", "error", err)
	}
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	statuses := s.bridge.ConnectionStatus()
	views := make([]connectionView, 0, len(statuses))
	for _, st := range statuses {
		v := connectionView{
			ID:           st.ID,
			Label:        st.Label,
			Kind:         st.Kind.String(),
			State:        st.State.String(),
			FailureCount: st.FailureCount,
			Authorized:   st.Authorized,
		}
		if st.LastError != nil {
			v.LastError = st.LastError.Error()
		}
		views = append(views, v)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(views); err != nil {
		s.log.Error("failed to encode connections response", "error", err)
	}
}

func (s *Server) handleNexusSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.bridge.NexusSessionStats()); err != nil {
		s.log.Error("failed to encode nexus sessions response", "error", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// withCORS adds CORS headers to responses, unchanged from the teacher.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// withLogging adds request logging, unchanged from the teacher.
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.log.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
