package account

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nberg/nest-bridge/pkg/config"
)

func nativeSessionServer(t *testing.T, sessionToken string, fail *atomic.Bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/login.login_nest", func(w http.ResponseWriter, r *http.Request) {
		if fail != nil && fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, `{"items":[{"session_token":%q}]}`, sessionToken)
	})
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		if fail != nil && fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"userid":"U","urls":{"transport_url":"tx","weather_url":"wx"}}`)
	})
	return httptest.NewTLSServer(mux)
}

func TestManagerAuthorizesConfiguredConnections(t *testing.T) {
	srv := nativeSessionServer(t, "sess-1", nil)
	defer srv.Close()

	var authorized atomic.Int32
	mgr, err := NewManager(ManagerConfig{
		StaggerInterval:   10 * time.Millisecond,
		RecoveryBaseDelay: 10 * time.Millisecond,
		MaxRecoveryDelay:  time.Second,
		QPM:               6000,
	}, nil, func(c *Connection) { authorized.Add(1) })
	require.NoError(t, err)
	mgr.httpClient = redirectingClient(srv.Listener.Addr().String())
	mgr.auth = NewAuthorizer(mgr.httpClient, nil)

	cfg := &config.Config{
		Native: []config.NativeAccount{
			{Label: "cam1", AccessToken: "tok1", CameraHost: "cam-host", RestHost: srv.Listener.Addr().String()},
			{Label: "cam2", AccessToken: "tok2", CameraHost: "cam-host", RestHost: srv.Listener.Addr().String()},
		},
	}
	conns := mgr.LoadFromConfig(cfg)
	require.Len(t, conns, 2)

	mgr.Start()
	defer mgr.Stop()

	require.Eventually(t, func() bool {
		return authorized.Load() == 2
	}, 2*time.Second, 10*time.Millisecond)

	for _, status := range mgr.Status() {
		require.Equal(t, StateRunning, status.State)
		require.True(t, status.Authorized)
	}
}

func TestManagerRecoversFromInitialAuthorizeFailure(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	srv := nativeSessionServer(t, "sess-1", &fail)
	defer srv.Close()

	var authorized atomic.Int32
	mgr, err := NewManager(ManagerConfig{
		StaggerInterval:   10 * time.Millisecond,
		RecoveryBaseDelay: 20 * time.Millisecond,
		MaxRecoveryDelay:  200 * time.Millisecond,
		QPM:               6000,
	}, nil, func(c *Connection) { authorized.Add(1) })
	require.NoError(t, err)
	mgr.httpClient = redirectingClient(srv.Listener.Addr().String())
	mgr.auth = NewAuthorizer(mgr.httpClient, nil)

	cfg := &config.Config{
		Native: []config.NativeAccount{
			{Label: "cam1", AccessToken: "tok1", CameraHost: "cam-host", RestHost: srv.Listener.Addr().String()},
		},
	}
	mgr.LoadFromConfig(cfg)
	mgr.Start()
	defer mgr.Stop()

	require.Eventually(t, func() bool {
		return mgr.Status()[0].State == StateFailed
	}, time.Second, 5*time.Millisecond)

	fail.Store(false)

	require.Eventually(t, func() bool {
		return authorized.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, StateRunning, mgr.Status()[0].State)
}
