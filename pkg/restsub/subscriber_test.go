package restsub

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nberg/nest-bridge/pkg/account"
	"github.com/nberg/nest-bridge/pkg/store"
)

// redirectingClient dials every request to target regardless of the
// requested host, so tests can exercise code that builds URLs with a fixed
// hostname prefix (e.g. "webapi.<cameraHost>") against one local server.
func redirectingClient(target string) *http.Client {
	dialer := &net.Dialer{}
	return &http.Client{
		Transport: &http.Transport{
			DialTLSContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
				rawConn, err := dialer.DialContext(ctx, network, target)
				if err != nil {
					return nil, err
				}
				return tls.Client(rawConn, &tls.Config{InsecureSkipVerify: true}), nil
			},
		},
	}
}

func TestSubscriberFullRefreshThenDeltaMergesObjects(t *testing.T) {
	var launches, subscribes int

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/login.login_nest", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"items":[{"session_token":"tok"}]}`)
	})
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"userid":"U","urls":{"transport_url":"","weather_url":""}}`)
	})
	mux.HandleFunc("/api/0.1/user/U/app_launch", func(w http.ResponseWriter, r *http.Request) {
		launches++
		require.Equal(t, "website_2=tok", r.Header.Get("Cookie"))
		fmt.Fprint(w, `{"objects":[{"object_key":"device.cam1","object_revision":1,"object_timestamp":100,"value":{"name":"front door"}}]}`)
	})
	mux.HandleFunc("/v6/subscribe", func(w http.ResponseWriter, r *http.Request) {
		subscribes++
		var req subscribeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if subscribes == 1 {
			require.Len(t, req.Objects, 1)
			require.Equal(t, "device.cam1", req.Objects[0].ObjectKey)
		}
		fmt.Fprint(w, `{"objects":[{"object_key":"device.cam1","object_revision":2,"object_timestamp":200,"value":{"name":"front door renamed"}}]}`)
	})
	srv := httptest.NewTLSServer(mux)
	defer srv.Close()

	client := redirectingClient(srv.Listener.Addr().String())

	conn := account.NewConnection("acct1", account.KindNative, false)
	auth := account.NewAuthorizer(client, nil)
	creds := account.Credentials{
		AccessToken: "configured-token",
		CameraHost:  "test-camera-host",
		RestHost:    srv.Listener.Addr().String(),
	}
	require.NoError(t, auth.Authorize(context.Background(), conn, creds))
	// The mock /session response has no usable transport_url; point it at
	// this same server so the delta loop's v6/subscribe lands here too.
	conn.TransportURL = "https://" + srv.Listener.Addr().String()

	st := store.New()
	changedCh := make(chan struct{}, 16)
	sub := New(conn, client, st, nil, func() { changedCh <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sub.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return subscribes >= 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	require.Equal(t, 1, launches)
	entry := st.Get("device.cam1")
	require.NotNil(t, entry)
	require.EqualValues(t, 2, entry.Revision)
	require.Equal(t, "front door renamed", entry.Value["name"])
}
