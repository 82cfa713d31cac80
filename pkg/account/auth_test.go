package account

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// redirectingClient returns an HTTP client that dials every request to
// target regardless of the requested host, so tests can exercise code that
// builds URLs with a fixed hostname prefix (e.g. "webapi.<cameraHost>")
// against a single local httptest.Server.
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

func TestAuthorizeFederatedHappyPath(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/issuetoken", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "C", r.Header.Get("cookie"))
		require.Equal(t, "https://accounts.google.com/o/oauth2/iframe", r.Header.Get("Referer"))
		fmt.Fprint(w, `{"access_token":"A","token_type":"Bearer"}`)
	})
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Basic J", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"userid":"U","urls":{"transport_url":"tx","weather_url":"wx"}}`)
	})
	mux.HandleFunc("/issue_jwt", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer A", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseForm())
		require.Equal(t, "A", r.Form.Get("google_oauth_access_token"))
		fmt.Fprintf(w, `{"jwt":"J","claims":{"expirationTime":%q}}`, time.Now().Add(time.Hour).Format(time.RFC3339))
	})
	srv := httptest.NewTLSServer(mux)
	defer srv.Close()

	orig := jwtIssueURL
	jwtIssueURL = srv.URL + "/issue_jwt"
	defer func() { jwtIssueURL = orig }()

	a := NewAuthorizer(srv.Client(), nil)
	conn := NewConnection("acct1", KindFederated, false)
	creds := Credentials{
		IssueToken: srv.URL + "/issuetoken",
		Cookie:     "C",
		RestHost:   srv.Listener.Addr().String(),
	}

	err := a.Authorize(context.Background(), conn, creds)
	require.NoError(t, err)
	require.True(t, conn.Authorized())
	require.Equal(t, "J", conn.BearerToken())
	require.Equal(t, "U", conn.UserID())
	cred := conn.CameraCredential()
	require.Equal(t, "Authorization", cred.Key)
	require.Equal(t, "Basic J", cred.Value)
	require.True(t, conn.RefreshDeadline().After(time.Now()))
}

func TestAuthorizeNativeHappyPath(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/login.login_nest", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "configured-token", r.Form.Get("access_token"))
		fmt.Fprint(w, `{"items":[{"session_token":"sess-123"}]}`)
	})
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Basic configured-token", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"userid":"U","urls":{"transport_url":"tx","weather_url":"wx"}}`)
	})
	srv := httptest.NewTLSServer(mux)
	defer srv.Close()

	a := NewAuthorizer(redirectingClient(srv.Listener.Addr().String()), nil)
	conn := NewConnection("acct1", KindNative, false)
	creds := Credentials{
		AccessToken: "configured-token",
		CameraHost:  "test-camera-host",
		RestHost:    srv.Listener.Addr().String(),
	}

	err := a.Authorize(context.Background(), conn, creds)
	require.NoError(t, err)
	require.True(t, conn.Authorized())
	require.Equal(t, "configured-token", conn.BearerToken())
	cred := conn.CameraCredential()
	require.Equal(t, "Cookie", cred.Key)
	require.Equal(t, "website_2=sess-123", cred.Value)
	require.WithinDuration(t, time.Now().Add(nativeRefreshHorizon), conn.RefreshDeadline(), time.Minute)
}

func TestAuthorizeFailureLeavesConnectionUnauthorized(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := NewAuthorizer(redirectingClient(srv.Listener.Addr().String()), nil)
	conn := NewConnection("acct1", KindNative, false)
	creds := Credentials{AccessToken: "t", CameraHost: "test-camera-host", RestHost: srv.Listener.Addr().String()}

	err := a.Authorize(context.Background(), conn, creds)
	require.Error(t, err)
	require.False(t, conn.Authorized())
}
