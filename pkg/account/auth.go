package account

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nberg/nest-bridge/pkg/bridgeerr"
	"github.com/nberg/nest-bridge/pkg/logger"
)

// jwtIssueURL is the fixed JWT-issue endpoint; a var (not const) so tests
// can point it at a local server.
var jwtIssueURL = "https://nestauthproxyservice-pa.googleapis.com/v1/issue_jwt"

// Credentials bundles the configured secrets an authorize flow needs,
// independent of account kind.
type Credentials struct {
	// Federated
	IssueToken string
	Cookie     string

	// Native
	AccessToken string
	CameraHost  string

	RestHost string
}

// Authorizer runs the federated or native session exchange against a
// connection, updating it in place. Grounded on the teacher's
// double-checked-lock token refresh pattern in pkg/nest/client.go, adapted
// from a single OAuth2 refresh call into the two multi-step exchanges this
// domain requires.
type Authorizer struct {
	httpClient *http.Client
	log        *logger.Logger
}

// NewAuthorizer builds an authorizer sharing httpClient across every
// connection's flow (so the publicsuffix cookie jar wired in by the manager
// applies uniformly).
func NewAuthorizer(httpClient *http.Client, log *logger.Logger) *Authorizer {
	if log == nil {
		log = logger.Default()
	}
	return &Authorizer{httpClient: httpClient, log: log}
}

// Authorize runs the flow matching conn.Kind and commits the result, or
// leaves the connection unauthorized and returns bridgeerr.ErrAuthFailed
// wrapping the underlying cause. Callers decide whether/when to retry; this
// method never retries internally.
func (a *Authorizer) Authorize(ctx context.Context, conn *Connection, creds Credentials) error {
	var res sessionResult
	var err error

	restHost := fieldTestHost(creds.RestHost, conn.FieldTest, "home.", "home.ft.")
	traceHost := traceHostFor(creds.RestHost, conn.FieldTest)

	switch conn.Kind {
	case KindFederated:
		res, err = a.authorizeFederated(ctx, creds, restHost)
	default:
		res, err = a.authorizeNative(ctx, conn, creds, restHost)
	}

	if err != nil {
		conn.markUnauthorized()
		a.log.Warn("authorize failed", "connection_id", conn.ID, "kind", conn.Kind, "error", err)
		return fmt.Errorf("%w: %s: %v", bridgeerr.ErrAuthFailed, conn.Kind, err)
	}

	conn.RestHost = restHost
	conn.TraceHost = traceHost
	conn.applySession(res)
	return nil
}

// traceHostFor derives the binary-RPC tracehost from the configured REST
// host's base domain, swapping the "home."/"home.ft." family for
// "grpc-web."/"grpc-web.ft." per the field-test prefix table.
func traceHostFor(restHost string, fieldTest bool) string {
	base := strings.TrimPrefix(restHost, "home.")
	if fieldTest {
		return "grpc-web.ft." + base
	}
	return "grpc-web." + base
}

func (a *Authorizer) authorizeFederated(ctx context.Context, creds Credentials, restHost string) (sessionResult, error) {
	accessToken, tokenType, err := a.issueToken(ctx, creds.IssueToken, creds.Cookie)
	if err != nil {
		return sessionResult{}, fmt.Errorf("issuetoken: %w", err)
	}

	jwt, expiry, err := a.issueJWT(ctx, tokenType, accessToken)
	if err != nil {
		return sessionResult{}, fmt.Errorf("issue_jwt: %w", err)
	}

	userID, transportURL, weatherURL, err := a.fetchSession(ctx, restHost, jwt)
	if err != nil {
		return sessionResult{}, fmt.Errorf("session: %w", err)
	}

	return sessionResult{
		bearer:          jwt,
		userID:          userID,
		transportURL:    transportURL,
		weatherURL:      weatherURL,
		cameraCred:      CameraCredential{Key: "Authorization", Value: "Basic " + jwt, Token: jwt},
		refreshDeadline: expiry,
	}, nil
}

func (a *Authorizer) authorizeNative(ctx context.Context, conn *Connection, creds Credentials, restHost string) (sessionResult, error) {
	cameraHost := fieldTestHost(creds.CameraHost, conn.FieldTest, "camera.home.", "camera.home.ft.")

	sessionToken, err := a.loginNest(ctx, cameraHost, creds.AccessToken)
	if err != nil {
		return sessionResult{}, fmt.Errorf("login_nest: %w", err)
	}

	userID, transportURL, weatherURL, err := a.fetchSession(ctx, restHost, creds.AccessToken)
	if err != nil {
		return sessionResult{}, fmt.Errorf("session: %w", err)
	}

	cookieName := "website_2"
	if conn.FieldTest {
		cookieName = "website_ft"
	}

	return sessionResult{
		bearer:       creds.AccessToken,
		userID:       userID,
		transportURL: transportURL,
		weatherURL:   weatherURL,
		cameraHost:   cameraHost,
		cameraCred: CameraCredential{
			Key:   "Cookie",
			Value: cookieName + "=" + sessionToken,
			Token: sessionToken,
		},
		refreshDeadline: time.Now().Add(nativeRefreshHorizon),
	}, nil
}

// issueToken performs step 1 of the federated flow.
func (a *Authorizer) issueToken(ctx context.Context, issueTokenURL, cookie string) (accessToken, tokenType string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, issueTokenURL, nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("cookie", cookie)
	req.Header.Set("Referer", "https://accounts.google.com/o/oauth2/iframe")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", statusError(resp)
	}

	var out struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", fmt.Errorf("decode issuetoken response: %w", err)
	}
	return out.AccessToken, out.TokenType, nil
}

// issueJWT performs step 2 of the federated flow.
func (a *Authorizer) issueJWT(ctx context.Context, tokenType, accessToken string) (jwt string, expiry time.Time, err error) {
	form := url.Values{
		"embed_google_oauth_access_token": {"true"},
		"expire_after":                    {"3600s"},
		"google_oauth_access_token":       {accessToken},
		"policy_id":                       {"authproxy-oauth-policy"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, jwtIssueURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", tokenType+" "+accessToken)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, statusError(resp)
	}

	var out struct {
		JWT    string `json:"jwt"`
		Claims struct {
			ExpirationTime time.Time `json:"expirationTime"`
		} `json:"claims"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", time.Time{}, fmt.Errorf("decode issue_jwt response: %w", err)
	}
	return out.JWT, out.Claims.ExpirationTime, nil
}

// fetchSession performs the session exchange step common to both flows.
func (a *Authorizer) fetchSession(ctx context.Context, restHost, basicToken string) (userID, transportURL, weatherURL string, err error) {
	uri := fmt.Sprintf("https://%s/session", restHost)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return "", "", "", err
	}
	req.Header.Set("Authorization", "Basic "+basicToken)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", "", statusError(resp)
	}

	var out struct {
		UserID string `json:"userid"`
		URLs   struct {
			TransportURL string `json:"transport_url"`
			WeatherURL   string `json:"weather_url"`
		} `json:"urls"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", "", fmt.Errorf("decode session response: %w", err)
	}
	return out.UserID, out.URLs.TransportURL, out.URLs.WeatherURL, nil
}

// loginNest performs step 1 of the native flow.
func (a *Authorizer) loginNest(ctx context.Context, cameraHost, accessToken string) (sessionToken string, err error) {
	uri := fmt.Sprintf("https://webapi.%s/api/v1/login.login_nest", cameraHost)
	form := url.Values{"access_token": {accessToken}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", statusError(resp)
	}

	var out struct {
		Items []struct {
			SessionToken string `json:"session_token"`
		} `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode login_nest response: %w", err)
	}
	if len(out.Items) == 0 {
		return "", fmt.Errorf("login_nest response had no items")
	}
	return out.Items[0].SessionToken, nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
}
