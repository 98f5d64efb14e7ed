package authlink_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/authlink/authlink"
	"github.com/authlink/authlink/internal/coretest"
	"github.com/authlink/authlink/pkg/emailpassword"
	"github.com/authlink/authlink/pkg/httpx"
	"github.com/authlink/authlink/pkg/session"
)

func initApp(t *testing.T) (*coretest.Core, *authlink.App) {
	t.Helper()

	core := coretest.New(t)
	app, err := authlink.Init(authlink.Config{
		AppInfo: authlink.AppInfo{
			AppName:       "testapp",
			WebsiteDomain: "https://app.example.com",
		},
		Connection:    authlink.ConnectionInfo{Hosts: []string{core.URL()}},
		EmailPassword: &emailpassword.Config{},
	})
	require.NoError(t, err)
	return core, app
}

func postJSON(t *testing.T, client *http.Client, url, body string, mod func(*http.Request)) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if mod != nil {
		mod(req)
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}

// TestEndToEndSessionLifecycle runs the whole surface over real HTTP:
// sign up, hit a protected route, refresh the rotated pair, sign out.
func TestEndToEndSessionLifecycle(t *testing.T) {
	core, app := initApp(t)

	mux := http.NewServeMux()
	mux.Handle("/auth/", app.Router())
	mux.Handle("/api/profile", app.VerifySession(session.MiddlewareOptions{})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cont := session.FromContext(r.Context())
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{"userId": cont.GetUserID()})
		})))

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := srv.Client()

	// Sign up, taking tokens as headers.
	resp := postJSON(t, client, srv.URL+"/auth/signup",
		`{"email": "pat@example.com", "password": "hunter2"}`,
		func(r *http.Request) { r.Header.Set("st-auth-mode", "header") })
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	access := resp.Header.Get(httpx.HeaderAccessToken)
	refresh := resp.Header.Get(httpx.HeaderRefreshToken)
	require.NotEmpty(t, access)
	require.NotEmpty(t, refresh)

	var signedUp struct {
		Status string `json:"status"`
		User   struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&signedUp))
	require.Equal(t, "OK", signedUp.Status)

	// Protected route with the Bearer token; the fast path serves it.
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/profile", nil)
	require.NoError(t, err)
	req.Header.Set(httpx.HeaderAuthorization, "Bearer "+access)
	profileResp, err := client.Do(req)
	require.NoError(t, err)
	defer profileResp.Body.Close()
	require.Equal(t, http.StatusOK, profileResp.StatusCode)

	var profile map[string]string
	require.NoError(t, json.NewDecoder(profileResp.Body).Decode(&profile))
	require.Equal(t, signedUp.User.ID, profile["userId"])
	require.Equal(t, 0, core.VerifyCalls(), "verification should stay on the fast path")

	// Refresh rotates the pair.
	refreshResp := postJSON(t, client, srv.URL+"/auth/session/refresh", "",
		func(r *http.Request) { r.Header.Set(httpx.HeaderRefreshToken, refresh) })
	defer refreshResp.Body.Close()
	require.Equal(t, http.StatusOK, refreshResp.StatusCode)

	newAccess := refreshResp.Header.Get(httpx.HeaderAccessToken)
	newRefresh := refreshResp.Header.Get(httpx.HeaderRefreshToken)
	require.NotEmpty(t, newAccess)
	require.NotEmpty(t, newRefresh)
	require.NotEqual(t, refresh, newRefresh)

	// Sign out with the rotated access token.
	signOutResp := postJSON(t, client, srv.URL+"/auth/signout", "",
		func(r *http.Request) { r.Header.Set(httpx.HeaderAuthorization, "Bearer "+newAccess) })
	defer signOutResp.Body.Close()
	require.Equal(t, http.StatusOK, signOutResp.StatusCode)

	body, err := io.ReadAll(signOutResp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "OK")

	// The session is gone; a database-checked request now fails.
	req, err = http.NewRequest(http.MethodGet, srv.URL+"/api/profile", nil)
	require.NoError(t, err)
	req.Header.Set(httpx.HeaderAuthorization, "Bearer "+newAccess)
	goneResp, err := client.Do(req)
	require.NoError(t, err)
	goneResp.Body.Close()
	// Fast path still accepts the signed token until it expires; the
	// refresh attempt is what notices the revocation.
	require.Equal(t, http.StatusOK, goneResp.StatusCode)
	failedRefresh := postJSON(t, client, srv.URL+"/auth/session/refresh", "",
		func(r *http.Request) { r.Header.Set(httpx.HeaderRefreshToken, newRefresh) })
	defer failedRefresh.Body.Close()
	require.Equal(t, http.StatusUnauthorized, failedRefresh.StatusCode)
}

// TestGetAppLifecycle checks the process-wide accessor.
func TestGetAppLifecycle(t *testing.T) {
	core := coretest.New(t)

	_, err := authlink.Init(authlink.Config{
		Connection: authlink.ConnectionInfo{Hosts: []string{core.URL()}},
	})
	require.NoError(t, err)

	app, err := authlink.GetApp()
	require.NoError(t, err)
	require.NotNil(t, app.Session)
	require.Nil(t, app.Passwordless, "recipe without config must stay disabled")
}

// TestLoadConfigFromEnv reads the environment-driven settings.
func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("AUTHLINK_CORE_HOSTS", "http://core-a:3567; http://core-b:3567")
	t.Setenv("AUTHLINK_APP_NAME", "envapp")
	t.Setenv("AUTHLINK_COOKIE_SAME_SITE", "none")
	t.Setenv("AUTHLINK_ANTI_CSRF", session.AntiCSRFViaCustomHeader)

	cfg, err := authlink.LoadConfigFromEnv()
	require.NoError(t, err)
	require.Equal(t, []string{"http://core-a:3567", "http://core-b:3567"}, cfg.Connection.Hosts)
	require.Equal(t, "envapp", cfg.AppInfo.AppName)
	require.Equal(t, http.SameSiteNoneMode, cfg.Session.Cookie.SameSite)
	require.Equal(t, session.AntiCSRFViaCustomHeader, cfg.Session.AntiCSRF)

	t.Setenv("AUTHLINK_CORE_HOSTS", "")
	_, err = authlink.LoadConfigFromEnv()
	require.Error(t, err, "missing core hosts must be rejected")
}
