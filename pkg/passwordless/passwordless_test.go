package passwordless_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/authlink/authlink/internal/coretest"
	"github.com/authlink/authlink/pkg/delivery"
	"github.com/authlink/authlink/pkg/httpx"
	"github.com/authlink/authlink/pkg/keycache"
	"github.com/authlink/authlink/pkg/passwordless"
	"github.com/authlink/authlink/pkg/querier"
	"github.com/authlink/authlink/pkg/session"
)

// captureEmailSender records outgoing login emails instead of sending.
type captureEmailSender struct {
	mu   sync.Mutex
	sent []delivery.LoginEmail
}

func (c *captureEmailSender) SendLoginEmail(ctx context.Context, email delivery.LoginEmail) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, email)
	return nil
}

func (c *captureEmailSender) last(t *testing.T) delivery.LoginEmail {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.sent, "no login email was delivered")
	return c.sent[len(c.sent)-1]
}

func setup(t *testing.T) (*coretest.Core, *passwordless.Recipe, *captureEmailSender) {
	t.Helper()

	core := coretest.New(t)
	q, err := querier.New(querier.Config{Hosts: []string{core.URL()}})
	require.NoError(t, err)

	keys := keycache.New(q, keycache.Options{})
	sessions := session.NewRecipe(q, keys, session.Config{})

	emails := &captureEmailSender{}
	rp := passwordless.NewRecipe(q, sessions, passwordless.Config{
		EmailSender: emails,
		LinkBaseURL: "https://app.example.com/verify",
	})
	return core, rp, emails
}

// TestCreateAndConsumeCode walks the happy path: the code goes out by
// email and consuming it resolves to a fresh user.
func TestCreateAndConsumeCode(t *testing.T) {
	_, rp, emails := setup(t)

	device, err := rp.Impl.CreateCode(t.Context(), passwordless.CreateCodeRequest{
		Email: "pat@example.com",
	})
	require.NoError(t, err)
	require.NotEmpty(t, device.DeviceID)
	require.NotEmpty(t, device.PreAuthSessionID)

	mail := emails.last(t)
	require.Equal(t, "pat@example.com", mail.To)
	require.NotEmpty(t, mail.Code)
	require.True(t, strings.HasPrefix(mail.MagicLink, "https://app.example.com/verify#"))

	result, err := rp.Impl.ConsumeCode(t.Context(), passwordless.ConsumeCodeRequest{
		PreAuthSessionID: device.PreAuthSessionID,
		DeviceID:         device.DeviceID,
		UserInputCode:    mail.Code,
	})
	require.NoError(t, err)
	require.Equal(t, passwordless.StatusOK, result.Status)
	require.True(t, result.CreatedNewUser)
	require.Equal(t, "pat@example.com", result.User.Email)

	// The same contact resolves to the same account next time.
	device2, err := rp.Impl.CreateCode(t.Context(), passwordless.CreateCodeRequest{
		Email: "pat@example.com",
	})
	require.NoError(t, err)

	result2, err := rp.Impl.ConsumeCode(t.Context(), passwordless.ConsumeCodeRequest{
		PreAuthSessionID: device2.PreAuthSessionID,
		DeviceID:         device2.DeviceID,
		UserInputCode:    emails.last(t).Code,
	})
	require.NoError(t, err)
	require.False(t, result2.CreatedNewUser)
	require.Equal(t, result.User.ID, result2.User.ID)
}

// TestConsumeCodeReplayRestartsFlow consumes a code twice: the replay
// must restart the flow rather than reveal anything.
func TestConsumeCodeReplayRestartsFlow(t *testing.T) {
	_, rp, emails := setup(t)

	device, err := rp.Impl.CreateCode(t.Context(), passwordless.CreateCodeRequest{
		Email: "pat@example.com",
	})
	require.NoError(t, err)
	code := emails.last(t).Code

	req := passwordless.ConsumeCodeRequest{
		PreAuthSessionID: device.PreAuthSessionID,
		DeviceID:         device.DeviceID,
		UserInputCode:    code,
	}

	result, err := rp.Impl.ConsumeCode(t.Context(), req)
	require.NoError(t, err)
	require.Equal(t, passwordless.StatusOK, result.Status)

	result, err = rp.Impl.ConsumeCode(t.Context(), req)
	require.NoError(t, err)
	require.Equal(t, passwordless.StatusRestartFlow, result.Status)
}

// TestConsumeCodeWrongInput checks wrong codes count attempts and report
// the remaining budget.
func TestConsumeCodeWrongInput(t *testing.T) {
	_, rp, _ := setup(t)

	device, err := rp.Impl.CreateCode(t.Context(), passwordless.CreateCodeRequest{
		Email: "pat@example.com",
	})
	require.NoError(t, err)

	result, err := rp.Impl.ConsumeCode(t.Context(), passwordless.ConsumeCodeRequest{
		PreAuthSessionID: device.PreAuthSessionID,
		DeviceID:         device.DeviceID,
		UserInputCode:    "000000x",
	})
	require.NoError(t, err)
	require.Equal(t, passwordless.StatusIncorrectUserInput, result.Status)
	require.Equal(t, 1, result.FailedAttempts)
	require.Greater(t, result.MaxAttempts, result.FailedAttempts)
}

// TestCreateCodeValidation checks contact and sender validation happens
// before any core call.
func TestCreateCodeValidation(t *testing.T) {
	_, rp, _ := setup(t)

	_, err := rp.Impl.CreateCode(t.Context(), passwordless.CreateCodeRequest{})
	require.Error(t, err)

	_, err = rp.Impl.CreateCode(t.Context(), passwordless.CreateCodeRequest{
		Email:       "a@b.c",
		PhoneNumber: "+61400000000",
	})
	require.Error(t, err)

	// Phone contact without an SMS sender configured.
	_, err = rp.Impl.CreateCode(t.Context(), passwordless.CreateCodeRequest{
		PhoneNumber: "+61400000000",
	})
	require.Error(t, err)
}

// TestConsumeHandlerOpensSession drives the HTTP surface: consuming a
// valid code returns the user and attaches session tokens.
func TestConsumeHandlerOpensSession(t *testing.T) {
	_, rp, emails := setup(t)

	createBody := strings.NewReader(`{"email": "pat@example.com"}`)
	r := httptest.NewRequest(http.MethodPost, "/auth/signinup/code", createBody)
	rec := httptest.NewRecorder()
	rp.CodeCreateHandler().ServeHTTP(rec, r)
	require.Equal(t, http.StatusOK, rec.Code)

	var created struct {
		Status           string `json:"status"`
		DeviceID         string `json:"deviceId"`
		PreAuthSessionID string `json:"preAuthSessionId"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	require.Equal(t, passwordless.StatusOK, created.Status)

	consumeBody, err := json.Marshal(map[string]string{
		"preAuthSessionId": created.PreAuthSessionID,
		"deviceId":         created.DeviceID,
		"userInputCode":    emails.last(t).Code,
	})
	require.NoError(t, err)

	r = httptest.NewRequest(http.MethodPost, "/auth/signinup/code/consume", strings.NewReader(string(consumeBody)))
	r.Header.Set("st-auth-mode", "header")
	rec = httptest.NewRecorder()
	rp.CodeConsumeHandler().ServeHTTP(rec, r)
	require.Equal(t, http.StatusOK, rec.Code)

	require.NotEmpty(t, rec.Header().Get(httpx.HeaderAccessToken), "session tokens must be attached")
	require.NotEmpty(t, rec.Header().Get(httpx.HeaderRefreshToken))
	require.NotEmpty(t, rec.Header().Get(httpx.HeaderFrontToken))

	var consumed struct {
		Status         string `json:"status"`
		CreatedNewUser bool   `json:"createdNewUser"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&consumed))
	require.Equal(t, passwordless.StatusOK, consumed.Status)
	require.True(t, consumed.CreatedNewUser)
}
