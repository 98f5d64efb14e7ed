package session_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/authlink/authlink/internal/coretest"
	"github.com/authlink/authlink/pkg/keycache"
	"github.com/authlink/authlink/pkg/querier"
	"github.com/authlink/authlink/pkg/session"
	"github.com/authlink/authlink/pkg/sesstoken"
)

func setup(t *testing.T, cfg session.Config) (*coretest.Core, *session.Recipe) {
	t.Helper()

	core := coretest.New(t)
	q, err := querier.New(querier.Config{Hosts: []string{core.URL()}})
	require.NoError(t, err)

	keys := keycache.New(q, keycache.Options{})
	return core, session.NewRecipe(q, keys, cfg)
}

// TestCreateAndVerifyFastPath creates a session and verifies it locally:
// the verify endpoint must not be hit until a database check is forced.
func TestCreateAndVerifyFastPath(t *testing.T) {
	core, rp := setup(t, session.Config{})

	tokens, err := rp.Impl.CreateNewSession(t.Context(), session.CreateRequest{
		UserID:  "user-1",
		Payload: map[string]any{"role": "admin"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, tokens.Handle)
	require.NotEmpty(t, tokens.AccessToken.Token)
	require.NotEmpty(t, tokens.RefreshToken.Token)

	parsed, err := sesstoken.ParseWithoutVerify(tokens.AccessToken.Token)
	require.NoError(t, err)

	st, err := rp.Impl.GetSession(t.Context(), parsed, session.VerifyOptions{})
	require.NoError(t, err)
	require.Equal(t, "user-1", st.UserID)
	require.Equal(t, "admin", st.UserData["role"])
	require.False(t, st.Updated)
	require.Equal(t, 0, core.VerifyCalls(), "fast path must not touch the core")

	// Forcing the database check is exactly one remote call.
	_, err = rp.Impl.GetSession(t.Context(), parsed, session.VerifyOptions{CheckDatabase: true})
	require.NoError(t, err)
	require.Equal(t, 1, core.VerifyCalls())
}

// TestVerifyExpiredToken checks an expired but genuine token maps to the
// recoverable error kind.
func TestVerifyExpiredToken(t *testing.T) {
	core, rp := setup(t, session.Config{})
	core.AccessTokenLifetime = -time.Minute

	tokens, err := rp.Impl.CreateNewSession(t.Context(), session.CreateRequest{UserID: "user-1"})
	require.NoError(t, err)

	parsed, err := sesstoken.ParseWithoutVerify(tokens.AccessToken.Token)
	require.NoError(t, err)

	_, err = rp.Impl.GetSession(t.Context(), parsed, session.VerifyOptions{})
	var tre *session.TryRefreshTokenError
	require.ErrorAs(t, err, &tre)
}

// TestVerifyDatabaseWinsOverLocal revokes a session behind the SDK's
// back: the local fast path would still pass, but a forced database
// check must come back unauthorised.
func TestVerifyDatabaseWinsOverLocal(t *testing.T) {
	_, rp := setup(t, session.Config{})

	tokens, err := rp.Impl.CreateNewSession(t.Context(), session.CreateRequest{UserID: "user-1"})
	require.NoError(t, err)

	parsed, err := sesstoken.ParseWithoutVerify(tokens.AccessToken.Token)
	require.NoError(t, err)

	_, err = rp.Impl.RevokeSession(t.Context(), tokens.Handle)
	require.NoError(t, err)

	// Local check alone still accepts the token.
	_, err = rp.Impl.GetSession(t.Context(), parsed, session.VerifyOptions{})
	require.NoError(t, err)

	// The database answer is authoritative.
	_, err = rp.Impl.GetSession(t.Context(), parsed, session.VerifyOptions{CheckDatabase: true})
	var unauth *session.UnauthorizedError
	require.ErrorAs(t, err, &unauth)
}

// TestRefreshRotationAndTheftDetection walks the lineage protocol:
// rotation succeeds, replaying a rotated-away token kills the session,
// and the stolen-from client's newer token is dead afterwards too.
func TestRefreshRotationAndTheftDetection(t *testing.T) {
	core, rp := setup(t, session.Config{})

	tokens, err := rp.Impl.CreateNewSession(t.Context(), session.CreateRequest{UserID: "user-1"})
	require.NoError(t, err)
	rt1 := tokens.RefreshToken.Token

	rotated, err := rp.Impl.RefreshSession(t.Context(), rt1, "", true)
	require.NoError(t, err)
	require.Equal(t, tokens.Handle, rotated.Handle)
	require.NotEqual(t, rt1, rotated.RefreshToken.Token, "refresh must rotate the token")

	// Replaying the old lineage is theft.
	_, err = rp.Impl.RefreshSession(t.Context(), rt1, "", true)
	var theft *session.TokenTheftDetectedError
	require.ErrorAs(t, err, &theft)
	require.Equal(t, tokens.Handle, theft.SessionHandle)
	require.Equal(t, "user-1", theft.UserID)
	require.False(t, core.SessionExists(tokens.Handle), "theft must revoke the session")

	// The legitimate holder's token died with the session.
	_, err = rp.Impl.RefreshSession(t.Context(), rotated.RefreshToken.Token, "", true)
	var unauth *session.UnauthorizedError
	require.ErrorAs(t, err, &unauth)
}

// TestRevokeIdempotent checks revoking an already-gone session reports
// false without erroring.
func TestRevokeIdempotent(t *testing.T) {
	_, rp := setup(t, session.Config{})

	tokens, err := rp.Impl.CreateNewSession(t.Context(), session.CreateRequest{UserID: "user-1"})
	require.NoError(t, err)

	revoked, err := rp.Impl.RevokeSession(t.Context(), tokens.Handle)
	require.NoError(t, err)
	require.True(t, revoked)

	revoked, err = rp.Impl.RevokeSession(t.Context(), tokens.Handle)
	require.NoError(t, err)
	require.False(t, revoked, "second revoke is a no-op, not an error")
}

// TestRevokeAllSessionsForUser revokes every session of one user and
// leaves other users alone.
func TestRevokeAllSessionsForUser(t *testing.T) {
	core, rp := setup(t, session.Config{})

	a1, err := rp.Impl.CreateNewSession(t.Context(), session.CreateRequest{UserID: "user-a"})
	require.NoError(t, err)
	a2, err := rp.Impl.CreateNewSession(t.Context(), session.CreateRequest{UserID: "user-a"})
	require.NoError(t, err)
	b, err := rp.Impl.CreateNewSession(t.Context(), session.CreateRequest{UserID: "user-b"})
	require.NoError(t, err)

	handles, err := rp.Impl.RevokeAllSessionsForUser(t.Context(), "user-a")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{a1.Handle, a2.Handle}, handles)
	require.True(t, core.SessionExists(b.Handle))
}

// TestSessionData round-trips the server-side data blob and checks a
// revoked session is reported as unauthorised.
func TestSessionData(t *testing.T) {
	_, rp := setup(t, session.Config{})

	tokens, err := rp.Impl.CreateNewSession(t.Context(), session.CreateRequest{
		UserID:      "user-1",
		SessionData: map[string]any{"cart": "empty"},
	})
	require.NoError(t, err)

	data, err := rp.Impl.GetSessionData(t.Context(), tokens.Handle)
	require.NoError(t, err)
	require.Equal(t, "empty", data["cart"])

	ok, err := rp.Impl.UpdateSessionData(t.Context(), tokens.Handle, map[string]any{"cart": "full"})
	require.NoError(t, err)
	require.True(t, ok)

	data, err = rp.Impl.GetSessionData(t.Context(), tokens.Handle)
	require.NoError(t, err)
	require.Equal(t, "full", data["cart"])

	_, err = rp.Impl.RevokeSession(t.Context(), tokens.Handle)
	require.NoError(t, err)

	ok, err = rp.Impl.UpdateSessionData(t.Context(), tokens.Handle, map[string]any{"cart": "x"})
	require.NoError(t, err)
	require.False(t, ok)

	_, err = rp.Impl.GetSessionData(t.Context(), tokens.Handle)
	var unauth *session.UnauthorizedError
	require.ErrorAs(t, err, &unauth)
}

// TestAntiCsrfViaToken checks the comparison is enforced only when the
// check is requested, and passes with the right token.
func TestAntiCsrfViaToken(t *testing.T) {
	_, rp := setup(t, session.Config{
		AntiCSRF:       session.AntiCSRFViaToken,
		TransferMethod: "cookie",
	})

	tokens, err := rp.Impl.CreateNewSession(t.Context(), session.CreateRequest{UserID: "user-1"})
	require.NoError(t, err)
	require.NotEmpty(t, tokens.AntiCsrfToken)

	parsed, err := sesstoken.ParseWithoutVerify(tokens.AccessToken.Token)
	require.NoError(t, err)

	// Wrong token fails the check.
	_, err = rp.Impl.GetSession(t.Context(), parsed, session.VerifyOptions{
		DoAntiCsrfCheck: true,
		AntiCsrfToken:   "wrong",
	})
	var tre *session.TryRefreshTokenError
	require.ErrorAs(t, err, &tre)

	// Right token passes.
	_, err = rp.Impl.GetSession(t.Context(), parsed, session.VerifyOptions{
		DoAntiCsrfCheck: true,
		AntiCsrfToken:   tokens.AntiCsrfToken,
	})
	require.NoError(t, err)

	// Skipped check ignores the token entirely.
	_, err = rp.Impl.GetSession(t.Context(), parsed, session.VerifyOptions{})
	require.NoError(t, err)
}

// TestGetSessionReissueAfterExternalMutation mutates the payload behind
// the token's back and checks a database-checked verification hands the
// client a re-issued token.
func TestGetSessionReissueAfterExternalMutation(t *testing.T) {
	_, rp := setup(t, session.Config{})

	tokens, err := rp.Impl.CreateNewSession(t.Context(), session.CreateRequest{UserID: "user-1"})
	require.NoError(t, err)

	parsed, err := sesstoken.ParseWithoutVerify(tokens.AccessToken.Token)
	require.NoError(t, err)

	// Another node merges into the payload.
	_, err = rp.Impl.RegenerateAccessToken(t.Context(), tokens.AccessToken.Token, map[string]any{"tier": "gold"})
	require.NoError(t, err)

	st, err := rp.Impl.GetSession(t.Context(), parsed, session.VerifyOptions{CheckDatabase: true})
	require.NoError(t, err)
	require.True(t, st.Updated, "stale token must be re-issued")
	require.NotEqual(t, tokens.AccessToken.Token, st.AccessToken)
	require.Equal(t, "gold", st.UserData["tier"])
}
