package session

import (
	"fmt"
	"strings"
)

// The four user-visible failure kinds of the session protocol. Everything
// the transport or codec throws at us is translated into one of these
// before it can reach an HTTP client.

// TryRefreshTokenError means the access token is stale or unverifiable
// with the currently cached keys. Recoverable: the client should call the
// refresh endpoint and retry.
type TryRefreshTokenError struct {
	Msg string
}

func (e *TryRefreshTokenError) Error() string {
	return "session: try refresh token: " + e.Msg
}

// UnauthorizedError means the underlying session no longer exists.
// Terminal: the client must re-authenticate. ClearTokens controls whether
// the HTTP layer wipes cookies/headers; it is false only when there was
// no session on the request to begin with.
type UnauthorizedError struct {
	Msg         string
	ClearTokens bool
}

func (e *UnauthorizedError) Error() string {
	return "session: unauthorised: " + e.Msg
}

func errUnauthorized(msg string) *UnauthorizedError {
	return &UnauthorizedError{Msg: msg, ClearTokens: true}
}

// TokenTheftDetectedError is raised when a refresh token from an already
// rotated lineage is replayed. The core revokes the whole session before
// this error is returned, so the identifiers here are for alerting and
// forced logout, not for recovery.
type TokenTheftDetectedError struct {
	SessionHandle string
	UserID        string
	RecipeUserID  string
}

func (e *TokenTheftDetectedError) Error() string {
	return fmt.Sprintf("session: token theft detected for session %s (user %s)", e.SessionHandle, e.UserID)
}

// ClaimFailure describes one validator that rejected the current payload.
type ClaimFailure struct {
	ID     string `json:"id"`
	Reason any    `json:"reason,omitempty"`
}

// InvalidClaimsError aggregates every failing claim validator; callers
// need the complete list to decide a remediation path, so validation
// never short-circuits.
type InvalidClaimsError struct {
	Failures []ClaimFailure
}

func (e *InvalidClaimsError) Error() string {
	ids := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		ids = append(ids, f.ID)
	}
	return "session: invalid claims: " + strings.Join(ids, ", ")
}
