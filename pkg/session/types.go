package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/authlink/authlink/pkg/sesstoken"
)

// CoreClient is the slice of the querier the session recipe uses.
type CoreClient interface {
	SendGet(ctx context.Context, path string, params map[string]string) (json.RawMessage, error)
	SendPost(ctx context.Context, path string, body any) (json.RawMessage, error)
	SendPut(ctx context.Context, path string, body any) (json.RawMessage, error)
	SendDelete(ctx context.Context, path string, params map[string]string) (json.RawMessage, error)
}

// Core endpoints the session recipe consumes.
const (
	pathSessionCreate     = "/recipe/session"
	pathSessionVerify     = "/recipe/session/verify"
	pathSessionRefresh    = "/recipe/session/refresh"
	pathSessionRemove     = "/recipe/session/remove"
	pathSessionData       = "/recipe/session/data"
	pathSessionRegenerate = "/recipe/session/regenerate"
)

// Core status strings.
const (
	statusOK                 = "OK"
	statusUnauthorised       = "UNAUTHORISED"
	statusTryRefreshToken    = "TRY_REFRESH_TOKEN"
	statusTokenTheftDetected = "TOKEN_THEFT_DETECTED"
)

// TokenInfo is one signed token plus its lifetime metadata.
type TokenInfo struct {
	Token       string
	Expiry      time.Time
	CreatedTime time.Time
}

// Info identifies a session.
type Info struct {
	Handle       string
	UserID       string
	RecipeUserID string
}

// Tokens is the result of creating or refreshing a session: the full
// access/refresh pair plus the anti-CSRF token when enabled.
type Tokens struct {
	Info

	AccessToken   TokenInfo
	RefreshToken  TokenInfo
	AntiCsrfToken string
	Payload       map[string]any
}

// CreateRequest carries the inputs of CreateNewSession.
type CreateRequest struct {
	UserID          string
	RecipeUserID    string
	Payload         map[string]any
	SessionData     map[string]any
	DisableAntiCsrf bool
	UseStaticKey    bool
}

// VerifyOptions tunes GetSession.
type VerifyOptions struct {
	// AntiCsrfToken is the value presented by the client, compared when
	// DoAntiCsrfCheck is set and the mode is VIA_TOKEN.
	AntiCsrfToken   string
	DoAntiCsrfCheck bool

	// CheckDatabase forces the slow path: the core confirms the session
	// record still exists. Its answer always wins over the local check.
	CheckDatabase bool
}

// State is a verified session as seen by one request.
type State struct {
	Info

	UserData map[string]any
	Expiry   time.Time

	// AccessToken is the token the client should hold from now on. When
	// the core decided to re-issue during verification, Updated is true
	// and the middleware must attach the new token to the response.
	AccessToken string
	Updated     bool
}

// Interface is the full set of session operations. The default
// implementation is Functions; Config.Override may wrap it.
type Interface interface {
	CreateNewSession(ctx context.Context, req CreateRequest) (*Tokens, error)
	GetSession(ctx context.Context, parsed *sesstoken.ParsedToken, opts VerifyOptions) (*State, error)
	RefreshSession(ctx context.Context, refreshToken, antiCsrfToken string, disableAntiCsrf bool) (*Tokens, error)
	RevokeSession(ctx context.Context, handle string) (bool, error)
	RevokeAllSessionsForUser(ctx context.Context, userID string) ([]string, error)
	GetSessionData(ctx context.Context, handle string) (map[string]any, error)
	UpdateSessionData(ctx context.Context, handle string, data map[string]any) (bool, error)
	RegenerateAccessToken(ctx context.Context, accessToken string, userData map[string]any) (*RegenerateResult, error)
}

// RegenerateResult is the outcome of a payload mutation round trip.
type RegenerateResult struct {
	Info

	UserData    map[string]any
	AccessToken *TokenInfo // nil when the core kept the token unchanged
}

// Wire shapes shared by the core's session endpoints.

type coreTokenInfo struct {
	Token       string `json:"token"`
	Expiry      int64  `json:"expiry"` // ms since epoch
	CreatedTime int64  `json:"createdTime"`
}

func (t coreTokenInfo) toTokenInfo() TokenInfo {
	return TokenInfo{
		Token:       t.Token,
		Expiry:      time.UnixMilli(t.Expiry).UTC(),
		CreatedTime: time.UnixMilli(t.CreatedTime).UTC(),
	}
}

type coreSessionInfo struct {
	Handle        string         `json:"handle"`
	UserID        string         `json:"userId"`
	RecipeUserID  string         `json:"recipeUserId"`
	UserDataInJWT map[string]any `json:"userDataInJWT,omitempty"`
}

func (s coreSessionInfo) toInfo() Info {
	rid := s.RecipeUserID
	if rid == "" {
		rid = s.UserID
	}
	return Info{Handle: s.Handle, UserID: s.UserID, RecipeUserID: rid}
}

type coreSessionResponse struct {
	Status        string           `json:"status"`
	Message       string           `json:"message,omitempty"`
	Session       *coreSessionInfo `json:"session,omitempty"`
	AccessToken   *coreTokenInfo   `json:"accessToken,omitempty"`
	RefreshToken  *coreTokenInfo   `json:"refreshToken,omitempty"`
	AntiCsrfToken string           `json:"antiCsrfToken,omitempty"`
}
