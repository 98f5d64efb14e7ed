// Package session is the protocol core of the SDK: the state machine over
// a session's refresh-token lineage. All mutable session state lives in
// the remote core or rides inside tokens; nothing here is shared across
// requests, which is what lets deployments scale horizontally without
// session affinity.
package session

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/authlink/authlink/pkg/keycache"
	"github.com/authlink/authlink/pkg/querier"
	"github.com/authlink/authlink/pkg/sesstoken"
	"github.com/authlink/authlink/pkg/slogx"
)

// Functions is the default Interface implementation.
type Functions struct {
	core CoreClient
	keys *keycache.Cache
	cfg  Config
}

// Recipe bundles the (possibly overridden) implementation with its
// normalised config. Middleware and API handlers hang off this.
type Recipe struct {
	Config Config
	Impl   Interface
}

// NewRecipe builds the session recipe, composing the configured override
// exactly once.
func NewRecipe(core CoreClient, keys *keycache.Cache, cfg Config) *Recipe {
	cfg = cfg.normalised()

	var impl Interface = &Functions{core: core, keys: keys, cfg: cfg}
	if cfg.Override != nil {
		impl = cfg.Override(impl)
	}

	return &Recipe{Config: cfg, Impl: impl}
}

// CreateNewSession asks the core to create a session record and mint the
// initial token pair. One remote call.
func (f *Functions) CreateNewSession(ctx context.Context, req CreateRequest) (*Tokens, error) {
	if req.RecipeUserID == "" {
		req.RecipeUserID = req.UserID
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}
	if req.SessionData == nil {
		req.SessionData = map[string]any{}
	}

	for k := range req.Payload {
		if sesstoken.IsProtectedClaim(k) {
			return nil, fmt.Errorf("session: payload key %q is protected", k)
		}
	}

	body := map[string]any{
		"userId":              req.UserID,
		"recipeUserId":        req.RecipeUserID,
		"userDataInJWT":       req.Payload,
		"userDataInDatabase":  req.SessionData,
		"enableAntiCsrf":      f.cfg.AntiCSRF == AntiCSRFViaToken && !req.DisableAntiCsrf,
		"useStaticSigningKey": req.UseStaticKey || f.cfg.UseStaticKey,
	}

	raw, err := f.core.SendPost(ctx, pathSessionCreate, body)
	if err != nil {
		return nil, translateCoreError(err)
	}

	var resp coreSessionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("session: decode create response: %w", err)
	}
	if resp.Status != statusOK || resp.Session == nil || resp.AccessToken == nil || resp.RefreshToken == nil {
		return nil, fmt.Errorf("session: unexpected create response status %q", resp.Status)
	}

	return &Tokens{
		Info:          resp.Session.toInfo(),
		AccessToken:   resp.AccessToken.toTokenInfo(),
		RefreshToken:  resp.RefreshToken.toTokenInfo(),
		AntiCsrfToken: resp.AntiCsrfToken,
		Payload:       resp.Session.UserDataInJWT,
	}, nil
}

// GetSession verifies a parsed access token.
//
// Fast path: signature via the key cache, expiry, and (when asked) the
// anti-CSRF comparison, all without a network call. Slow path: when
// CheckDatabase is set the core confirms the session record; its answer
// is authoritative and always wins over the local decision.
func (f *Functions) GetSession(ctx context.Context, parsed *sesstoken.ParsedToken, opts VerifyOptions) (*State, error) {
	localErr := f.verifyLocally(ctx, parsed)

	if localErr == nil && time.Now().After(parsed.Payload.ExpiryTime) {
		localErr = &TryRefreshTokenError{Msg: "access token expired"}
	}

	if localErr == nil && opts.DoAntiCsrfCheck && f.cfg.AntiCSRF == AntiCSRFViaToken {
		want := parsed.Payload.AntiCsrfToken
		got := opts.AntiCsrfToken
		if want == "" || subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
			localErr = &TryRefreshTokenError{Msg: "anti-csrf token missing or mismatched"}
		}
	}

	if !opts.CheckDatabase {
		if localErr != nil {
			return nil, localErr
		}
		return &State{
			Info: Info{
				Handle:       parsed.Payload.SessionHandle,
				UserID:       parsed.Payload.UserID,
				RecipeUserID: parsed.Payload.RecipeUserID,
			},
			UserData:    parsed.Payload.UserData,
			Expiry:      parsed.Payload.ExpiryTime,
			AccessToken: parsed.Raw,
		}, nil
	}

	// Slow path. Even when the local check failed we ask the core: the
	// forced DB check is the authoritative answer either way.
	body := map[string]any{
		"accessToken":     parsed.Raw,
		"antiCsrfToken":   opts.AntiCsrfToken,
		"doAntiCsrfCheck": opts.DoAntiCsrfCheck,
		"enableAntiCsrf":  f.cfg.AntiCSRF == AntiCSRFViaToken,
		"checkDatabase":   true,
	}

	raw, err := f.core.SendPost(ctx, pathSessionVerify, body)
	if err != nil {
		return nil, translateCoreError(err)
	}

	var resp coreSessionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("session: decode verify response: %w", err)
	}

	switch resp.Status {
	case statusOK:
		if resp.Session == nil {
			return nil, fmt.Errorf("session: verify OK without session info")
		}
		st := &State{
			Info:        resp.Session.toInfo(),
			UserData:    resp.Session.UserDataInJWT,
			AccessToken: parsed.Raw,
			Expiry:      parsed.Payload.ExpiryTime,
		}
		if resp.AccessToken != nil {
			// Core decided to re-issue the token server-side.
			st.AccessToken = resp.AccessToken.Token
			st.Expiry = time.UnixMilli(resp.AccessToken.Expiry).UTC()
			st.Updated = true
		}
		return st, nil

	case statusTryRefreshToken:
		return nil, &TryRefreshTokenError{Msg: resp.Message}

	case statusUnauthorised:
		return nil, errUnauthorized(resp.Message)

	default:
		return nil, fmt.Errorf("session: unexpected verify status %q", resp.Status)
	}
}

// verifyLocally checks the token signature against the right key family.
// Key problems come back as TryRefreshTokenError: the client may hold a
// token signed by a key this process has not replicated yet.
func (f *Functions) verifyLocally(ctx context.Context, parsed *sesstoken.ParsedToken) error {
	var (
		alg string
		key any
	)

	if sk, err := f.keys.GetStaticKeyForKID(parsed.KID); err == nil {
		alg, key = sesstoken.AlgHS256, sk.Secret
	} else if parsed.KID != "" {
		k, err := f.keys.GetKey(ctx, parsed.KID)
		if err != nil {
			if errors.Is(err, keycache.ErrKeyNotFound) {
				return &TryRefreshTokenError{Msg: "signing key not found: " + parsed.KID}
			}
			return err
		}
		alg, key = sesstoken.AlgRS256, k
	} else {
		// v2 tokens carry no kid; select the static key valid when the
		// token was created.
		sk, err := f.keys.GetStaticKeyForTime(parsed.Payload.TimeCreated)
		if err != nil {
			return &TryRefreshTokenError{Msg: "no static key for token"}
		}
		alg, key = sesstoken.AlgHS256, sk.Secret
	}

	if _, err := sesstoken.VerifyWithKey(parsed.Raw, alg, key); err != nil {
		slogx.FromContext(ctx).Debug("local token verification failed", "err", err)
		return &TryRefreshTokenError{Msg: "signature verification failed"}
	}
	return nil
}

// RefreshSession exchanges a refresh token for a rotated pair. The core
// compares the presented token's lineage hash against the stored head:
// a stale lineage is theft, no match at all is a dead session.
func (f *Functions) RefreshSession(ctx context.Context, refreshToken, antiCsrfToken string, disableAntiCsrf bool) (*Tokens, error) {
	body := map[string]any{
		"refreshToken":   refreshToken,
		"antiCsrfToken":  antiCsrfToken,
		"enableAntiCsrf": f.cfg.AntiCSRF == AntiCSRFViaToken && !disableAntiCsrf,
	}

	raw, err := f.core.SendPost(ctx, pathSessionRefresh, body)
	if err != nil {
		return nil, translateCoreError(err)
	}

	var resp coreSessionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("session: decode refresh response: %w", err)
	}

	switch resp.Status {
	case statusOK:
		if resp.Session == nil || resp.AccessToken == nil || resp.RefreshToken == nil {
			return nil, fmt.Errorf("session: refresh OK with missing fields")
		}
		return &Tokens{
			Info:          resp.Session.toInfo(),
			AccessToken:   resp.AccessToken.toTokenInfo(),
			RefreshToken:  resp.RefreshToken.toTokenInfo(),
			AntiCsrfToken: resp.AntiCsrfToken,
			Payload:       resp.Session.UserDataInJWT,
		}, nil

	case statusTokenTheftDetected:
		theft := &TokenTheftDetectedError{}
		if resp.Session != nil {
			info := resp.Session.toInfo()
			theft.SessionHandle = info.Handle
			theft.UserID = info.UserID
			theft.RecipeUserID = info.RecipeUserID
		}
		slogx.FromContext(ctx).Warn("token theft detected",
			"session_handle", theft.SessionHandle, "user_id", theft.UserID)
		return nil, theft

	case statusUnauthorised:
		return nil, errUnauthorized(resp.Message)

	default:
		return nil, fmt.Errorf("session: unexpected refresh status %q", resp.Status)
	}
}

// RevokeSession revokes one session handle. Idempotent: revoking an
// already-gone handle reports false, never an error.
func (f *Functions) RevokeSession(ctx context.Context, handle string) (bool, error) {
	revoked, err := f.revoke(ctx, map[string]any{"sessionHandles": []string{handle}})
	if err != nil {
		return false, err
	}
	return len(revoked) > 0, nil
}

// RevokeAllSessionsForUser revokes every session of a user and returns
// the handles that were actually removed.
func (f *Functions) RevokeAllSessionsForUser(ctx context.Context, userID string) ([]string, error) {
	return f.revoke(ctx, map[string]any{"userId": userID})
}

func (f *Functions) revoke(ctx context.Context, body map[string]any) ([]string, error) {
	raw, err := f.core.SendPost(ctx, pathSessionRemove, body)
	if err != nil {
		return nil, translateCoreError(err)
	}

	var resp struct {
		Status                string   `json:"status"`
		SessionHandlesRevoked []string `json:"sessionHandlesRevoked"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("session: decode remove response: %w", err)
	}
	if resp.Status != statusOK {
		return nil, fmt.Errorf("session: unexpected remove status %q", resp.Status)
	}
	return resp.SessionHandlesRevoked, nil
}

// GetSessionData fetches the server-side session data blob.
func (f *Functions) GetSessionData(ctx context.Context, handle string) (map[string]any, error) {
	raw, err := f.core.SendGet(ctx, pathSessionData, map[string]string{"sessionHandle": handle})
	if err != nil {
		return nil, translateCoreError(err)
	}

	var resp struct {
		Status             string         `json:"status"`
		Message            string         `json:"message"`
		UserDataInDatabase map[string]any `json:"userDataInDatabase"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("session: decode session data response: %w", err)
	}

	switch resp.Status {
	case statusOK:
		return resp.UserDataInDatabase, nil
	case statusUnauthorised:
		return nil, errUnauthorized(resp.Message)
	default:
		return nil, fmt.Errorf("session: unexpected session data status %q", resp.Status)
	}
}

// UpdateSessionData replaces the server-side session data blob. Returns
// false when the session no longer exists.
func (f *Functions) UpdateSessionData(ctx context.Context, handle string, data map[string]any) (bool, error) {
	body := map[string]any{"sessionHandle": handle, "userDataInDatabase": data}
	raw, err := f.core.SendPut(ctx, pathSessionData, body)
	if err != nil {
		return false, translateCoreError(err)
	}

	var resp struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return false, fmt.Errorf("session: decode session data update response: %w", err)
	}

	switch resp.Status {
	case statusOK:
		return true, nil
	case statusUnauthorised:
		return false, nil
	default:
		return false, fmt.Errorf("session: unexpected session data update status %q", resp.Status)
	}
}

// RegenerateAccessToken persists a mutated payload and returns the
// re-minted token in the same round trip, so a request can observe its
// own mutation immediately.
func (f *Functions) RegenerateAccessToken(ctx context.Context, accessToken string, userData map[string]any) (*RegenerateResult, error) {
	body := map[string]any{
		"accessToken":   accessToken,
		"userDataInJWT": userData,
		"checkDatabase": *f.cfg.CheckDatabaseOnPayloadMutation,
	}

	raw, err := f.core.SendPost(ctx, pathSessionRegenerate, body)
	if err != nil {
		return nil, translateCoreError(err)
	}

	var resp coreSessionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("session: decode regenerate response: %w", err)
	}

	switch resp.Status {
	case statusOK:
		if resp.Session == nil {
			return nil, fmt.Errorf("session: regenerate OK without session info")
		}
		result := &RegenerateResult{
			Info:     resp.Session.toInfo(),
			UserData: resp.Session.UserDataInJWT,
		}
		if resp.AccessToken != nil {
			ti := resp.AccessToken.toTokenInfo()
			result.AccessToken = &ti
		}
		return result, nil

	case statusUnauthorised:
		return nil, errUnauthorized(resp.Message)

	default:
		return nil, fmt.Errorf("session: unexpected regenerate status %q", resp.Status)
	}
}

// translateCoreError maps transport-level failures onto the session
// taxonomy. A 404 from a session endpoint means the record is gone, not
// that the transport broke; raw querier errors must never surface to an
// HTTP client untranslated.
func translateCoreError(err error) error {
	var httpErr *querier.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == http.StatusNotFound {
			return errUnauthorized("session does not exist")
		}
		return fmt.Errorf("session: core request failed: %w", err)
	}
	return fmt.Errorf("session: core unreachable: %w", err)
}
