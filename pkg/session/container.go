package session

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/authlink/authlink/pkg/httpx"
	"github.com/authlink/authlink/pkg/sesstoken"
	"github.com/authlink/authlink/pkg/slogx"
)

// Container is the per-request handle over a verified session. Mutation
// methods update the in-memory state synchronously and (re-)attach the
// outgoing token, so later reads within the same request observe earlier
// writes, and any number of mutations produce exactly one token update on
// the response.
type Container struct {
	impl Interface
	cfg  Config

	req  httpx.Request
	resp httpx.Response
	via  httpx.TransferMethod

	info        Info
	userData    map[string]any
	accessToken string
	expiry      time.Time

	userContext map[string]any
}

// NewContainer wraps a verified state. req/resp may be nil for headless
// (non-HTTP) use; token updates are then observable via GetAccessToken.
func NewContainer(impl Interface, cfg Config, st *State, req httpx.Request, resp httpx.Response, via httpx.TransferMethod, userContext map[string]any) *Container {
	if userContext == nil {
		userContext = map[string]any{}
	}
	userData := st.UserData
	if userData == nil {
		userData = map[string]any{}
	}

	c := &Container{
		impl:        impl,
		cfg:         cfg,
		req:         req,
		resp:        resp,
		via:         via,
		info:        st.Info,
		userData:    userData,
		accessToken: st.AccessToken,
		expiry:      st.Expiry,
		userContext: userContext,
	}

	if st.Updated {
		c.attachAccessToken()
	}
	return c
}

func (c *Container) GetUserID() string       { return c.info.UserID }
func (c *Container) GetRecipeUserID() string { return c.info.RecipeUserID }
func (c *Container) GetHandle() string       { return c.info.Handle }

// GetAccessToken returns the token the client should currently hold,
// including any re-mint from mutations within this request.
func (c *Container) GetAccessToken() string { return c.accessToken }

// GetExpiry returns the access token expiry.
func (c *Container) GetExpiry() time.Time { return c.expiry }

// GetUserContext returns the request-scoped context map.
func (c *Container) GetUserContext() map[string]any { return c.userContext }

// GetAccessTokenPayload returns a copy of the user payload; mutate via
// MergeIntoAccessTokenPayload, not through the returned map.
func (c *Container) GetAccessTokenPayload() map[string]any {
	out := make(map[string]any, len(c.userData))
	maps.Copy(out, c.userData)
	return out
}

// MergeIntoAccessTokenPayload applies update to the payload: the core
// persists the merge and re-mints the token, then the container state and
// pending response token are updated. A nil value deletes the key.
func (c *Container) MergeIntoAccessTokenPayload(ctx context.Context, update map[string]any) error {
	for k := range update {
		if sesstoken.IsProtectedClaim(k) {
			return fmt.Errorf("session: cannot merge protected claim %q", k)
		}
	}

	merged := make(map[string]any, len(c.userData)+len(update))
	maps.Copy(merged, c.userData)
	for k, v := range update {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}

	res, err := c.impl.RegenerateAccessToken(ctx, c.accessToken, merged)
	if err != nil {
		return err
	}

	if res.UserData != nil {
		c.userData = res.UserData
	} else {
		c.userData = merged
	}
	if res.AccessToken != nil {
		c.accessToken = res.AccessToken.Token
		c.expiry = res.AccessToken.Expiry
	}

	c.attachAccessToken()
	return nil
}

// GetClaimValue reads a claim's current value from the payload.
func (c *Container) GetClaimValue(claim *Claim) (any, bool) {
	return claim.Value(c.userData)
}

// FetchAndSetClaim fetches the claim's value and merges it into the
// payload. A nil fetched value means "unknown": the previous payload
// state for that key is left untouched.
func (c *Container) FetchAndSetClaim(ctx context.Context, claim *Claim) error {
	value, err := claim.Fetch(ctx, c.info.UserID, c.userContext)
	if err != nil {
		return err
	}
	if value == nil {
		return nil
	}
	return c.MergeIntoAccessTokenPayload(ctx, map[string]any{
		claim.Key: claim.Entry(value, time.Now()),
	})
}

// SetClaimValue writes an explicit claim value without fetching.
func (c *Container) SetClaimValue(ctx context.Context, claim *Claim, value any) error {
	return c.MergeIntoAccessTokenPayload(ctx, map[string]any{
		claim.Key: claim.Entry(value, time.Now()),
	})
}

// RemoveClaim deletes a claim from the payload.
func (c *Container) RemoveClaim(ctx context.Context, claim *Claim) error {
	return c.MergeIntoAccessTokenPayload(ctx, map[string]any{claim.Key: nil})
}

// AssertClaims refetches stale claims and validates all of them,
// aggregating every failure into one InvalidClaimsError. Claim fetches
// are independent: one failed fetch is logged and validated against the
// prior payload state rather than blocking the others.
func (c *Container) AssertClaims(ctx context.Context, validators ...Validator) error {
	now := time.Now()

	for _, v := range validators {
		if v.ShouldRefetch == nil || !v.ShouldRefetch(c.userData, now) {
			continue
		}
		if v.Claim == nil || v.Claim.Fetch == nil {
			continue
		}
		if err := c.FetchAndSetClaim(ctx, v.Claim); err != nil {
			slogx.FromContext(ctx).Warn("claim fetch failed, validating stale value",
				"claim", v.ID, "err", err)
		}
	}

	var failures []ClaimFailure
	for _, v := range validators {
		res := v.Validate(c.userData, now)
		if !res.IsValid {
			failures = append(failures, ClaimFailure{ID: v.ID, Reason: res.Reason})
		}
	}

	if len(failures) > 0 {
		return &InvalidClaimsError{Failures: failures}
	}
	return nil
}

// RevokeSession revokes this session in the core and clears the client's
// tokens on the attached response.
func (c *Container) RevokeSession(ctx context.Context) error {
	if _, err := c.impl.RevokeSession(ctx, c.info.Handle); err != nil {
		return err
	}
	if c.resp != nil {
		httpx.ClearSession(c.resp, c.cfg.Cookie)
	}
	return nil
}

// GetSessionDataFromDatabase fetches the server-side data blob.
func (c *Container) GetSessionDataFromDatabase(ctx context.Context) (map[string]any, error) {
	return c.impl.GetSessionData(ctx, c.info.Handle)
}

// UpdateSessionDataInDatabase replaces the server-side data blob.
func (c *Container) UpdateSessionDataInDatabase(ctx context.Context, data map[string]any) error {
	ok, err := c.impl.UpdateSessionData(ctx, c.info.Handle, data)
	if err != nil {
		return err
	}
	if !ok {
		return errUnauthorized("session does not exist")
	}
	return nil
}

// attachAccessToken queues the current token on the response. Repeated
// calls overwrite the same cookie/header slot, which is what coalesces
// several mutations into a single outgoing update.
func (c *Container) attachAccessToken() {
	if c.resp == nil {
		return
	}
	front := sesstoken.FrontToken(c.info.UserID, c.expiry, c.userData)
	httpx.AttachAccessToken(c.resp, c.cfg.Cookie, c.via, c.accessToken, c.expiry, front)
}
