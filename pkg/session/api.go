package session

import (
	"context"
	"errors"
	"net/http"

	"github.com/authlink/authlink/pkg/httpx"
	"github.com/authlink/authlink/pkg/sesstoken"
	"github.com/authlink/authlink/pkg/slogx"
)

// RefreshHandler serves the token rotation endpoint (POST
// {base}/session/refresh). New tokens ride back on whatever transfer
// method carried the refresh token in.
func (rp *Recipe) RefreshHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		req := httpx.NewNetRequest(r)
		resp := httpx.NewNetResponse(w)

		refreshToken, via := httpx.GetRefreshToken(req, rp.Config.TransferMethod)
		if refreshToken == "" {
			rp.WriteError(ctx, resp, &UnauthorizedError{Msg: "no refresh token on request", ClearTokens: false})
			return
		}

		if via == httpx.TransferCookie && rp.Config.AntiCSRF == AntiCSRFViaCustomHeader {
			if req.GetHeaderValue("rid") == "" {
				rp.WriteError(ctx, resp, errUnauthorized("anti-csrf: rid header missing"))
				return
			}
		}

		tokens, err := rp.Impl.RefreshSession(ctx, refreshToken,
			httpx.GetAntiCSRFToken(req), via == httpx.TransferHeader)
		if err != nil {
			rp.WriteError(ctx, resp, err)
			return
		}

		rp.AttachTokens(req, resp, via, tokens)
		resp.SetStatusCode(http.StatusOK)
		_ = resp.SendJSONResponse(map[string]any{"status": statusOK})
	}
}

// SignOutHandler revokes the presented session and clears its tokens
// (POST {base}/signout). A request without a valid session still gets a
// 200; there is nothing to sign out of.
func (rp *Recipe) SignOutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		req := httpx.NewNetRequest(r)
		resp := httpx.NewNetResponse(w)

		required := false
		cont, err := rp.GetSessionFromRequest(ctx, req, resp, MiddlewareOptions{SessionRequired: &required})
		if err != nil {
			var unauth *UnauthorizedError
			if errors.As(err, &unauth) {
				httpx.ClearSession(resp, rp.Config.Cookie)
				resp.SetStatusCode(http.StatusOK)
				_ = resp.SendJSONResponse(map[string]any{"status": statusOK})
				return
			}
			rp.WriteError(ctx, resp, err)
			return
		}

		if cont != nil {
			if err := cont.RevokeSession(ctx); err != nil {
				rp.WriteError(ctx, resp, err)
				return
			}
		}

		resp.SetStatusCode(http.StatusOK)
		_ = resp.SendJSONResponse(map[string]any{"status": statusOK})
	}
}

// AttachTokens writes a freshly minted token pair onto the response using
// the given transfer method.
func (rp *Recipe) AttachTokens(req httpx.Request, resp httpx.Response, via httpx.TransferMethod, tokens *Tokens) {
	front := sesstoken.FrontToken(tokens.UserID, tokens.AccessToken.Expiry, tokens.Payload)
	httpx.AttachAccessToken(resp, rp.Config.Cookie, via, tokens.AccessToken.Token, tokens.AccessToken.Expiry, front)
	httpx.AttachRefreshToken(resp, rp.Config.Cookie, via, tokens.RefreshToken.Token, tokens.RefreshToken.Expiry)
	if tokens.AntiCsrfToken != "" {
		httpx.AttachAntiCSRFToken(resp, tokens.AntiCsrfToken)
	}
	if req != nil {
		httpx.ClearLegacyCookie(req, resp, rp.Config.Cookie)
	}
}

// WriteError maps the session error taxonomy onto HTTP. Transport and
// internal errors become a plain 500; the protocol's own kinds get their
// specified status and token-clearing behaviour.
func (rp *Recipe) WriteError(ctx context.Context, resp httpx.Response, err error) {
	var (
		tryRefresh *TryRefreshTokenError
		unauth     *UnauthorizedError
		theft      *TokenTheftDetectedError
		claims     *InvalidClaimsError
	)

	switch {
	case errors.As(err, &tryRefresh):
		resp.SetStatusCode(http.StatusUnauthorized)
		_ = resp.SendJSONResponse(map[string]any{"message": "try refresh token"})

	case errors.As(err, &unauth):
		if unauth.ClearTokens {
			httpx.ClearSession(resp, rp.Config.Cookie)
		}
		resp.SetStatusCode(http.StatusUnauthorized)
		_ = resp.SendJSONResponse(map[string]any{"message": "unauthorised"})

	case errors.As(err, &theft):
		httpx.ClearSession(resp, rp.Config.Cookie)
		resp.SetStatusCode(http.StatusUnauthorized)
		_ = resp.SendJSONResponse(map[string]any{"message": "token theft detected"})

	case errors.As(err, &claims):
		resp.SetStatusCode(http.StatusForbidden)
		_ = resp.SendJSONResponse(map[string]any{
			"message":               "invalid claims",
			"claimValidationErrors": claims.Failures,
		})

	default:
		slogx.FromContext(ctx).Error("session request failed", "err", err)
		resp.SetStatusCode(http.StatusInternalServerError)
		_ = resp.SendJSONResponse(map[string]any{"message": "internal error"})
	}
}
