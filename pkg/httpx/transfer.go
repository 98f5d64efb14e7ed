package httpx

import (
	"net/http"
	"strings"
	"time"
)

// Cookie and header names of the token transfer protocol.
const (
	CookieAccessToken  = "sAccessToken"
	CookieRefreshToken = "sRefreshToken"

	// CookieLegacyIDRefreshToken predates header-based transfer. It is
	// never read as a source of truth; see ClearLegacyCookie.
	CookieLegacyIDRefreshToken = "sIdRefreshToken"

	HeaderAccessToken   = "st-access-token"
	HeaderRefreshToken  = "st-refresh-token"
	HeaderAntiCSRF      = "anti-csrf"
	HeaderFrontToken    = "front-token"
	HeaderAuthorization = "Authorization"

	// FrontTokenRemove is the front-token value that tells the frontend
	// the session is gone.
	FrontTokenRemove = "remove"
)

var exposedHeaders = strings.Join([]string{
	HeaderFrontToken, HeaderAccessToken, HeaderRefreshToken, HeaderAntiCSRF,
}, ", ")

// TransferMethod says whether tokens ride in cookies or custom headers.
type TransferMethod string

const (
	TransferCookie TransferMethod = "cookie"
	TransferHeader TransferMethod = "header"
	// TransferAny accepts either on input; responses echo whichever
	// method the request used.
	TransferAny TransferMethod = "any"
)

// CookieConfig carries the deployment's cookie attributes.
type CookieConfig struct {
	Domain   string
	Secure   bool
	SameSite http.SameSite

	AccessTokenPath  string // default "/"
	RefreshTokenPath string // default the refresh API path
}

func (c CookieConfig) accessPath() string {
	if c.AccessTokenPath == "" {
		return "/"
	}
	return c.AccessTokenPath
}

func (c CookieConfig) refreshPath() string {
	if c.RefreshTokenPath == "" {
		return "/auth/session/refresh"
	}
	return c.RefreshTokenPath
}

// GetAccessToken extracts the access token from a request. Headers win
// over cookies when both are allowed and present.
func GetAccessToken(req Request, allowed TransferMethod) (token string, via TransferMethod) {
	if allowed != TransferCookie {
		authz := req.GetHeaderValue(HeaderAuthorization)
		if strings.HasPrefix(authz, "Bearer ") {
			return strings.TrimSpace(strings.TrimPrefix(authz, "Bearer ")), TransferHeader
		}
	}
	if allowed != TransferHeader {
		if v := req.GetCookieValue(CookieAccessToken); v != "" {
			return v, TransferCookie
		}
	}
	return "", ""
}

// GetRefreshToken extracts the refresh token from a request.
func GetRefreshToken(req Request, allowed TransferMethod) (token string, via TransferMethod) {
	if allowed != TransferCookie {
		if v := req.GetHeaderValue(HeaderRefreshToken); v != "" {
			return v, TransferHeader
		}
	}
	if allowed != TransferHeader {
		if v := req.GetCookieValue(CookieRefreshToken); v != "" {
			return v, TransferCookie
		}
	}
	return "", ""
}

// PreferredTransfer decides how a brand-new session's tokens should go
// out: the client's st-auth-mode header when it names an allowed method,
// otherwise headers when allowed, otherwise cookies.
func PreferredTransfer(req Request, allowed TransferMethod) TransferMethod {
	switch TransferMethod(req.GetHeaderValue("st-auth-mode")) {
	case TransferCookie:
		if allowed != TransferHeader {
			return TransferCookie
		}
	case TransferHeader:
		if allowed != TransferCookie {
			return TransferHeader
		}
	}
	if allowed == TransferCookie {
		return TransferCookie
	}
	return TransferHeader
}

// GetAntiCSRFToken reads the anti-csrf request header.
func GetAntiCSRFToken(req Request) string {
	return req.GetHeaderValue(HeaderAntiCSRF)
}

// AttachAccessToken writes the access token to the response using the
// given transfer method, plus the informational front-token header.
func AttachAccessToken(resp Response, cfg CookieConfig, via TransferMethod, token string, expiry time.Time, frontToken string) {
	switch via {
	case TransferHeader:
		resp.SetHeader(HeaderAccessToken, token)
	default:
		resp.SetCookie(Cookie{
			Name:     CookieAccessToken,
			Value:    token,
			Domain:   cfg.Domain,
			Path:     cfg.accessPath(),
			Expires:  expiry,
			Secure:   cfg.Secure,
			HTTPOnly: true,
			SameSite: cfg.SameSite,
		})
	}

	resp.SetHeader(HeaderFrontToken, frontToken)
	resp.SetHeader("Access-Control-Expose-Headers", exposedHeaders)
}

// AttachRefreshToken writes the refresh token to the response.
func AttachRefreshToken(resp Response, cfg CookieConfig, via TransferMethod, token string, expiry time.Time) {
	switch via {
	case TransferHeader:
		resp.SetHeader(HeaderRefreshToken, token)
	default:
		resp.SetCookie(Cookie{
			Name:     CookieRefreshToken,
			Value:    token,
			Domain:   cfg.Domain,
			Path:     cfg.refreshPath(),
			Expires:  expiry,
			Secure:   cfg.Secure,
			HTTPOnly: true,
			SameSite: cfg.SameSite,
		})
	}
}

// AttachAntiCSRFToken exposes the anti-CSRF token as a response header.
func AttachAntiCSRFToken(resp Response, token string) {
	resp.SetHeader(HeaderAntiCSRF, token)
	resp.SetHeader("Access-Control-Expose-Headers", exposedHeaders)
}

// ClearSession expires both token cookies (epoch expiry), blanks the
// token headers and tells the frontend to drop its state.
func ClearSession(resp Response, cfg CookieConfig) {
	epoch := time.Unix(0, 0)

	resp.SetCookie(Cookie{
		Name: CookieAccessToken, Value: "", Domain: cfg.Domain,
		Path: cfg.accessPath(), Expires: epoch,
		Secure: cfg.Secure, HTTPOnly: true, SameSite: cfg.SameSite,
	})
	resp.SetCookie(Cookie{
		Name: CookieRefreshToken, Value: "", Domain: cfg.Domain,
		Path: cfg.refreshPath(), Expires: epoch,
		Secure: cfg.Secure, HTTPOnly: true, SameSite: cfg.SameSite,
	})

	resp.SetHeader(HeaderAccessToken, "")
	resp.SetHeader(HeaderRefreshToken, "")
	resp.SetHeader(HeaderFrontToken, FrontTokenRemove)
	resp.SetHeader("Access-Control-Expose-Headers", exposedHeaders)
}

// ClearLegacyCookie is the compatibility shim for pre-rotation clients:
// if the request still carries an sIdRefreshToken cookie it is expired on
// the response. The legacy cookie is never consulted for verification.
func ClearLegacyCookie(req Request, resp Response, cfg CookieConfig) {
	if req.GetCookieValue(CookieLegacyIDRefreshToken) == "" {
		return
	}
	resp.SetCookie(Cookie{
		Name: CookieLegacyIDRefreshToken, Value: "", Domain: cfg.Domain,
		Path: "/", Expires: time.Unix(0, 0),
		Secure: cfg.Secure, HTTPOnly: true, SameSite: cfg.SameSite,
	})
}
