package session

import (
	"context"
	"net/http"
	"strings"

	"github.com/authlink/authlink/pkg/httpx"
	"github.com/authlink/authlink/pkg/sesstoken"
)

type containerKey struct{}

// FromContext returns the request's verified session container, or nil
// when VerifySession ran with SessionRequired=false and no session was
// presented.
func FromContext(ctx context.Context) *Container {
	c, _ := ctx.Value(containerKey{}).(*Container)
	return c
}

// MiddlewareOptions tunes VerifySession.
type MiddlewareOptions struct {
	// SessionRequired: when false, requests without tokens pass through
	// with a nil container instead of a 401. Defaults to true.
	SessionRequired *bool

	// CheckDatabase forces the slow path on every verification.
	CheckDatabase bool

	// AntiCsrfCheck overrides the default policy (checked for every
	// method except GET and HEAD, and only for cookie transfer).
	AntiCsrfCheck *bool
}

func (o MiddlewareOptions) required() bool {
	return o.SessionRequired == nil || *o.SessionRequired
}

func (o MiddlewareOptions) antiCsrf(method string) bool {
	if o.AntiCsrfCheck != nil {
		return *o.AntiCsrfCheck
	}
	m := strings.ToUpper(method)
	return m != http.MethodGet && m != http.MethodHead
}

// VerifySession wraps a handler with session verification. The verified
// container rides in the request context; protocol errors are translated
// to HTTP per the error taxonomy before the handler runs.
func (rp *Recipe) VerifySession(opts MiddlewareOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := httpx.NewNetRequest(r)
			resp := httpx.NewNetResponse(w)

			cont, err := rp.GetSessionFromRequest(r.Context(), req, resp, opts)
			if err != nil {
				rp.WriteError(r.Context(), resp, err)
				return
			}

			ctx := r.Context()
			if cont != nil {
				ctx = context.WithValue(ctx, containerKey{}, cont)
			}

			ww := &httpx.FlushingWriter{ResponseWriter: w, Resp: resp}
			next.ServeHTTP(ww, r.WithContext(ctx))
		})
	}
}

// GetSessionFromRequest runs the verification flow over the normalized
// contract. Framework wrappers other than net/http call this directly.
func (rp *Recipe) GetSessionFromRequest(ctx context.Context, req httpx.Request, resp httpx.Response, opts MiddlewareOptions) (*Container, error) {
	token, via := httpx.GetAccessToken(req, rp.Config.TransferMethod)
	if token == "" {
		if opts.required() {
			return nil, &UnauthorizedError{Msg: "no session tokens on request", ClearTokens: false}
		}
		return nil, nil
	}

	parsed, err := sesstoken.ParseWithoutVerify(token)
	if err != nil {
		// Unparsable is indistinguishable from signed-by-unknown-format:
		// recoverable for the client via the refresh endpoint.
		return nil, &TryRefreshTokenError{Msg: "malformed access token"}
	}

	doAntiCsrf := opts.antiCsrf(req.GetMethod()) && via == httpx.TransferCookie

	if doAntiCsrf && rp.Config.AntiCSRF == AntiCSRFViaCustomHeader {
		if req.GetHeaderValue("rid") == "" {
			return nil, &TryRefreshTokenError{Msg: "anti-csrf: rid header missing"}
		}
		doAntiCsrf = false // presence of the custom header is the whole check
	}

	st, err := rp.Impl.GetSession(ctx, parsed, VerifyOptions{
		AntiCsrfToken:   httpx.GetAntiCSRFToken(req),
		DoAntiCsrfCheck: doAntiCsrf,
		CheckDatabase:   opts.CheckDatabase,
	})
	if err != nil {
		return nil, err
	}

	httpx.ClearLegacyCookie(req, resp, rp.Config.Cookie)
	return NewContainer(rp.Impl, rp.Config, st, req, resp, via, map[string]any{}), nil
}
