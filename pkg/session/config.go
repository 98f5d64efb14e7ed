package session

import (
	"github.com/authlink/authlink/pkg/httpx"
)

// Anti-CSRF protection modes.
const (
	// AntiCSRFViaToken binds a random token to the session; cookie-based
	// requests must echo it in the anti-csrf header.
	AntiCSRFViaToken = "VIA_TOKEN"

	// AntiCSRFViaCustomHeader only requires that requests carry the rid
	// header, relying on CORS to stop cross-site senders.
	AntiCSRFViaCustomHeader = "VIA_CUSTOM_HEADER"

	// AntiCSRFNone disables the check entirely (header-only deployments).
	AntiCSRFNone = "NONE"
)

// Config is the session recipe configuration, normalised by NewRecipe.
type Config struct {
	// AntiCSRF selects the protection mode. Defaults to VIA_CUSTOM_HEADER
	// when SameSite=None cookies are in play would be the careful choice;
	// the zero value maps to NONE for header transfer and VIA_TOKEN for
	// cookie transfer at normalisation time.
	AntiCSRF string

	// Cookie carries the deployment's cookie attributes.
	Cookie httpx.CookieConfig

	// TransferMethod restricts which transport tokens may ride on.
	// Defaults to TransferAny.
	TransferMethod httpx.TransferMethod

	// UseStaticKey mints sessions signed with the legacy static HS256
	// key instead of the rotating JWKS keys.
	UseStaticKey bool

	// CheckDatabaseOnPayloadMutation forces a core-side session check on
	// the first verification after a payload mutation. The trigger list
	// is a consistency/performance trade-off, so it is configuration
	// rather than a constant. Defaults to true.
	CheckDatabaseOnPayloadMutation *bool

	// Override wraps the default operation implementation with a
	// caller-supplied decorator, composed once at construction.
	Override Override
}

func (c Config) normalised() Config {
	if c.TransferMethod == "" {
		c.TransferMethod = httpx.TransferAny
	}
	if c.AntiCSRF == "" {
		if c.TransferMethod == httpx.TransferHeader {
			c.AntiCSRF = AntiCSRFNone
		} else {
			c.AntiCSRF = AntiCSRFViaToken
		}
	}
	if c.CheckDatabaseOnPayloadMutation == nil {
		v := true
		c.CheckDatabaseOnPayloadMutation = &v
	}
	return c
}

// Override receives the default implementation and returns a replacement
// implementing the same interface. Composed once at startup, never
// re-resolved per call.
type Override func(original Interface) Interface
