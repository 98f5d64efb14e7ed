package httpx

import (
	"net/http"

	"github.com/rs/cors"
)

// CORSMiddleware builds the CORS layer for the mounted auth API. The
// exposed headers must include the token transfer headers or browser
// clients cannot read rotated tokens.
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions,
		},
		AllowedHeaders: []string{
			"Content-Type", HeaderAuthorization,
			HeaderAntiCSRF, HeaderAccessToken, HeaderRefreshToken,
			"rid", "st-auth-mode",
		},
		ExposedHeaders: []string{
			HeaderFrontToken, HeaderAccessToken, HeaderRefreshToken, HeaderAntiCSRF,
		},
		AllowCredentials: true,
	})
	return c.Handler
}
