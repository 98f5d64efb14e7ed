package authlink

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/authlink/authlink/pkg/emailpassword"
	"github.com/authlink/authlink/pkg/httpx"
	"github.com/authlink/authlink/pkg/keycache"
	"github.com/authlink/authlink/pkg/passwordless"
	"github.com/authlink/authlink/pkg/session"
	"github.com/authlink/authlink/pkg/slogx"
)

// AppInfo identifies the application to its frontends: it drives cookie
// domains, CORS origins and the API base path.
type AppInfo struct {
	AppName       string
	APIDomain     string
	WebsiteDomain string

	// APIBasePath is where the auth routes mount. Defaults to "/auth".
	APIBasePath string
}

func (a AppInfo) basePath() string {
	p := a.APIBasePath
	if p == "" {
		p = "/auth"
	}
	return "/" + strings.Trim(p, "/")
}

// ConnectionInfo points at the remote core deployment.
type ConnectionInfo struct {
	// Hosts is the ordered core host list; see querier host fallback.
	Hosts  []string
	APIKey string
}

// Config is the whole SDK configuration.
type Config struct {
	AppInfo    AppInfo
	Connection ConnectionInfo

	Log slogx.Config

	Session       session.Config
	Keys          keycache.Options
	Passwordless  *passwordless.Config  // nil disables the recipe
	EmailPassword *emailpassword.Config // nil disables the recipe
}

// LoadConfigFromEnv builds a Config from AUTHLINK_* environment
// variables, loading a .env file first when one exists. Recipe configs
// and overrides have no env representation; set those in code after.
func LoadConfigFromEnv() (Config, error) {
	// Missing .env is fine; env vars may come from the real environment.
	_ = godotenv.Load()

	hosts := splitAndTrim(os.Getenv("AUTHLINK_CORE_HOSTS"))
	if len(hosts) == 0 {
		return Config{}, fmt.Errorf("authlink: AUTHLINK_CORE_HOSTS is required")
	}

	cfg := Config{
		AppInfo: AppInfo{
			AppName:       getEnvOrDefault("AUTHLINK_APP_NAME", "authlink"),
			APIDomain:     os.Getenv("AUTHLINK_API_DOMAIN"),
			WebsiteDomain: os.Getenv("AUTHLINK_WEBSITE_DOMAIN"),
			APIBasePath:   getEnvOrDefault("AUTHLINK_API_BASE_PATH", "/auth"),
		},
		Connection: ConnectionInfo{
			Hosts:  hosts,
			APIKey: os.Getenv("AUTHLINK_CORE_API_KEY"),
		},
		Log: slogx.Config{
			Service: getEnvOrDefault("AUTHLINK_APP_NAME", "authlink"),
			Env:     getEnvOrDefault("ENV", "dev"),
			Level:   getEnvOrDefault("LOG_LEVEL", "info"),
			Format:  getEnvOrDefault("LOG_FORMAT", "json"),
		},
		Session: session.Config{
			AntiCSRF:       os.Getenv("AUTHLINK_ANTI_CSRF"),
			TransferMethod: httpx.TransferMethod(os.Getenv("AUTHLINK_TOKEN_TRANSFER")),
			Cookie: httpx.CookieConfig{
				Domain: os.Getenv("AUTHLINK_COOKIE_DOMAIN"),
				Secure: getEnvOrDefault("AUTHLINK_COOKIE_SECURE", "true") == "true",
			},
		},
		Keys: keycache.Options{
			RefreshTTL: getEnvDurationOrDefault("AUTHLINK_JWKS_REFRESH_TTL", time.Hour),
			StaleGrace: getEnvDurationOrDefault("AUTHLINK_JWKS_STALE_GRACE", 24*time.Hour),
		},
	}

	switch strings.ToLower(os.Getenv("AUTHLINK_COOKIE_SAME_SITE")) {
	case "none":
		cfg.Session.Cookie.SameSite = http.SameSiteNoneMode
	case "strict":
		cfg.Session.Cookie.SameSite = http.SameSiteStrictMode
	default:
		cfg.Session.Cookie.SameSite = http.SameSiteLaxMode
	}

	return cfg, nil
}

func splitAndTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ";") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return defaultValue
}
