// Package authlink is the SDK entry point: it wires the querier, the key
// cache and the configured recipes into one App, and serves the auth API
// surface as a mountable http.Handler.
package authlink

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/authlink/authlink/pkg/emailpassword"
	"github.com/authlink/authlink/pkg/httpx"
	"github.com/authlink/authlink/pkg/keycache"
	"github.com/authlink/authlink/pkg/passwordless"
	"github.com/authlink/authlink/pkg/querier"
	"github.com/authlink/authlink/pkg/session"
	"github.com/authlink/authlink/pkg/slogx"
)

// ErrNotInitialized is returned by accessors before Init has run.
var ErrNotInitialized = errors.New("authlink: not initialized, call authlink.Init first")

// App is a fully wired SDK instance.
type App struct {
	Config Config
	Log    *slog.Logger

	Querier *querier.Querier
	Keys    *keycache.Cache

	Session       *session.Recipe
	Passwordless  *passwordless.Recipe
	EmailPassword *emailpassword.Recipe
}

var instance *App

// Init wires the SDK once for the process. Later Init calls replace the
// instance; that is only useful in tests.
func Init(cfg Config) (*App, error) {
	log := slogx.New(cfg.Log)

	q, err := querier.New(querier.Config{
		Hosts:  cfg.Connection.Hosts,
		APIKey: cfg.Connection.APIKey,
	})
	if err != nil {
		return nil, err
	}

	keys := keycache.New(q, cfg.Keys)
	sessions := session.NewRecipe(q, keys, cfg.Session)

	app := &App{
		Config:  cfg,
		Log:     log,
		Querier: q,
		Keys:    keys,
		Session: sessions,
	}

	if cfg.Passwordless != nil {
		app.Passwordless = passwordless.NewRecipe(q, sessions, *cfg.Passwordless)
	}
	if cfg.EmailPassword != nil {
		app.EmailPassword = emailpassword.NewRecipe(q, sessions, *cfg.EmailPassword)
	}

	instance = app
	return app, nil
}

// GetApp returns the initialized instance.
func GetApp() (*App, error) {
	if instance == nil {
		return nil, ErrNotInitialized
	}
	return instance, nil
}

// Router returns the auth API surface, mounted under the configured base
// path. Mount it on the application's server, or serve it directly.
func (a *App) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(slogx.HTTPMiddleware(a.Log))

	origins := []string{}
	if a.Config.AppInfo.WebsiteDomain != "" {
		origins = append(origins, a.Config.AppInfo.WebsiteDomain)
	}
	r.Use(httpx.CORSMiddleware(origins))

	r.Route(a.Config.AppInfo.basePath(), func(r chi.Router) {
		r.Post("/session/refresh", a.Session.RefreshHandler())
		r.Post("/signout", a.Session.SignOutHandler())

		if a.Passwordless != nil {
			r.Post("/signinup/code", a.Passwordless.CodeCreateHandler())
			r.Post("/signinup/code/consume", a.Passwordless.CodeConsumeHandler())
		}
		if a.EmailPassword != nil {
			r.Post("/signup", a.EmailPassword.SignUpHandler())
			r.Post("/signin", a.EmailPassword.SignInHandler())
		}
	})

	return r
}

// VerifySession is a convenience forwarder to the session recipe's
// middleware, for applications that only hold the App.
func (a *App) VerifySession(opts session.MiddlewareOptions) func(http.Handler) http.Handler {
	return a.Session.VerifySession(opts)
}
