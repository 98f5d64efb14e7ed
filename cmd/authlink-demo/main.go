// Command authlink-demo runs a minimal application server with the auth
// routes mounted, against the core deployment named in the environment.
// It exists for local development and as wiring reference; real
// applications mount App.Router on their own server.
package main

import (
	"encoding/json"
	"log"
	"net/http"
	"os"

	"github.com/authlink/authlink"
	"github.com/authlink/authlink/pkg/session"
)

func main() {
	cfg, err := authlink.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	app, err := authlink.Init(cfg)
	if err != nil {
		log.Fatalf("failed to initialize authlink: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/auth/", app.Router())
	mux.Handle("/api/me", app.VerifySession(session.MiddlewareOptions{})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cont := session.FromContext(r.Context())
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"userId":  cont.GetUserID(),
				"payload": cont.GetAccessTokenPayload(),
			})
		})))

	addr := os.Getenv("AUTHLINK_DEMO_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	app.Log.Info("demo server listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
