package emailpassword

import (
	"context"
	"net/http"

	"github.com/authlink/authlink/pkg/httpx"
	"github.com/authlink/authlink/pkg/session"
	"github.com/authlink/authlink/pkg/slogx"
)

// SignUpHandler serves POST {base}/signup. A fresh account gets a
// session straight away.
func (rp *Recipe) SignUpHandler() http.HandlerFunc {
	return rp.credentialHandler(func(ctx context.Context, email, password string) (*Result, error) {
		return rp.Impl.SignUp(ctx, email, password)
	})
}

// SignInHandler serves POST {base}/signin.
func (rp *Recipe) SignInHandler() http.HandlerFunc {
	return rp.credentialHandler(func(ctx context.Context, email, password string) (*Result, error) {
		return rp.Impl.SignIn(ctx, email, password)
	})
}

func (rp *Recipe) credentialHandler(op func(ctx context.Context, email, password string) (*Result, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		req := httpx.NewNetRequest(r)
		resp := httpx.NewNetResponse(w)

		var body struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := req.GetJSONBody(&body); err != nil || body.Email == "" || body.Password == "" {
			resp.SetStatusCode(http.StatusBadRequest)
			_ = resp.SendJSONResponse(map[string]any{"message": "email and password are required"})
			return
		}

		result, err := op(ctx, body.Email, body.Password)
		if err != nil {
			slogx.FromContext(ctx).Error("credential operation failed", "err", err)
			resp.SetStatusCode(http.StatusInternalServerError)
			_ = resp.SendJSONResponse(map[string]any{"message": "internal error"})
			return
		}

		if result.Status != StatusOK {
			resp.SetStatusCode(http.StatusOK)
			_ = resp.SendJSONResponse(map[string]any{"status": result.Status})
			return
		}

		tokens, err := rp.Sessions.Impl.CreateNewSession(ctx, session.CreateRequest{
			UserID:       result.User.ID,
			RecipeUserID: result.User.ID,
		})
		if err != nil {
			slogx.FromContext(ctx).Error("session create after sign in failed", "err", err)
			resp.SetStatusCode(http.StatusInternalServerError)
			_ = resp.SendJSONResponse(map[string]any{"message": "internal error"})
			return
		}

		via := httpx.PreferredTransfer(req, rp.Sessions.Config.TransferMethod)
		rp.Sessions.AttachTokens(req, resp, via, tokens)

		resp.SetStatusCode(http.StatusOK)
		_ = resp.SendJSONResponse(map[string]any{
			"status": StatusOK,
			"user":   result.User,
		})
	}
}
