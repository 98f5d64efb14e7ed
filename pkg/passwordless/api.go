package passwordless

import (
	"net/http"

	"github.com/authlink/authlink/pkg/httpx"
	"github.com/authlink/authlink/pkg/session"
	"github.com/authlink/authlink/pkg/slogx"
)

// CodeCreateHandler serves POST {base}/signinup/code: starts a login
// attempt and sends the code out.
func (rp *Recipe) CodeCreateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		req := httpx.NewNetRequest(r)
		resp := httpx.NewNetResponse(w)

		var body struct {
			Email       string `json:"email"`
			PhoneNumber string `json:"phoneNumber"`
		}
		if err := req.GetJSONBody(&body); err != nil {
			resp.SetStatusCode(http.StatusBadRequest)
			_ = resp.SendJSONResponse(map[string]any{"message": "invalid JSON body"})
			return
		}
		if (body.Email == "") == (body.PhoneNumber == "") {
			resp.SetStatusCode(http.StatusBadRequest)
			_ = resp.SendJSONResponse(map[string]any{"message": "provide exactly one of email or phoneNumber"})
			return
		}

		device, err := rp.Impl.CreateCode(ctx, CreateCodeRequest{
			Email:       body.Email,
			PhoneNumber: body.PhoneNumber,
		})
		if err != nil {
			slogx.FromContext(ctx).Error("create code failed", "err", err)
			resp.SetStatusCode(http.StatusInternalServerError)
			_ = resp.SendJSONResponse(map[string]any{"message": "internal error"})
			return
		}

		resp.SetStatusCode(http.StatusOK)
		_ = resp.SendJSONResponse(map[string]any{
			"status":           StatusOK,
			"deviceId":         device.DeviceID,
			"preAuthSessionId": device.PreAuthSessionID,
			"flowType":         rp.Config.FlowType,
		})
	}
}

// CodeConsumeHandler serves POST {base}/signinup/code/consume: redeems a
// code and opens a session on success. Flow-level failures pass through
// as their status string with a 200, so frontends can branch on status
// without sniffing HTTP codes.
func (rp *Recipe) CodeConsumeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		req := httpx.NewNetRequest(r)
		resp := httpx.NewNetResponse(w)

		var body struct {
			PreAuthSessionID string `json:"preAuthSessionId"`
			DeviceID         string `json:"deviceId"`
			UserInputCode    string `json:"userInputCode"`
			LinkCode         string `json:"linkCode"`
		}
		if err := req.GetJSONBody(&body); err != nil {
			resp.SetStatusCode(http.StatusBadRequest)
			_ = resp.SendJSONResponse(map[string]any{"message": "invalid JSON body"})
			return
		}

		result, err := rp.Impl.ConsumeCode(ctx, ConsumeCodeRequest{
			PreAuthSessionID: body.PreAuthSessionID,
			DeviceID:         body.DeviceID,
			UserInputCode:    body.UserInputCode,
			LinkCode:         body.LinkCode,
		})
		if err != nil {
			slogx.FromContext(ctx).Error("consume code failed", "err", err)
			resp.SetStatusCode(http.StatusInternalServerError)
			_ = resp.SendJSONResponse(map[string]any{"message": "internal error"})
			return
		}

		if result.Status != StatusOK {
			out := map[string]any{"status": result.Status}
			if result.Status == StatusIncorrectUserInput {
				out["failedCodeInputAttemptCount"] = result.FailedAttempts
				out["maximumCodeInputAttempts"] = result.MaxAttempts
			}
			resp.SetStatusCode(http.StatusOK)
			_ = resp.SendJSONResponse(out)
			return
		}

		tokens, err := rp.Sessions.Impl.CreateNewSession(ctx, session.CreateRequest{
			UserID:       result.User.ID,
			RecipeUserID: result.User.ID,
		})
		if err != nil {
			slogx.FromContext(ctx).Error("session create after code consume failed", "err", err)
			resp.SetStatusCode(http.StatusInternalServerError)
			_ = resp.SendJSONResponse(map[string]any{"message": "internal error"})
			return
		}

		via := httpx.PreferredTransfer(req, rp.Sessions.Config.TransferMethod)
		rp.Sessions.AttachTokens(req, resp, via, tokens)

		resp.SetStatusCode(http.StatusOK)
		_ = resp.SendJSONResponse(map[string]any{
			"status":         StatusOK,
			"createdNewUser": result.CreatedNewUser,
			"user":           result.User,
		})
	}
}
