// Package passwordless implements OTP / magic-link login on top of the
// core: a login attempt creates a code device, the code travels out via a
// delivery channel, and consuming it signs the user in and opens a
// session. Consumed or superseded codes are dead; replaying one restarts
// the whole flow rather than leaking whether it ever existed.
package passwordless

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/authlink/authlink/pkg/delivery"
	"github.com/authlink/authlink/pkg/querier"
	"github.com/authlink/authlink/pkg/session"
)

// CoreClient is the slice of the querier this recipe uses.
type CoreClient interface {
	SendPost(ctx context.Context, path string, body any) (json.RawMessage, error)
}

const (
	pathCodeCreate  = "/recipe/signinup/code"
	pathCodeConsume = "/recipe/signinup/code/consume"
)

// Flow statuses returned by the core and surfaced to callers.
const (
	StatusOK                 = "OK"
	StatusIncorrectUserInput = "INCORRECT_USER_INPUT_CODE_ERROR"
	StatusExpiredUserInput   = "EXPIRED_USER_INPUT_CODE_ERROR"
	StatusRestartFlow        = "RESTART_FLOW_ERROR"
)

// FlowType selects what the login email/SMS carries.
type FlowType string

const (
	FlowUserInputCode FlowType = "USER_INPUT_CODE"
	FlowMagicLink     FlowType = "MAGIC_LINK"
	FlowBoth          FlowType = "USER_INPUT_CODE_AND_MAGIC_LINK"
)

// Config configures the passwordless recipe.
type Config struct {
	FlowType FlowType // defaults to FlowBoth

	// EmailSender and SMSSender deliver codes for email and phone
	// contacts respectively. A contact method without a configured
	// sender is rejected at CreateCode time.
	EmailSender delivery.EmailSender
	SMSSender   delivery.SMSSender

	// LinkBaseURL is the frontend URL magic links point at; the link code
	// rides in the fragment so it never reaches intermediary logs.
	LinkBaseURL string

	// CodeLifetime defaults to 15 minutes.
	CodeLifetime time.Duration

	// Override wraps the default implementation.
	Override func(original Interface) Interface
}

func (c Config) normalised() Config {
	if c.FlowType == "" {
		c.FlowType = FlowBoth
	}
	if c.CodeLifetime <= 0 {
		c.CodeLifetime = 15 * time.Minute
	}
	return c
}

// CreateCodeRequest identifies the contact to send a login code to.
// Exactly one of Email or PhoneNumber must be set.
type CreateCodeRequest struct {
	Email       string
	PhoneNumber string
}

// DeviceInfo describes the code device a login attempt runs on. The
// client needs PreAuthSessionID and DeviceID to consume the code later.
type DeviceInfo struct {
	DeviceID         string
	PreAuthSessionID string
	CodeLifetime     time.Duration
	TimeCreated      time.Time
}

// ConsumeCodeRequest redeems a code. UserInputCode goes with the device
// pair; LinkCode stands alone (it encodes the device).
type ConsumeCodeRequest struct {
	PreAuthSessionID string
	DeviceID         string
	UserInputCode    string
	LinkCode         string
}

// User is the account a consumed code resolved to.
type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email,omitempty"`
	PhoneNumber string    `json:"phoneNumber,omitempty"`
	TimeJoined  time.Time `json:"timeJoined"`
}

// ConsumeResult reports the outcome of ConsumeCode. Status is always set;
// User and CreatedNewUser only on StatusOK, the attempt counters only on
// StatusIncorrectUserInput.
type ConsumeResult struct {
	Status         string
	CreatedNewUser bool
	User           *User

	FailedAttempts int
	MaxAttempts    int
}

// Interface is the recipe's operation set, overridable via Config.
type Interface interface {
	CreateCode(ctx context.Context, req CreateCodeRequest) (*DeviceInfo, error)
	ConsumeCode(ctx context.Context, req ConsumeCodeRequest) (*ConsumeResult, error)
}

// Functions is the default Interface implementation.
type Functions struct {
	core CoreClient
	cfg  Config
}

// Recipe bundles the implementation with the session recipe that opens
// sessions for consumed codes.
type Recipe struct {
	Config   Config
	Impl     Interface
	Sessions *session.Recipe
}

// NewRecipe builds the passwordless recipe.
func NewRecipe(core CoreClient, sessions *session.Recipe, cfg Config) *Recipe {
	cfg = cfg.normalised()

	var impl Interface = &Functions{core: core, cfg: cfg}
	if cfg.Override != nil {
		impl = cfg.Override(impl)
	}

	return &Recipe{Config: cfg, Impl: impl, Sessions: sessions}
}

// CreateCode registers a new code device with the core and delivers the
// code over the contact's channel. Creating a second code for the same
// contact supersedes earlier devices.
func (f *Functions) CreateCode(ctx context.Context, req CreateCodeRequest) (*DeviceInfo, error) {
	if (req.Email == "") == (req.PhoneNumber == "") {
		return nil, fmt.Errorf("passwordless: exactly one of email or phone number must be set")
	}
	if req.Email != "" && f.cfg.EmailSender == nil {
		return nil, fmt.Errorf("passwordless: no email sender configured")
	}
	if req.PhoneNumber != "" && f.cfg.SMSSender == nil {
		return nil, fmt.Errorf("passwordless: no sms sender configured")
	}

	body := map[string]any{
		"deviceId":       uuid.NewString(),
		"codeLifetimeMs": f.cfg.CodeLifetime.Milliseconds(),
	}
	if req.Email != "" {
		body["email"] = req.Email
	} else {
		body["phoneNumber"] = req.PhoneNumber
	}

	raw, err := f.core.SendPost(ctx, pathCodeCreate, body)
	if err != nil {
		return nil, translateCoreError(err)
	}

	var resp struct {
		Status           string `json:"status"`
		DeviceID         string `json:"deviceId"`
		PreAuthSessionID string `json:"preAuthSessionId"`
		UserInputCode    string `json:"userInputCode"`
		LinkCode         string `json:"linkCode"`
		CodeLifetimeMs   int64  `json:"codeLifetimeMs"`
		TimeCreated      int64  `json:"timeCreated"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("passwordless: decode create code response: %w", err)
	}
	if resp.Status != StatusOK {
		return nil, fmt.Errorf("passwordless: unexpected create code status %q", resp.Status)
	}

	lifetime := time.Duration(resp.CodeLifetimeMs) * time.Millisecond

	var code, link string
	if f.cfg.FlowType != FlowMagicLink {
		code = resp.UserInputCode
	}
	if f.cfg.FlowType != FlowUserInputCode {
		link = fmt.Sprintf("%s#%s", f.cfg.LinkBaseURL, resp.LinkCode)
	}

	if req.Email != "" {
		err = f.cfg.EmailSender.SendLoginEmail(ctx, delivery.LoginEmail{
			To: req.Email, Code: code, MagicLink: link, ExpiresIn: lifetime,
		})
	} else {
		err = f.cfg.SMSSender.SendLoginSMS(ctx, delivery.LoginSMS{
			To: req.PhoneNumber, Code: code, MagicLink: link, ExpiresIn: lifetime,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("passwordless: deliver login code: %w", err)
	}

	return &DeviceInfo{
		DeviceID:         resp.DeviceID,
		PreAuthSessionID: resp.PreAuthSessionID,
		CodeLifetime:     lifetime,
		TimeCreated:      time.UnixMilli(resp.TimeCreated).UTC(),
	}, nil
}

// ConsumeCode redeems a code against the core. Non-OK flow outcomes come
// back in the result status, not as errors; only transport and protocol
// failures error out.
func (f *Functions) ConsumeCode(ctx context.Context, req ConsumeCodeRequest) (*ConsumeResult, error) {
	body := map[string]any{"preAuthSessionId": req.PreAuthSessionID}
	switch {
	case req.LinkCode != "":
		body["linkCode"] = req.LinkCode
	case req.UserInputCode != "" && req.DeviceID != "":
		body["deviceId"] = req.DeviceID
		body["userInputCode"] = req.UserInputCode
	default:
		return nil, fmt.Errorf("passwordless: need a link code or a device id with a user input code")
	}

	raw, err := f.core.SendPost(ctx, pathCodeConsume, body)
	if err != nil {
		return nil, translateCoreError(err)
	}

	var resp struct {
		Status         string `json:"status"`
		CreatedNewUser bool   `json:"createdNewUser"`
		User           *struct {
			ID          string `json:"id"`
			Email       string `json:"email"`
			PhoneNumber string `json:"phoneNumber"`
			TimeJoined  int64  `json:"timeJoined"`
		} `json:"user"`
		FailedCodeInputAttemptCount int `json:"failedCodeInputAttemptCount"`
		MaximumCodeInputAttempts    int `json:"maximumCodeInputAttempts"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("passwordless: decode consume code response: %w", err)
	}

	switch resp.Status {
	case StatusOK:
		if resp.User == nil {
			return nil, fmt.Errorf("passwordless: consume OK without user")
		}
		return &ConsumeResult{
			Status:         StatusOK,
			CreatedNewUser: resp.CreatedNewUser,
			User: &User{
				ID:          resp.User.ID,
				Email:       resp.User.Email,
				PhoneNumber: resp.User.PhoneNumber,
				TimeJoined:  time.UnixMilli(resp.User.TimeJoined).UTC(),
			},
		}, nil

	case StatusIncorrectUserInput:
		return &ConsumeResult{
			Status:         StatusIncorrectUserInput,
			FailedAttempts: resp.FailedCodeInputAttemptCount,
			MaxAttempts:    resp.MaximumCodeInputAttempts,
		}, nil

	case StatusExpiredUserInput, StatusRestartFlow:
		return &ConsumeResult{Status: resp.Status}, nil

	default:
		return nil, fmt.Errorf("passwordless: unexpected consume code status %q", resp.Status)
	}
}

// translateCoreError keeps raw querier errors from leaking to handlers.
func translateCoreError(err error) error {
	var httpErr *querier.HTTPError
	if errors.As(err, &httpErr) {
		return fmt.Errorf("passwordless: core request failed: %w", err)
	}
	return fmt.Errorf("passwordless: core unreachable: %w", err)
}
