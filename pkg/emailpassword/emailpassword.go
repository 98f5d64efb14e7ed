// Package emailpassword implements classic credential login against the
// core, plus the email-verification claim that rides in the session
// payload. Password hashing and comparison happen core-side; this
// package only moves credentials over the authenticated channel.
package emailpassword

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/authlink/authlink/pkg/querier"
	"github.com/authlink/authlink/pkg/session"
)

// CoreClient is the slice of the querier this recipe uses.
type CoreClient interface {
	SendGet(ctx context.Context, path string, params map[string]string) (json.RawMessage, error)
	SendPost(ctx context.Context, path string, body any) (json.RawMessage, error)
}

const (
	pathSignUp      = "/recipe/signup"
	pathSignIn      = "/recipe/signin"
	pathEmailVerify = "/recipe/user/email/verify"
)

// Outcome statuses surfaced to callers.
const (
	StatusOK                 = "OK"
	StatusEmailAlreadyExists = "EMAIL_ALREADY_EXISTS_ERROR"
	StatusWrongCredentials   = "WRONG_CREDENTIALS_ERROR"
)

// User is an email/password account.
type User struct {
	ID         string    `json:"id"`
	Email      string    `json:"email"`
	TimeJoined time.Time `json:"timeJoined"`
}

// Result carries the outcome of SignUp or SignIn. User is set only on
// StatusOK.
type Result struct {
	Status string
	User   *User
}

// Config configures the emailpassword recipe.
type Config struct {
	// Override wraps the default implementation.
	Override func(original Interface) Interface
}

// Interface is the recipe's operation set.
type Interface interface {
	SignUp(ctx context.Context, email, password string) (*Result, error)
	SignIn(ctx context.Context, email, password string) (*Result, error)
	IsEmailVerified(ctx context.Context, userID string) (bool, error)
}

// Functions is the default Interface implementation.
type Functions struct {
	core CoreClient
}

// Recipe bundles the implementation with the session recipe that opens
// sessions for signed-in users.
type Recipe struct {
	Config   Config
	Impl     Interface
	Sessions *session.Recipe

	// EmailVerifiedClaim asserts the session user's email is verified;
	// hand it to Container.AssertClaims on routes that need it.
	EmailVerifiedClaim *session.BooleanClaim
}

// NewRecipe builds the emailpassword recipe.
func NewRecipe(core CoreClient, sessions *session.Recipe, cfg Config) *Recipe {
	var impl Interface = &Functions{core: core}
	if cfg.Override != nil {
		impl = cfg.Override(impl)
	}

	claim := session.NewBooleanClaim("st-ev",
		func(ctx context.Context, userID string, _ map[string]any) (any, error) {
			verified, err := impl.IsEmailVerified(ctx, userID)
			if err != nil {
				return nil, err
			}
			return verified, nil
		},
		5*time.Minute)

	return &Recipe{Config: cfg, Impl: impl, Sessions: sessions, EmailVerifiedClaim: claim}
}

// SignUp registers a new account. An already-taken email is a flow
// outcome, not an error.
func (f *Functions) SignUp(ctx context.Context, email, password string) (*Result, error) {
	return f.credentialCall(ctx, pathSignUp, email, password, StatusEmailAlreadyExists)
}

// SignIn checks credentials. The core deliberately collapses unknown
// email and bad password into one status.
func (f *Functions) SignIn(ctx context.Context, email, password string) (*Result, error) {
	return f.credentialCall(ctx, pathSignIn, email, password, StatusWrongCredentials)
}

func (f *Functions) credentialCall(ctx context.Context, path, email, password, failureStatus string) (*Result, error) {
	if email == "" || password == "" {
		return nil, fmt.Errorf("emailpassword: email and password are required")
	}

	raw, err := f.core.SendPost(ctx, path, map[string]any{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return nil, translateCoreError(err)
	}

	var resp struct {
		Status string `json:"status"`
		User   *struct {
			ID         string `json:"id"`
			Email      string `json:"email"`
			TimeJoined int64  `json:"timeJoined"`
		} `json:"user"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("emailpassword: decode response: %w", err)
	}

	switch resp.Status {
	case StatusOK:
		if resp.User == nil {
			return nil, fmt.Errorf("emailpassword: OK response without user")
		}
		return &Result{
			Status: StatusOK,
			User: &User{
				ID:         resp.User.ID,
				Email:      resp.User.Email,
				TimeJoined: time.UnixMilli(resp.User.TimeJoined).UTC(),
			},
		}, nil

	case failureStatus:
		return &Result{Status: resp.Status}, nil

	default:
		return nil, fmt.Errorf("emailpassword: unexpected status %q", resp.Status)
	}
}

// IsEmailVerified asks the core for the user's verification state.
func (f *Functions) IsEmailVerified(ctx context.Context, userID string) (bool, error) {
	raw, err := f.core.SendGet(ctx, pathEmailVerify, map[string]string{"userId": userID})
	if err != nil {
		return false, translateCoreError(err)
	}

	var resp struct {
		Status     string `json:"status"`
		IsVerified bool   `json:"isVerified"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return false, fmt.Errorf("emailpassword: decode email verify response: %w", err)
	}
	if resp.Status != StatusOK {
		return false, fmt.Errorf("emailpassword: unexpected email verify status %q", resp.Status)
	}
	return resp.IsVerified, nil
}

// translateCoreError keeps raw querier errors from leaking to handlers.
func translateCoreError(err error) error {
	var httpErr *querier.HTTPError
	if errors.As(err, &httpErr) {
		return fmt.Errorf("emailpassword: core request failed: %w", err)
	}
	return fmt.Errorf("emailpassword: core unreachable: %w", err)
}
