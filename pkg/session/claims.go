package session

import (
	"context"
	"time"
)

// Claims are typed, independently refreshable assertions riding inside
// the access token payload. A Claim is a stateless definition; its value
// lives under payload[Key] as {"v": value, "t": fetchedAtMs} and has no
// storage of its own, it piggybacks on payload mutation and rotation.

// Claim defines one named payload sub-field.
type Claim struct {
	// Key namespaces the claim inside the payload, e.g. "st-ev".
	Key string

	// Fetch loads the current value for a user. A nil value means
	// "unknown right now": the payload entry is left untouched.
	Fetch func(ctx context.Context, userID string, userContext map[string]any) (any, error)

	// DefaultMaxAge bounds how old a fetched value may be before
	// validators consider it stale. Zero disables the age check.
	DefaultMaxAge time.Duration
}

// Value returns the claim's stored value, if present.
func (c *Claim) Value(payload map[string]any) (any, bool) {
	entry, ok := payload[c.Key].(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := entry["v"]
	return v, ok
}

// FetchedAt returns when the claim value was last fetched.
func (c *Claim) FetchedAt(payload map[string]any) (time.Time, bool) {
	entry, ok := payload[c.Key].(map[string]any)
	if !ok {
		return time.Time{}, false
	}
	t, ok := entry["t"].(float64)
	if !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(t)).UTC(), true
}

// Entry builds the payload fragment for a freshly fetched value.
func (c *Claim) Entry(value any, now time.Time) map[string]any {
	return map[string]any{
		"v": value,
		"t": float64(now.UnixMilli()),
	}
}

// ValidationResult is one validator's verdict.
type ValidationResult struct {
	IsValid bool
	Reason  any
}

// Validator couples a claim to a staleness policy and a check. Failing
// validators are aggregated, never short-circuited; see
// Container.AssertClaims.
type Validator struct {
	ID    string
	Claim *Claim

	// ShouldRefetch reports whether the stored value is too stale to
	// judge and must be refetched before validating.
	ShouldRefetch func(payload map[string]any, now time.Time) bool

	// Validate judges the (possibly just refreshed) payload.
	Validate func(payload map[string]any, now time.Time) ValidationResult
}

// BooleanClaim is a Claim over a bool value with stock validators.
type BooleanClaim struct {
	Claim
}

// NewBooleanClaim builds a boolean claim definition.
func NewBooleanClaim(key string, fetch func(ctx context.Context, userID string, userContext map[string]any) (any, error), defaultMaxAge time.Duration) *BooleanClaim {
	return &BooleanClaim{Claim: Claim{Key: key, Fetch: fetch, DefaultMaxAge: defaultMaxAge}}
}

// HasValue validates that the claim currently equals want. maxAge of zero
// falls back to the claim's DefaultMaxAge.
func (b *BooleanClaim) HasValue(want bool, maxAge time.Duration) Validator {
	if maxAge == 0 {
		maxAge = b.DefaultMaxAge
	}

	return Validator{
		ID:    b.Key,
		Claim: &b.Claim,
		ShouldRefetch: func(payload map[string]any, now time.Time) bool {
			fetchedAt, ok := b.FetchedAt(payload)
			if !ok {
				return true // never fetched
			}
			return maxAge > 0 && now.Sub(fetchedAt) > maxAge
		},
		Validate: func(payload map[string]any, now time.Time) ValidationResult {
			v, ok := b.Value(payload)
			got, isBool := v.(bool)
			if ok && isBool && got == want {
				return ValidationResult{IsValid: true}
			}
			return ValidationResult{
				IsValid: false,
				Reason: map[string]any{
					"message":       "wrong value",
					"expectedValue": want,
					"actualValue":   v,
				},
			}
		},
	}
}

// IsTrue validates the claim is true, optimistically re-checking a false
// value faster than a true one: a negative state (e.g. email unverified)
// is the one likely to flip, so it gets its own shorter refetch window.
func (b *BooleanClaim) IsTrue(refetchTimeOnFalse, maxAge time.Duration) Validator {
	if maxAge == 0 {
		maxAge = b.DefaultMaxAge
	}
	if refetchTimeOnFalse == 0 {
		refetchTimeOnFalse = 10 * time.Second
	}

	base := b.HasValue(true, maxAge)
	base.ShouldRefetch = func(payload map[string]any, now time.Time) bool {
		fetchedAt, ok := b.FetchedAt(payload)
		if !ok {
			return true
		}
		if maxAge > 0 && now.Sub(fetchedAt) > maxAge {
			return true
		}
		v, _ := b.Value(payload)
		if got, isBool := v.(bool); isBool && !got {
			return now.Sub(fetchedAt) > refetchTimeOnFalse
		}
		return false
	}
	return base
}
