// Package keycache holds the verification keys valid at a point in time,
// refreshing them from the core when stale or absent.
//
// Two key families live here: dynamic RS256 keys published by the core's
// JWKS endpoint, and legacy static HS256 secrets configured locally.
// Dynamic keys are the only cross-request mutable state in the SDK, so
// refreshes are single-flighted: concurrent cache misses share one
// network call instead of storming the core.
package keycache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/authlink/authlink/pkg/slogx"
)

// PathJWKS is the core endpoint serving dynamic signing keys.
const PathJWKS = "/.well-known/jwks.json"

// ErrKeyNotFound means the kid is unknown even after a refresh attempt.
// Callers should treat this as retryable from the client's point of view:
// the token may be signed by a very new key not yet replicated.
var ErrKeyNotFound = errors.New("keycache: key not found")

// CoreClient is the slice of the querier the cache needs.
type CoreClient interface {
	SendGet(ctx context.Context, path string, params map[string]string) (json.RawMessage, error)
}

// StaticKey is a legacy symmetric signing key with a validity window.
// Deployments that have never rotated have exactly one, with an open
// window.
type StaticKey struct {
	KID        string
	Secret     []byte
	CreatedAt  time.Time
	ValidUntil time.Time // zero means still valid
}

// Options tunes cache behaviour.
type Options struct {
	// RefreshTTL is how long a fetched key set is considered fresh.
	// Defaults to the core's typical rotation interval of 1h.
	RefreshTTL time.Duration

	// StaleGrace is how long past RefreshTTL the cache keeps serving
	// known keys when the core is unreachable. Defaults to 24h.
	StaleGrace time.Duration

	// RefreshCooldown bounds how often an unknown kid can force a JWKS
	// fetch: within the cooldown of a completed refresh the kid is
	// reported not found without another network call. A request spraying
	// bogus kids must not turn into per-request core fetches. Defaults
	// to 500ms.
	RefreshCooldown time.Duration

	// StaticKeys configures the legacy HS256 secrets, newest first is
	// not required; lookup sorts by window.
	StaticKeys []StaticKey
}

// Cache is the in-process signing key cache.
type Cache struct {
	core     CoreClient
	ttl      time.Duration
	grace    time.Duration
	cooldown time.Duration

	static []StaticKey

	mu          sync.RWMutex
	keys        map[string]any
	fetchedAt   time.Time
	lastAttempt time.Time

	group singleflight.Group
}

// New builds a Cache over the given core client.
func New(core CoreClient, opts Options) *Cache {
	ttl := opts.RefreshTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	grace := opts.StaleGrace
	if grace <= 0 {
		grace = 24 * time.Hour
	}
	cooldown := opts.RefreshCooldown
	if cooldown <= 0 {
		cooldown = 500 * time.Millisecond
	}

	return &Cache{
		core:     core,
		ttl:      ttl,
		grace:    grace,
		cooldown: cooldown,
		static:   opts.StaticKeys,
		keys:     make(map[string]any),
	}
}

// GetKey returns the public key for the given kid, refreshing the key set
// from the core when the kid is unknown or the cache is stale. The cache
// never answers "not found" for an unseen kid without attempting one
// refresh first, except within the refresh cooldown: a kid still unknown
// right after a completed fetch fails without another network call.
func (c *Cache) GetKey(ctx context.Context, kid string) (any, error) {
	c.mu.RLock()
	key, ok := c.keys[kid]
	fresh := time.Since(c.fetchedAt) < c.ttl
	cooled := time.Since(c.lastAttempt) < c.cooldown
	c.mu.RUnlock()

	if ok && fresh {
		return key, nil
	}
	if !ok && cooled {
		return nil, ErrKeyNotFound
	}

	if err := c.refresh(ctx); err != nil {
		// Core unreachable: serve the last known key if it is still
		// inside the grace window, else surface the failure.
		c.mu.RLock()
		key, ok = c.keys[kid]
		withinGrace := time.Since(c.fetchedAt) < c.ttl+c.grace
		c.mu.RUnlock()

		if ok && withinGrace {
			slogx.FromContext(ctx).Warn("serving stale signing key, core refresh failed",
				"kid", kid, "err", err)
			return key, nil
		}
		return nil, fmt.Errorf("%w: refresh failed: %v", ErrKeyNotFound, err)
	}

	c.mu.RLock()
	key, ok = c.keys[kid]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrKeyNotFound
	}
	return key, nil
}

// GetStaticKeyForTime selects the most recent static key whose validity
// window contains createdAt.
func (c *Cache) GetStaticKeyForTime(createdAt time.Time) (StaticKey, error) {
	var best StaticKey
	found := false

	for _, k := range c.static {
		if createdAt.Before(k.CreatedAt) {
			continue
		}
		if !k.ValidUntil.IsZero() && createdAt.After(k.ValidUntil) {
			continue
		}
		if !found || k.CreatedAt.After(best.CreatedAt) {
			best = k
			found = true
		}
	}

	if !found {
		return StaticKey{}, ErrKeyNotFound
	}
	return best, nil
}

// GetStaticKeyForKID returns the static key with the given kid, if any.
func (c *Cache) GetStaticKeyForKID(kid string) (StaticKey, error) {
	if kid == "" {
		return StaticKey{}, ErrKeyNotFound
	}
	for _, k := range c.static {
		if k.KID == kid {
			return k, nil
		}
	}
	return StaticKey{}, ErrKeyNotFound
}

// LatestStaticKey returns the newest configured static key, used when
// minting tokens with useStaticKey.
func (c *Cache) LatestStaticKey() (StaticKey, error) {
	return c.GetStaticKeyForTime(time.Now())
}

// refresh fetches the JWKS from the core. Concurrent callers share one
// in-flight fetch. The attempt time is recorded on completion, success
// or not, so waiters already queued still join the flight.
func (c *Cache) refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("jwks", func() (any, error) {
		defer func() {
			c.mu.Lock()
			c.lastAttempt = time.Now()
			c.mu.Unlock()
		}()

		raw, err := c.core.SendGet(ctx, PathJWKS, nil)
		if err != nil {
			return nil, err
		}

		var jwks JWKS
		if err := json.Unmarshal(raw, &jwks); err != nil {
			return nil, fmt.Errorf("keycache: decode jwks: %w", err)
		}

		next := make(map[string]any, len(jwks.Keys))
		for _, j := range jwks.Keys {
			key, err := parseJWKToKey(j)
			if err != nil {
				return nil, err
			}
			next[j.Kid] = key
		}

		c.mu.Lock()
		c.keys = next
		c.fetchedAt = time.Now()
		c.mu.Unlock()

		return nil, nil
	})
	return err
}
