package keycache

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeCore serves a JWKS document and counts fetches.
type fakeCore struct {
	mu    sync.Mutex
	jwks  JWKS
	err   error
	calls atomic.Int64
	delay time.Duration
}

func (f *fakeCore) SendGet(ctx context.Context, path string, params map[string]string) (json.RawMessage, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return json.Marshal(f.jwks)
}

func (f *fakeCore) setKeys(keys ...JWK) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jwks = JWKS{Keys: keys}
	f.err = nil
}

func (f *fakeCore) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func newTestJWK(t *testing.T, kid string) (JWK, *rsa.PublicKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pub := &priv.PublicKey
	return JWK{
		Kty: "RSA",
		Kid: kid,
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}, pub
}

// TestGetKeyFetchesOnMiss checks a cold cache refreshes once and returns
// the parsed public key.
func TestGetKeyFetchesOnMiss(t *testing.T) {
	jwk, pub := newTestJWK(t, "kid-1")
	core := &fakeCore{}
	core.setKeys(jwk)

	cache := New(core, Options{})

	got, err := cache.GetKey(t.Context(), "kid-1")
	require.NoError(t, err)
	require.Equal(t, pub.N, got.(*rsa.PublicKey).N)
	require.Equal(t, int64(1), core.calls.Load())

	// Fresh hit, no second fetch.
	_, err = cache.GetKey(t.Context(), "kid-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), core.calls.Load())
}

// TestGetKeyRotationContinuity rotates the core's keys and checks a
// token signed with the new key verifies immediately: an unseen kid
// outside the cooldown triggers one refresh before "not found".
func TestGetKeyRotationContinuity(t *testing.T) {
	jwk1, _ := newTestJWK(t, "kid-1")
	core := &fakeCore{}
	core.setKeys(jwk1)

	cache := New(core, Options{RefreshCooldown: time.Nanosecond})
	_, err := cache.GetKey(t.Context(), "kid-1")
	require.NoError(t, err)

	// Core rotates: a new key appears alongside the old one.
	jwk2, pub2 := newTestJWK(t, "kid-2")
	core.setKeys(jwk1, jwk2)

	got, err := cache.GetKey(t.Context(), "kid-2")
	require.NoError(t, err)
	require.Equal(t, pub2.N, got.(*rsa.PublicKey).N)

	// The old key is still served; in-flight tokens keep verifying.
	_, err = cache.GetKey(t.Context(), "kid-1")
	require.NoError(t, err)
}

// TestGetKeyUnknownAfterRefresh checks ErrKeyNotFound is only returned
// once a refresh attempt has actually happened.
func TestGetKeyUnknownAfterRefresh(t *testing.T) {
	jwk, _ := newTestJWK(t, "kid-1")
	core := &fakeCore{}
	core.setKeys(jwk)

	cache := New(core, Options{})

	_, err := cache.GetKey(t.Context(), "nope")
	require.ErrorIs(t, err, ErrKeyNotFound)
	require.Equal(t, int64(1), core.calls.Load(), "miss must refresh before failing")
}

// TestGetKeyUnknownKidCooldown sprays bogus kids at a freshly refreshed
// cache: only the first miss may reach the core, the rest fail locally
// until the cooldown lapses.
func TestGetKeyUnknownKidCooldown(t *testing.T) {
	jwk, _ := newTestJWK(t, "kid-1")
	core := &fakeCore{}
	core.setKeys(jwk)

	cache := New(core, Options{RefreshCooldown: time.Hour})

	_, err := cache.GetKey(t.Context(), "bogus-1")
	require.ErrorIs(t, err, ErrKeyNotFound)
	require.Equal(t, int64(1), core.calls.Load(), "first miss refreshes")

	for _, kid := range []string{"bogus-2", "bogus-3", "bogus-4"} {
		_, err = cache.GetKey(t.Context(), kid)
		require.ErrorIs(t, err, ErrKeyNotFound)
	}
	require.Equal(t, int64(1), core.calls.Load(), "misses inside the cooldown must not fetch")

	// Known keys from the last fetch are unaffected.
	_, err = cache.GetKey(t.Context(), "kid-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), core.calls.Load())
}

// TestGetKeyConcurrentRefreshSingleFlight storms a cold cache from many
// goroutines and checks they share one JWKS fetch.
func TestGetKeyConcurrentRefreshSingleFlight(t *testing.T) {
	jwk, _ := newTestJWK(t, "kid-1")
	core := &fakeCore{delay: 50 * time.Millisecond}
	core.setKeys(jwk)

	cache := New(core, Options{})

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.GetKey(context.Background(), "kid-1")
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Equal(t, int64(1), core.calls.Load(), "concurrent misses must share one fetch")
}

// TestGetKeyStaleGrace makes the core unreachable after one good fetch
// and checks the cache keeps serving within the grace window, then
// fails once the window is exhausted.
func TestGetKeyStaleGrace(t *testing.T) {
	jwk, _ := newTestJWK(t, "kid-1")
	core := &fakeCore{}
	core.setKeys(jwk)

	t.Run("serves stale inside grace", func(t *testing.T) {
		cache := New(core, Options{RefreshTTL: time.Millisecond, StaleGrace: time.Hour})
		_, err := cache.GetKey(t.Context(), "kid-1")
		require.NoError(t, err)

		time.Sleep(5 * time.Millisecond) // let the TTL lapse
		core.fail(errors.New("core down"))
		defer core.setKeys(jwk)

		_, err = cache.GetKey(t.Context(), "kid-1")
		require.NoError(t, err, "stale key inside grace should still be served")
	})

	t.Run("fails past grace", func(t *testing.T) {
		cache := New(core, Options{RefreshTTL: time.Millisecond, StaleGrace: time.Millisecond})
		_, err := cache.GetKey(t.Context(), "kid-1")
		require.NoError(t, err)

		time.Sleep(10 * time.Millisecond)
		core.fail(errors.New("core down"))
		defer core.setKeys(jwk)

		_, err = cache.GetKey(t.Context(), "kid-1")
		require.ErrorIs(t, err, ErrKeyNotFound)
	})
}

// TestStaticKeySelection covers window-based lookup of legacy keys.
func TestStaticKeySelection(t *testing.T) {
	now := time.Now()
	old := StaticKey{KID: "s-old", Secret: []byte("old"), CreatedAt: now.Add(-48 * time.Hour), ValidUntil: now.Add(-24 * time.Hour)}
	cur := StaticKey{KID: "s-cur", Secret: []byte("cur"), CreatedAt: now.Add(-24 * time.Hour)}

	cache := New(&fakeCore{}, Options{StaticKeys: []StaticKey{old, cur}})

	got, err := cache.GetStaticKeyForTime(now.Add(-36 * time.Hour))
	require.NoError(t, err)
	require.Equal(t, "s-old", got.KID)

	got, err = cache.GetStaticKeyForTime(now)
	require.NoError(t, err)
	require.Equal(t, "s-cur", got.KID)

	_, err = cache.GetStaticKeyForTime(now.Add(-72 * time.Hour))
	require.ErrorIs(t, err, ErrKeyNotFound)

	got, err = cache.GetStaticKeyForKID("s-old")
	require.NoError(t, err)
	require.Equal(t, []byte("old"), got.Secret)

	_, err = cache.GetStaticKeyForKID("")
	require.ErrorIs(t, err, ErrKeyNotFound)

	latest, err := cache.LatestStaticKey()
	require.NoError(t, err)
	require.Equal(t, "s-cur", latest.KID)
}
