package querier

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func apiVersionHandler(versions ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"versions": versions})
	}
}

// TestAPIVersionNegotiation checks the highest common version wins and
// that the result is cached across calls.
func TestAPIVersionNegotiation(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, PathAPIVersion, r.URL.Path)
		calls.Add(1)
		apiVersionHandler("2.9", "3.0", "3.1", "4.0", "5.0")(w, r)
	}))
	defer srv.Close()

	q, err := New(Config{Hosts: []string{srv.URL}})
	require.NoError(t, err)

	v, err := q.APIVersion(t.Context())
	require.NoError(t, err)
	require.Equal(t, "4.0", v, "highest version common to both sides")

	_, err = q.APIVersion(t.Context())
	require.NoError(t, err)
	require.Equal(t, int64(1), calls.Load(), "negotiation result should be cached")
}

// TestAPIVersionNoOverlap checks negotiation fails cleanly when the core
// supports none of our versions.
func TestAPIVersionNoOverlap(t *testing.T) {
	srv := httptest.NewServer(apiVersionHandler("1.0", "2.0"))
	defer srv.Close()

	q, err := New(Config{Hosts: []string{srv.URL}})
	require.NoError(t, err)

	_, err = q.APIVersion(t.Context())
	require.Error(t, err)
}

// TestHostFallbackOnNetworkError puts a dead host first and checks the
// request lands on the live one.
func TestHostFallbackOnNetworkError(t *testing.T) {
	live := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == PathAPIVersion {
			apiVersionHandler("3.0", "3.1", "4.0")(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "OK"})
	}))
	defer live.Close()

	// A closed server yields a connect error, i.e. a network failure.
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := dead.URL
	dead.Close()

	q, err := New(Config{Hosts: []string{deadURL, live.URL}})
	require.NoError(t, err)

	raw, err := q.SendGet(t.Context(), "/recipe/whatever", nil)
	require.NoError(t, err)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(raw, &resp))
	require.Equal(t, "OK", resp["status"])
}

// TestNoFallbackOnHTTPError checks an HTTP-level failure from the first
// host is authoritative: the second host must never see the request.
func TestNoFallbackOnHTTPError(t *testing.T) {
	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == PathAPIVersion {
			apiVersionHandler("3.0", "3.1", "4.0")(w, r)
			return
		}
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer first.Close()

	var secondHits atomic.Int64
	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secondHits.Add(1)
	}))
	defer second.Close()

	q, err := New(Config{Hosts: []string{first.URL, second.URL}})
	require.NoError(t, err)

	_, err = q.SendPost(t.Context(), "/recipe/thing", map[string]any{"a": 1})
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	require.Equal(t, http.StatusBadRequest, httpErr.StatusCode)
	require.Equal(t, int64(0), secondHits.Load(), "HTTP errors must not fall through to the next host")
}

// TestRateLimitRetry checks 429 responses are retried with backoff and
// eventually succeed, while other statuses are not retried.
func TestRateLimitRetry(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == PathAPIVersion {
			apiVersionHandler("3.0", "3.1", "4.0")(w, r)
			return
		}
		if hits.Add(1) <= 2 {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "OK"})
	}))
	defer srv.Close()

	q, err := New(Config{Hosts: []string{srv.URL}})
	require.NoError(t, err)

	raw, err := q.SendGet(t.Context(), "/recipe/limited", nil)
	require.NoError(t, err)
	require.Contains(t, string(raw), "OK")
	require.Equal(t, int64(3), hits.Load(), "two 429s then success")
}

// TestRateLimitRetryExhaustion checks the retry budget is bounded.
func TestRateLimitRetryExhaustion(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == PathAPIVersion {
			apiVersionHandler("3.0", "3.1", "4.0")(w, r)
			return
		}
		hits.Add(1)
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	q, err := New(Config{Hosts: []string{srv.URL}})
	require.NoError(t, err)

	_, err = q.SendGet(t.Context(), "/recipe/limited", nil)
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	require.Equal(t, http.StatusTooManyRequests, httpErr.StatusCode)
	require.Equal(t, int64(1+maxRateLimitRetries), hits.Load())
}

// TestRequestHeaders checks the api key and negotiated version ride on
// every request.
func TestRequestHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == PathAPIVersion {
			apiVersionHandler("3.0", "3.1", "4.0")(w, r)
			return
		}
		require.Equal(t, "secret", r.Header.Get("api-key"))
		require.Equal(t, "4.0", r.Header.Get("cdi-version"))
		require.NotEmpty(t, r.Header.Get("x-request-id"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "OK"})
	}))
	defer srv.Close()

	q, err := New(Config{Hosts: []string{srv.URL}, APIKey: "secret"})
	require.NoError(t, err)

	_, err = q.SendDelete(t.Context(), "/recipe/thing", map[string]string{"id": "1"})
	require.NoError(t, err)
}

func TestNewRequiresHosts(t *testing.T) {
	_, err := New(Config{})
	require.ErrorIs(t, err, ErrNoHosts)
}
