// Package querier is the RPC client for the remote authentication core.
// It handles host fallback, API version negotiation and the single
// rate-limit retry loop; it caches nothing except the negotiated API
// version (signing keys are cached by keycache, on top of this client).
package querier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/authlink/authlink/pkg/slogx"
)

const (
	headerAPIKey     = "api-key"
	headerAPIVersion = "cdi-version"
	headerRequestID  = "x-request-id"

	// maxRateLimitRetries bounds the 429 backoff loop per request.
	maxRateLimitRetries = 3
)

// Config configures a Querier.
type Config struct {
	// Hosts is the ordered list of candidate core base URLs. On a
	// network-level failure the same logical request is retried against
	// the next host before failing.
	Hosts []string

	// APIKey is attached to every request when set.
	APIKey string

	// HTTPClient lets callers supply their own client (timeouts, proxies).
	// The querier adds no timeout of its own.
	HTTPClient *http.Client
}

// Querier issues request/response calls against the core host list.
type Querier struct {
	hosts  []string
	apiKey string
	client *http.Client

	version versionCache
}

// New builds a Querier from config, normalising host URLs.
func New(cfg Config) (*Querier, error) {
	if len(cfg.Hosts) == 0 {
		return nil, ErrNoHosts
	}

	hosts := make([]string, 0, len(cfg.Hosts))
	for _, h := range cfg.Hosts {
		hosts = append(hosts, strings.TrimSuffix(h, "/"))
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	return &Querier{
		hosts:  hosts,
		apiKey: cfg.APIKey,
		client: client,
	}, nil
}

// SendGet issues a GET with optional query parameters.
func (q *Querier) SendGet(ctx context.Context, path string, params map[string]string) (json.RawMessage, error) {
	return q.do(ctx, http.MethodGet, path, params, nil)
}

// SendPost issues a POST with a JSON body.
func (q *Querier) SendPost(ctx context.Context, path string, body any) (json.RawMessage, error) {
	return q.do(ctx, http.MethodPost, path, nil, body)
}

// SendPut issues a PUT with a JSON body.
func (q *Querier) SendPut(ctx context.Context, path string, body any) (json.RawMessage, error) {
	return q.do(ctx, http.MethodPut, path, nil, body)
}

// SendDelete issues a DELETE with optional query parameters.
func (q *Querier) SendDelete(ctx context.Context, path string, params map[string]string) (json.RawMessage, error) {
	return q.do(ctx, http.MethodDelete, path, params, nil)
}

func (q *Querier) do(ctx context.Context, method, path string, params map[string]string, body any) (json.RawMessage, error) {
	apiVersion := ""
	if path != PathAPIVersion {
		v, err := q.APIVersion(ctx)
		if err != nil {
			return nil, err
		}
		apiVersion = v
	}

	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("querier: marshal body: %w", err)
		}
		payload = b
	}

	var lastNetErr error
	for _, host := range q.hosts {
		raw, err := q.tryHost(ctx, host, method, path, params, payload, apiVersion)
		if err == nil {
			return raw, nil
		}

		// Only network-level failures fall through to the next host.
		// HTTP errors are authoritative answers from the core.
		if ne, ok := err.(*NetworkError); ok {
			slogx.FromContext(ctx).Warn("core host unreachable, trying next",
				"host", host, "err", ne.Err)
			lastNetErr = err
			continue
		}
		return nil, err
	}

	return nil, lastNetErr
}

// tryHost performs the request against a single host, retrying bounded
// exponential backoff on 429 only.
func (q *Querier) tryHost(ctx context.Context, host, method, path string, params map[string]string, payload []byte, apiVersion string) (json.RawMessage, error) {
	var result json.RawMessage

	op := func() error {
		req, err := q.newRequest(ctx, host, method, path, params, payload, apiVersion)
		if err != nil {
			return backoff.Permanent(err)
		}

		resp, err := q.client.Do(req)
		if err != nil {
			return backoff.Permanent(&NetworkError{Host: host, Err: err})
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return backoff.Permanent(&NetworkError{Host: host, Err: err})
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			return &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return backoff.Permanent(&HTTPError{
				StatusCode: resp.StatusCode,
				Message:    strings.TrimSpace(string(data)),
			})
		}

		result = data
		return nil
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRateLimitRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return result, nil
}

func (q *Querier) newRequest(ctx context.Context, host, method, path string, params map[string]string, payload []byte, apiVersion string) (*http.Request, error) {
	u := host + path
	if len(params) > 0 {
		vals := url.Values{}
		for k, v := range params {
			vals.Set(k, v)
		}
		u += "?" + vals.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("querier: build request: %w", err)
	}

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if q.apiKey != "" {
		req.Header.Set(headerAPIKey, q.apiKey)
	}
	if apiVersion != "" {
		req.Header.Set(headerAPIVersion, apiVersion)
	}
	req.Header.Set(headerRequestID, uuid.NewString())

	return req, nil
}
