package querier

import (
	"errors"
	"fmt"
)

// ErrNoHosts is returned when the querier is constructed without any
// core hosts to talk to.
var ErrNoHosts = errors.New("querier: no core hosts configured")

// HTTPError is a non-2xx response from the core, surfaced with the status
// code and whatever message the core provided. The session layer maps
// these onto its own taxonomy per endpoint.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("querier: core returned %d: %s", e.StatusCode, e.Message)
}

// NetworkError is a transport-level failure. The querier only returns one
// after the whole host list has been exhausted.
type NetworkError struct {
	Host string
	Err  error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("querier: request to %s failed: %v", e.Host, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }
