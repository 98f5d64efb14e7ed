// Package httpx defines the normalized request/response contract the
// session core and recipes consume, plus the net/http adapter and the
// cookie/header token transfer rules. Framework wrappers only need to
// implement Request and Response; everything above them is transport
// agnostic.
package httpx

import (
	"net/http"
	"time"
)

// Request is the read side of the normalized contract.
type Request interface {
	GetMethod() string
	GetCookieValue(name string) string
	GetHeaderValue(name string) string
	GetJSONBody(v any) error
	GetKeyValueFromQuery(name string) string
}

// Response is the write side of the normalized contract. Implementations
// must tolerate SetCookie being called twice for the same cookie name by
// keeping only the last value; the session layer relies on that for
// coalescing token updates. SetStatusCode may be called before headers
// and cookies are final, so implementations must defer committing it
// until the body is written.
type Response interface {
	SetCookie(c Cookie)
	SetHeader(name, value string)
	SetStatusCode(code int)
	SendJSONResponse(obj any) error
}

// Cookie is the transport-neutral cookie shape.
type Cookie struct {
	Name     string
	Value    string
	Domain   string
	Path     string
	Expires  time.Time
	Secure   bool
	HTTPOnly bool
	SameSite http.SameSite
}
