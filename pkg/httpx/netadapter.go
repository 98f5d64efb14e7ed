package httpx

import (
	"encoding/json"
	"net/http"
)

// NetRequest adapts a *http.Request to the normalized contract.
type NetRequest struct {
	R *http.Request
}

func NewNetRequest(r *http.Request) *NetRequest { return &NetRequest{R: r} }

func (n *NetRequest) GetMethod() string { return n.R.Method }

func (n *NetRequest) GetCookieValue(name string) string {
	c, err := n.R.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

func (n *NetRequest) GetHeaderValue(name string) string {
	return n.R.Header.Get(name)
}

func (n *NetRequest) GetJSONBody(v any) error {
	return json.NewDecoder(n.R.Body).Decode(v)
}

func (n *NetRequest) GetKeyValueFromQuery(name string) string {
	return n.R.URL.Query().Get(name)
}

// NetResponse adapts an http.ResponseWriter. Cookies and the status code
// are buffered: repeated cookie sets within one request collapse to the
// final value, and the status only hits the wire with the body, so
// headers set after SetStatusCode still make it out.
type NetResponse struct {
	W http.ResponseWriter

	cookies     map[string]Cookie
	cookieOrder []string
	status      int
	wrote       bool
}

func NewNetResponse(w http.ResponseWriter) *NetResponse {
	return &NetResponse{W: w, cookies: make(map[string]Cookie)}
}

func (n *NetResponse) SetCookie(c Cookie) {
	if _, seen := n.cookies[c.Name]; !seen {
		n.cookieOrder = append(n.cookieOrder, c.Name)
	}
	n.cookies[c.Name] = c
}

func (n *NetResponse) SetHeader(name, value string) {
	n.W.Header().Set(name, value)
}

func (n *NetResponse) SetStatusCode(code int) {
	if !n.wrote {
		n.status = code
	}
}

func (n *NetResponse) SendJSONResponse(obj any) error {
	NoCache(n.W)
	n.W.Header().Set("Content-Type", "application/json")
	n.Flush()
	if !n.wrote {
		code := n.status
		if code == 0 {
			code = http.StatusOK
		}
		n.W.WriteHeader(code)
		n.wrote = true
	}
	return json.NewEncoder(n.W).Encode(obj)
}

// Flush writes the buffered cookies out. Safe to call repeatedly.
func (n *NetResponse) Flush() {
	for _, name := range n.cookieOrder {
		c := n.cookies[name]
		http.SetCookie(n.W, &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
			SameSite: c.SameSite,
		})
		delete(n.cookies, name)
	}
	n.cookieOrder = n.cookieOrder[:0]
}

// FlushingWriter hands a buffered NetResponse's cookies to the wire
// before a downstream handler writes its first byte. Middleware wraps the
// original writer in one of these when passing control on.
type FlushingWriter struct {
	http.ResponseWriter

	Resp        *NetResponse
	wroteHeader bool
}

func (f *FlushingWriter) WriteHeader(code int) {
	if !f.wroteHeader {
		f.Resp.Flush()
		f.wroteHeader = true
	}
	f.ResponseWriter.WriteHeader(code)
}

func (f *FlushingWriter) Write(b []byte) (int, error) {
	if !f.wroteHeader {
		f.Resp.Flush()
		f.wroteHeader = true
	}
	return f.ResponseWriter.Write(b)
}
