package domain

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// Request is the canonical inbound request evaluated by the engine.
//
// Adapters own converting native framework requests into this shape, including
// absolute URL reconstruction when the framework only exposes a path. Body is
// captured up front (size-capped by the adapter) so rules can inspect it
// without consuming a one-shot stream.
type Request struct {
	Method     string
	URL        string // absolute, e.g. "https://example.com/login?next=/"
	Headers    http.Header
	Body       []byte
	RemoteAddr string // socket peer address, client IP fallback
}

// forwardedHeaders lists client-address headers in first-hop precedence order.
var forwardedHeaders = []string{"X-Forwarded-For", "X-Real-Ip"}

// ClientIP resolves the source address of the request: the first entry of a
// forwarding header when present, otherwise the socket peer address with any
// port stripped. Returns "" when neither is available.
func (r *Request) ClientIP() string {
	for _, name := range forwardedHeaders {
		if v := r.Headers.Get(name); v != "" {
			first, _, _ := strings.Cut(v, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	if r.RemoteAddr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// ParsedURL returns the request URL in parsed form. An unparsable URL yields
// an empty value rather than an error so evaluation stays on the fast path.
func (r *Request) ParsedURL() *url.URL {
	u, err := url.Parse(r.URL)
	if err != nil {
		return &url.URL{}
	}
	return u
}

// Path returns the URL path component.
func (r *Request) Path() string {
	return r.ParsedURL().Path
}

// Host returns the URL host, falling back to the Host header.
func (r *Request) Host() string {
	if h := r.ParsedURL().Host; h != "" {
		return h
	}
	return r.Headers.Get("Host")
}

// Query returns the decoded query parameters.
func (r *Request) Query() url.Values {
	return r.ParsedURL().Query()
}

// Idempotent reports whether the request method makes the decision eligible
// for the short-lived dedup cache.
func (r *Request) Idempotent() bool {
	return r.Method == http.MethodGet || r.Method == http.MethodHead
}
