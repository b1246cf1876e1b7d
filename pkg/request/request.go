// Package request defines the request value handed to the transport and its
// HTTP/1.1 wire encoding.
package request

import (
	"bytes"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"

	"github.com/WhileEndless/go-keepalive/pkg/constants"
	"github.com/WhileEndless/go-keepalive/pkg/errors"
)

// Header maps header names to values. Names keep the caller's spelling on the
// wire; lookups are case-insensitive.
type Header map[string][]string

// Get returns the first value for name, or "".
func (h Header) Get(name string) string {
	if k, ok := h.lookup(name); ok && len(h[k]) > 0 {
		return h[k][0]
	}
	return ""
}

// Has reports whether name is present.
func (h Header) Has(name string) bool {
	_, ok := h.lookup(name)
	return ok
}

// Set replaces every value of name, whatever its spelling.
func (h Header) Set(name, value string) {
	h.Del(name)
	h[name] = []string{value}
}

// Add appends a value to name.
func (h Header) Add(name, value string) {
	if k, ok := h.lookup(name); ok {
		h[k] = append(h[k], value)
		return
	}
	h[name] = []string{value}
}

// Del removes name, whatever its spelling.
func (h Header) Del(name string) {
	for k := range h {
		if strings.EqualFold(k, name) {
			delete(h, k)
		}
	}
}

// Clone returns a deep copy.
func (h Header) Clone() Header {
	c := make(Header, len(h))
	for k, v := range h {
		c[k] = append([]string(nil), v...)
	}
	return c
}

func (h Header) lookup(name string) (string, bool) {
	if _, ok := h[name]; ok {
		return name, true
	}
	for k := range h {
		if strings.EqualFold(k, name) {
			return k, true
		}
	}
	return "", false
}

// Request is one HTTP exchange to perform. The transport never mutates it.
type Request struct {
	Method string
	URL    *url.URL
	Header Header
	Body   []byte

	// Timeout bounds each blocking connect/write/read. Zero uses the
	// transport default.
	Timeout time.Duration

	// NewConnection asks for the connection to be discarded after this
	// exchange instead of returning to the pool.
	NewConnection bool
}

// New builds a request for rawURL.
func New(method, rawURL string, body []byte) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.NewValidationError("invalid URL " + rawURL + ": " + err.Error())
	}
	req := &Request{
		Method: strings.ToUpper(method),
		URL:    u,
		Header: make(Header),
		Body:   body,
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

// Scheme returns the lower-cased URL scheme.
func (r *Request) Scheme() string {
	return strings.ToLower(r.URL.Scheme)
}

// Host returns the target host name without port.
func (r *Request) Host() string {
	return r.URL.Hostname()
}

// Port returns the target port, defaulting by scheme.
func (r *Request) Port() int {
	if p := r.URL.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err == nil {
			return n
		}
	}
	if r.Scheme() == "https" {
		return constants.DefaultHTTPSPort
	}
	return constants.DefaultHTTPPort
}

// HostKey returns the host:port pool partition key.
func (r *Request) HostKey() string {
	return net.JoinHostPort(r.Host(), strconv.Itoa(r.Port()))
}

// Selector returns the path and query sent on the request line.
func (r *Request) Selector() string {
	return r.URL.RequestURI()
}

// FullURL returns the request URL as a string.
func (r *Request) FullURL() string {
	return r.URL.String()
}

// IsTLS reports whether the exchange runs over TLS.
func (r *Request) IsTLS() bool {
	return r.Scheme() == "https"
}

// Validate rejects requests the transport cannot put on the wire.
func (r *Request) Validate() error {
	if r == nil || r.URL == nil {
		return errors.NewValidationError("request URL cannot be empty")
	}
	if r.Method == "" || !httpguts.ValidHeaderFieldName(r.Method) {
		return errors.NewValidationError("invalid request method " + strconv.Quote(r.Method))
	}
	if s := r.Scheme(); s != "http" && s != "https" {
		return errors.NewValidationError("scheme must be http or https, got " + strconv.Quote(s))
	}
	if r.Host() == "" {
		return errors.NewValidationError("no host given")
	}
	if p := r.URL.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return errors.NewValidationError("port must be between 1 and 65535")
		}
	}
	for name, values := range r.Header {
		if !httpguts.ValidHeaderFieldName(name) {
			return errors.NewValidationError("invalid header name " + strconv.Quote(name))
		}
		for _, v := range values {
			if !httpguts.ValidHeaderFieldValue(v) {
				return errors.NewValidationError("invalid value for header " + name)
			}
		}
	}
	return nil
}

// Encode renders the request in HTTP/1.1 wire format. defaults are merged
// below the request's own headers. Host and Connection: keep-alive are added
// when missing; a body gets a default Content-Type and a Content-Length.
func (r *Request) Encode(defaults Header) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	merged := make(Header, len(defaults)+len(r.Header)+4)
	for k, v := range defaults {
		merged[k] = append([]string(nil), v...)
	}
	for k, v := range r.Header {
		merged.Del(k)
		merged[k] = append([]string(nil), v...)
	}

	for name, values := range defaults {
		if !httpguts.ValidHeaderFieldName(name) {
			return nil, errors.NewValidationError("invalid header name " + strconv.Quote(name))
		}
		for _, v := range values {
			if !httpguts.ValidHeaderFieldValue(v) {
				return nil, errors.NewValidationError("invalid value for header " + name)
			}
		}
	}

	host := r.URL.Host
	if h := merged.Get("Host"); h != "" {
		host = h
	}
	merged.Del("Host")

	if !merged.Has("Connection") {
		merged.Set("Connection", "keep-alive")
	}
	if r.Body != nil {
		if !merged.Has("Content-Type") {
			merged.Set("Content-Type", constants.DefaultContentType)
		}
		if !merged.Has("Content-Length") {
			merged.Set("Content-Length", strconv.Itoa(len(r.Body)))
		}
	}

	names := make([]string, 0, len(merged))
	for k := range merged {
		names = append(names, k)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	buf.Grow(256 + len(r.Body))
	buf.WriteString(r.Method)
	buf.WriteByte(' ')
	buf.WriteString(r.Selector())
	buf.WriteString(" HTTP/1.1\r\n")
	buf.WriteString("Host: ")
	buf.WriteString(host)
	buf.WriteString("\r\n")
	for _, name := range names {
		for _, v := range merged[name] {
			buf.WriteString(name)
			buf.WriteString(": ")
			buf.WriteString(v)
			buf.WriteString("\r\n")
		}
	}
	buf.WriteString("\r\n")
	buf.Write(r.Body)
	return buf.Bytes(), nil
}
