// Package proxy forwards learner requests to an app container's exposed
// port and strips frame-blocking headers so the response can be embedded
// in an iframe.
package proxy

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const upstreamTimeout = 30 * time.Second

// stripResponseHeaders are dropped from the upstream response before it's
// relayed to the learner, so the app can be embedded in an iframe even if
// it sends its own frame-blocking headers.
var stripResponseHeaders = map[string]struct{}{
	"x-frame-options":                     {},
	"content-security-policy":             {},
	"content-security-policy-report-only": {},
	"transfer-encoding":                   {},
	"connection":                          {},
	"keep-alive":                          {},
}

// forwardedRequestHeaders are the only headers relayed from the learner's
// request to the upstream app; cookies and Authorization never cross.
var forwardedRequestHeaders = []string{"user-agent", "accept", "accept-language"}

// ErrNotAllowed is returned when a URL fails the allow-list check.
var ErrNotAllowed = errors.New("URL not in allowlist")

// Proxy validates and forwards GET requests to allow-listed app URLs.
type Proxy struct {
	client  *http.Client
	allowed []*regexp.Regexp
	log     *slog.Logger
}

// New builds a Proxy. allowedPatterns are compiled once at startup and
// never change afterward; a URL that matches none of them is rejected.
func New(allowedPatterns []string, log *slog.Logger) (*Proxy, error) {
	compiled := make([]*regexp.Regexp, 0, len(allowedPatterns))
	for _, p := range allowedPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, re)
	}
	return &Proxy{
		client:  &http.Client{Timeout: upstreamTimeout},
		allowed: compiled,
		log:     log,
	}, nil
}

// IsAllowed reports whether target matches one of the configured
// allow-list patterns.
func (p *Proxy) IsAllowed(target string) bool {
	for _, re := range p.allowed {
		if re.MatchString(target) {
			return true
		}
	}
	return false
}

// Fetch proxies a single GET request to target on behalf of r, writing the
// upstream response (status, filtered headers, body) to w. It returns an
// error implementing statusError when the request should be rejected with
// a specific HTTP status rather than succeeding.
func (p *Proxy) Fetch(w http.ResponseWriter, r *http.Request, target string) error {
	parsed, err := url.Parse(target)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return statusError{code: http.StatusBadRequest, message: "invalid URL"}
	}
	if parsed.Host == "" {
		return statusError{code: http.StatusBadRequest, message: "invalid URL"}
	}
	if !p.IsAllowed(target) {
		return statusError{code: http.StatusForbidden, message: "URL not in allowlist. Only local container URLs are permitted."}
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
	if err != nil {
		return statusError{code: http.StatusBadGateway, message: "failed to build upstream request"}
	}
	for _, h := range forwardedRequestHeaders {
		if v := r.Header.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", "LiveLabs-Proxy/1.0")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if urlErr, ok := err.(*url.Error); ok && urlErr.Timeout() {
			return statusError{code: http.StatusGatewayTimeout, message: "upstream request timed out"}
		}
		return statusError{code: http.StatusBadGateway, message: "failed to fetch URL: " + err.Error()}
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		if _, stripped := stripResponseHeaders[strings.ToLower(key)]; stripped {
			continue
		}
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		p.log.Debug("proxy response copy", "error", err)
	}
	return nil
}

// statusError carries the HTTP status a handler should respond with.
type statusError struct {
	code    int
	message string
}

func (e statusError) Error() string { return e.message }

// StatusCode returns the HTTP status callers should use for err, falling
// back to 502 for errors that didn't originate from this package.
func StatusCode(err error) int {
	var se statusError
	if errors.As(err, &se) {
		return se.code
	}
	return http.StatusBadGateway
}
