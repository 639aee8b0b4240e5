package proxy

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFetchStripsFrameBlockingHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'self'")
		w.Header().Set("X-Custom", "keep-me")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
	}))
	defer upstream.Close()

	p, err := New([]string{`^https?://127\.0\.0\.1(:\d+)?(/.*)?$`}, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/proxy/fetch", nil)
	rec := httptest.NewRecorder()
	if err := p.Fetch(rec, req, upstream.URL); err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	if res.Header.Get("X-Frame-Options") != "" {
		t.Errorf("X-Frame-Options leaked through: %q", res.Header.Get("X-Frame-Options"))
	}
	if res.Header.Get("Content-Security-Policy") != "" {
		t.Errorf("Content-Security-Policy leaked through")
	}
	if res.Header.Get("X-Custom") != "keep-me" {
		t.Errorf("X-Custom = %q, want kept", res.Header.Get("X-Custom"))
	}
	body, _ := io.ReadAll(res.Body)
	if string(body) != "hello" {
		t.Errorf("body = %q", body)
	}
}

func TestFetchRejectsURLOutsideAllowlist(t *testing.T) {
	p, err := New([]string{`^https?://localhost(:\d+)?(/.*)?$`}, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/proxy/fetch", nil)
	rec := httptest.NewRecorder()
	err = p.Fetch(rec, req, "https://evil.example.com/")
	if err == nil {
		t.Fatal("expected an error for a disallowed URL")
	}
	if StatusCode(err) != http.StatusForbidden {
		t.Errorf("StatusCode = %d, want 403", StatusCode(err))
	}
}

func TestFetchRejectsInvalidScheme(t *testing.T) {
	p, err := New([]string{`.*`}, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/proxy/fetch", nil)
	rec := httptest.NewRecorder()
	err = p.Fetch(rec, req, "ftp://localhost/file")
	if err == nil {
		t.Fatal("expected an error for an invalid scheme")
	}
	if StatusCode(err) != http.StatusBadRequest {
		t.Errorf("StatusCode = %d, want 400", StatusCode(err))
	}
}

func TestFetchForwardsOnlySelectedRequestHeaders(t *testing.T) {
	var seenAuth, seenCookie, seenUA string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = r.Header.Get("Authorization")
		seenCookie = r.Header.Get("Cookie")
		seenUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	p, err := New([]string{`^https?://127\.0\.0\.1(:\d+)?(/.*)?$`}, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/proxy/fetch", nil)
	req.Header.Set("Authorization", "Bearer should-not-forward")
	req.Header.Set("Cookie", "session=should-not-forward")
	req.Header.Set("User-Agent", "learner-browser/1.0")

	rec := httptest.NewRecorder()
	if err := p.Fetch(rec, req, upstream.URL); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if seenAuth != "" {
		t.Errorf("Authorization was forwarded: %q", seenAuth)
	}
	if seenCookie != "" {
		t.Errorf("Cookie was forwarded: %q", seenCookie)
	}
	if seenUA != "learner-browser/1.0" {
		t.Errorf("User-Agent = %q, want forwarded", seenUA)
	}
}
