package httpserver

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/openhuddle/huddle/internal/config"
)

func newTestServer(t *testing.T, cfg config.Config) *Server {
	t.Helper()
	if cfg.StaticDir == "" {
		cfg.StaticDir = t.TempDir()
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, log, BuildInfo{Commit: "abc123", BuildTime: "2026-01-01T00:00:00Z"})
}

func doRequest(s *Server, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, config.Config{})
	rec := doRequest(s, http.MethodGet, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestReadyz_TracksServeState(t *testing.T) {
	s := newTestServer(t, config.Config{})

	if rec := doRequest(s, http.MethodGet, "/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status before serve = %d, want 503", rec.Code)
	}

	s.ready.Store(true)
	if rec := doRequest(s, http.MethodGet, "/readyz"); rec.Code != http.StatusOK {
		t.Fatalf("status after serve = %d, want 200", rec.Code)
	}
}

func TestVersion(t *testing.T) {
	s := newTestServer(t, config.Config{})
	rec := doRequest(s, http.MethodGet, "/version")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var build BuildInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &build); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if build.Commit != "abc123" {
		t.Errorf("commit = %q", build.Commit)
	}
}

func TestICEEndpoint(t *testing.T) {
	cfg := config.Config{
		ICE: config.ICEConfig{
			Servers: []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}},
		},
	}
	s := newTestServer(t, cfg)

	rec := doRequest(s, http.MethodGet, "/webrtc/ice")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "stun:stun.example.com:3478") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestStaticServing(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>huddle</html>"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "app.js"), []byte("console.log(1)"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := newTestServer(t, config.Config{StaticDir: dir})

	rec := doRequest(s, http.MethodGet, "/")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "huddle") {
		t.Fatalf("GET / -> %d %q", rec.Code, rec.Body.String())
	}

	rec = doRequest(s, http.MethodGet, "/static/app.js")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "console.log") {
		t.Fatalf("GET /static/app.js -> %d %q", rec.Code, rec.Body.String())
	}
}

func TestRequestIDHeader(t *testing.T) {
	s := newTestServer(t, config.Config{})

	rec := doRequest(s, http.MethodGet, "/healthz")
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("no request id generated")
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "fixed-id")
	rec = httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "fixed-id" {
		t.Fatalf("request id = %q, want fixed-id", got)
	}
}

func TestRecoverMiddleware(t *testing.T) {
	s := newTestServer(t, config.Config{})
	s.Mux().HandleFunc("GET /boom", func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})

	rec := doRequest(s, http.MethodGet, "/boom")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}
