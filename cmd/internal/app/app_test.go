package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"relay/cmd/internal/realtime"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		HTTPAddr:         "127.0.0.1:0",
		LogFormat:        "json",
		UploadDir:        filepath.Join(t.TempDir(), "uploads"),
		UploadMaxBytes:   1 << 20,
		WSAllowedOrigins: defaultAllowedOrigins,
	}
}

func newTestApp(t *testing.T, cfg Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func TestApp_HealthAndReadiness(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(t))
	if a.msgs.Kind != StoreMemory {
		t.Fatalf("store kind=%q want %q", a.msgs.Kind, StoreMemory)
	}

	if rr := get(t, a.Handler(), "/healthz"); rr.Code != http.StatusOK || rr.Body.String() != "ok\n" {
		t.Fatalf("healthz: %d %q", rr.Code, rr.Body.String())
	}
	if rr := get(t, a.Handler(), "/readyz"); rr.Code != http.StatusOK {
		t.Fatalf("readyz: %d %q", rr.Code, rr.Body.String())
	}

	rr := get(t, a.Handler(), "/healthz")
	if rr.Header().Get(requestIDHeader) == "" {
		t.Fatalf("request logging middleware not applied")
	}
}

func TestApp_ReadinessRequiresDB(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.ReadinessRequireDB = true
	a := newTestApp(t, cfg)

	if rr := get(t, a.Handler(), "/readyz"); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz without db: %d", rr.Code)
	}
}

func TestApp_UsersListsOnlineIdentities(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(t))
	for _, id := range []string{"carol", "alice"} {
		c := realtime.NewClient(id, "s-"+id, 8)
		t.Cleanup(c.Close)
		a.registry.Register(id, c)
	}

	rr := get(t, a.Handler(), "/users")
	if rr.Code != http.StatusOK {
		t.Fatalf("users: %d", rr.Code)
	}
	var body usersResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 2 || strings.Join(body.Users, ",") != "alice,carol" {
		t.Fatalf("unexpected users: %+v", body)
	}
}

func TestApp_MetricsExposed(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(t))
	rr := get(t, a.Handler(), "/metrics")
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "relay_connections") {
		t.Fatalf("relay_connections missing from metrics output")
	}
}

func TestApp_StaticDir(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.StaticDir = t.TempDir()
	if err := os.WriteFile(filepath.Join(cfg.StaticDir, "index.html"), []byte("<h1>relay</h1>"), 0o644); err != nil {
		t.Fatalf("write index: %v", err)
	}
	a := newTestApp(t, cfg)

	rr := get(t, a.Handler(), "/")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "relay") {
		t.Fatalf("static: %d %q", rr.Code, rr.Body.String())
	}
	if rr := get(t, a.Handler(), "/users"); rr.Code != http.StatusOK {
		t.Fatalf("static root must not shadow /users: %d", rr.Code)
	}
}

func TestOpenMessageLog_Badger(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.BadgerPath = t.TempDir()

	msgs, err := OpenMessageLog(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("OpenMessageLog: %v", err)
	}
	defer func() { _ = msgs.Close() }()

	if msgs.Kind != StoreBadger || msgs.Pool() != nil {
		t.Fatalf("kind=%q pool=%v", msgs.Kind, msgs.Pool())
	}
	rec, err := msgs.Append(context.Background(), "alice", "bob", "hi")
	if err != nil || rec.ID == 0 {
		t.Fatalf("append: %+v %v", rec, err)
	}
}
