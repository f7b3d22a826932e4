package admin

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/0x4D31/cacheproxy/internal/cache"
	"github.com/0x4D31/cacheproxy/internal/config"
	"github.com/0x4D31/cacheproxy/internal/logger"
	"github.com/0x4D31/cacheproxy/internal/metrics"
	"github.com/0x4D31/cacheproxy/internal/proxy"
	"github.com/0x4D31/cacheproxy/internal/workerpool"
)

func newTestConfig() config.Config {
	cfg := config.Config{
		Proxy: &config.ProxyConfig{Workers: 2, CacheSlots: 3},
		Admin: &config.AdminConfig{Enabled: true, Token: "s3cr3t"},
	}
	config.ApplyDefaults(&cfg)
	return cfg
}

func do(t *testing.T, h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestGetConfigJSON(t *testing.T) {
	cfg := newTestConfig()
	srv := New(Options{Addr: "127.0.0.1:0", Config: &cfg})

	rr := do(t, srv.Handler(), http.MethodGet, "/config", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content-type %q", ct)
	}
	etag := rr.Header().Get("ETag")
	if etag == "" {
		t.Fatal("missing ETag header")
	}
	var out config.Config
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("json: %v", err)
	}
	if out.Proxy.CacheSlots != 3 || out.Admin.Token != "REDACTED" {
		t.Fatalf("unexpected config body %s", rr.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/config", nil)
	req.Header.Set("If-None-Match", etag)
	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", rr.Code)
	}
}

func TestSetConfigChangesETag(t *testing.T) {
	cfg := newTestConfig()
	srv := New(Options{Config: &cfg})
	before := do(t, srv.Handler(), http.MethodGet, "/config", "").Header().Get("ETag")

	next := newTestConfig()
	next.Proxy.UserAgent = "other/1.0"
	srv.SetConfig(&next)
	after := do(t, srv.Handler(), http.MethodGet, "/config", "").Header().Get("ETag")
	if before == after {
		t.Fatal("etag not updated")
	}
}

func TestGetConfigNoConfig(t *testing.T) {
	srv := New(Options{})
	if rr := do(t, srv.Handler(), http.MethodGet, "/config", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestAuthToken(t *testing.T) {
	cfg := newTestConfig()
	srv := New(Options{Token: "s3cr3t", Config: &cfg})
	h := srv.Handler()

	rr := do(t, h, http.MethodGet, "/config", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if rr.Header().Get("WWW-Authenticate") != "Bearer" {
		t.Fatal("missing WWW-Authenticate header")
	}
	if rr := do(t, h, http.MethodGet, "/config", "wrong"); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 wrong token, got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/config", "s3cr3t"); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestSetTokenAppliesLive(t *testing.T) {
	cfg := newTestConfig()
	srv := New(Options{Token: "old", Config: &cfg})
	h := srv.Handler()
	srv.SetToken("new")
	if rr := do(t, h, http.MethodGet, "/config", "old"); rr.Code != http.StatusUnauthorized {
		t.Fatalf("old token accepted: %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/config", "new"); rr.Code != http.StatusOK {
		t.Fatalf("new token rejected: %d", rr.Code)
	}
	srv.SetToken("")
	if rr := do(t, h, http.MethodGet, "/config", ""); rr.Code != http.StatusOK {
		t.Fatalf("empty token should disable auth: %d", rr.Code)
	}
}

func TestGetStats(t *testing.T) {
	want := proxy.Stats{
		Pool:  workerpool.Stats{Workers: 4, Busy: 1, Queued: 2, QueueCap: 16, Handled: 10},
		Cache: cache.Stats{Slots: 8, Occupied: 3, Lookups: 10, Hits: 6, Misses: 4, Inserts: 4, Evictions: 1},
	}
	srv := New(Options{Stats: func() proxy.Stats { return want }})
	rr := do(t, srv.Handler(), http.MethodGet, "/stats", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var got proxy.Stats
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("json: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("stats (-want +got):\n%s", diff)
	}
}

func TestGetCacheSnapshot(t *testing.T) {
	tbl := cache.New(2)
	tbl.Insert("http://a/", []byte("aaa"))
	srv := New(Options{Cache: tbl})
	h := srv.Handler()

	rr := do(t, h, http.MethodGet, "/cache", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var slots []cache.SlotInfo
	if err := json.Unmarshal(rr.Body.Bytes(), &slots); err != nil {
		t.Fatalf("json: %v", err)
	}
	want := []cache.SlotInfo{
		{Index: 0, Occupied: true, Key: "http://a/", Size: 3},
		{Index: 1},
	}
	if diff := cmp.Diff(want, slots); diff != "" {
		t.Fatalf("snapshot (-want +got):\n%s", diff)
	}

	rr = do(t, h, http.MethodGet, "/cache/0", "")
	var one cache.SlotInfo
	if err := json.Unmarshal(rr.Body.Bytes(), &one); err != nil {
		t.Fatalf("json: %v", err)
	}
	if diff := cmp.Diff(want[0], one); diff != "" {
		t.Fatalf("slot (-want +got):\n%s", diff)
	}
	if rr := do(t, h, http.MethodGet, "/cache/7", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 out of range, got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/cache/x", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestMissingComponents(t *testing.T) {
	h := New(Options{}).Handler()
	for _, p := range []string{"/stats", "/cache", "/cache/0", "/events/summary", "/metrics"} {
		if rr := do(t, h, http.MethodGet, p, ""); rr.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", p, rr.Code)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	tbl := cache.New(5)
	reg := metrics.NewRegistry(metrics.Source{Cache: tbl.Stats})
	h := New(Options{Registry: reg}).Handler()
	rr := do(t, h, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "cacheproxy_cache_slots 5") {
		t.Fatalf("slot gauge missing:\n%s", rr.Body.String())
	}
}

func TestEventsSummary(t *testing.T) {
	store, err := logger.OpenStore("")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	now := time.Now()
	for _, ev := range []logger.Event{
		{EventTime: now, CacheStatus: logger.StatusStored, Bytes: 10},
		{EventTime: now, CacheStatus: logger.StatusHit, Bytes: 10},
		{EventTime: now, CacheStatus: logger.StatusHit, Bytes: 10},
		{EventTime: now.Add(-2 * time.Hour), CacheStatus: logger.StatusHit, Bytes: 10},
	} {
		if err := store.Insert(ev); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	h := New(Options{Store: func() *logger.Store { return store }}).Handler()

	rr := do(t, h, http.MethodGet, "/events/summary?since=1h", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var sum logger.Summary
	if err := json.Unmarshal(rr.Body.Bytes(), &sum); err != nil {
		t.Fatalf("json: %v", err)
	}
	if sum.Total != 3 || sum.ByStatus[logger.StatusHit] != 2 || sum.Bytes != 30 {
		t.Fatalf("summary %+v", sum)
	}

	if rr := do(t, h, http.MethodGet, "/events/summary?since=yesterday", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestStopServer(t *testing.T) {
	stopped := make(chan struct{})
	h := New(Options{Stop: func() { close(stopped) }}).Handler()

	if rr := do(t, h, http.MethodGet, "/stop", ""); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/stop", ""); rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("stop callback not executed")
	}
}

func TestServeAndShutdown(t *testing.T) {
	cfg := newTestConfig()
	srv := New(Options{Addr: "127.0.0.1:0", Config: &cfg})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/config")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if err := srv.Shutdown(t.Context()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := <-done; err != http.ErrServerClosed {
		t.Fatalf("serve returned %v", err)
	}
}
