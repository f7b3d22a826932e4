package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/0x4D31/cacheproxy/internal/config"
	"github.com/0x4D31/cacheproxy/internal/loader"
	"github.com/0x4D31/cacheproxy/internal/logger"
	"github.com/0x4D31/cacheproxy/internal/proxy"
)

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	if err := ln.Close(); err != nil {
		t.Fatalf("close listener: %v", err)
	}
	return addr
}

func startTestOrigin(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprintf(w, "hello %s", r.URL.Path)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func proxyGet(t *testing.T, proxyAddr, uri string) string {
	t.Helper()
	conn, err := net.Dial("tcp", proxyAddr)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := fmt.Fprintf(conn, "GET %s HTTP/1.0\r\n\r\n", uri); err != nil {
		t.Fatalf("write: %v", err)
	}
	out, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(out)
}

func adminGet(t *testing.T, addr, path, token string, v any) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "http://"+addr+path, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get %s: %v", path, err)
	}
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Config{
		Proxy: &config.ProxyConfig{Bind: freePort(t), Workers: 2, QueueSize: 2, CacheSlots: 2},
		Logging: &config.LoggingConfig{
			AccessLog: filepath.Join(dir, "access.jsonl"),
			AccessDB:  filepath.Join(dir, "events.db"),
		},
		Admin: &config.AdminConfig{Enabled: true, Addr: freePort(t), Token: "tok"},
		SSE:   &config.SSEConfig{Enabled: true, Addr: freePort(t)},
	}
	config.ApplyDefaults(&cfg)
	if err := config.Validate(&cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
	return cfg
}

func TestRuntimeServesAndStops(t *testing.T) {
	origin, hits := startTestOrigin(t)
	cfg := testConfig(t)
	rt, err := startRuntime(cfg, "", loader.Overrides{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := 0; i < 2; i++ {
		if got := proxyGet(t, cfg.Proxy.Bind, origin.URL+"/x"); !strings.HasSuffix(got, "hello /x") {
			t.Fatalf("request %d: got %q", i, got)
		}
	}
	if n := hits.Load(); n != 1 {
		t.Fatalf("origin hit %d times, want 1", n)
	}

	if code := adminGet(t, cfg.Admin.Addr, "/stats", "", nil); code != http.StatusUnauthorized {
		t.Fatalf("stats without token: %d", code)
	}
	var st proxy.Stats
	if code := adminGet(t, cfg.Admin.Addr, "/stats", "tok", &st); code != http.StatusOK {
		t.Fatalf("stats: %d", code)
	}
	if st.Cache.Hits != 1 || st.Cache.Inserts != 1 || st.Pool.Workers != 2 {
		t.Fatalf("stats %+v", st)
	}
	var sum logger.Summary
	if code := adminGet(t, cfg.Admin.Addr, "/events/summary", "tok", &sum); code != http.StatusOK {
		t.Fatalf("summary: %d", code)
	}
	if sum.Total != 2 || sum.ByStatus[logger.StatusHit] != 1 || sum.ByStatus[logger.StatusStored] != 1 {
		t.Fatalf("summary %+v", sum)
	}

	req, _ := http.NewRequest(http.MethodPost, "http://"+cfg.Admin.Addr+"/stop", nil)
	req.Header.Set("Authorization", "Bearer tok")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	resp.Body.Close()
	select {
	case <-rt.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stop not signalled")
	}
	if err := rt.shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := net.Dial("tcp", cfg.Proxy.Bind); err == nil {
		t.Fatal("proxy still accepting after shutdown")
	}
}

func TestRuntimeBindError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	cfg := testConfig(t)
	cfg.Admin.Addr = ln.Addr().String()
	if _, err := startRuntime(cfg, "", loader.Overrides{}); err == nil {
		t.Fatal("expected bind error")
	}
	// the proxy listener must have been released
	probe, err := net.Listen("tcp", cfg.Proxy.Bind)
	if err != nil {
		t.Fatalf("proxy address still bound: %v", err)
	}
	probe.Close()
}

func TestOpenLogger(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name      string
		lc        config.LoggingConfig
		wantNil   bool
		wantStore bool
	}{
		{name: "none", lc: config.LoggingConfig{Level: "info"}, wantNil: true},
		{name: "file", lc: config.LoggingConfig{Level: "info", AccessLog: filepath.Join(dir, "a.jsonl")}},
		{name: "db only", lc: config.LoggingConfig{Level: "info", AccessDB: filepath.Join(dir, "a.db")}, wantStore: true},
		{name: "debug echo", lc: config.LoggingConfig{Level: "debug"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			lgr, err := openLogger(&tc.lc)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			if (lgr == nil) != tc.wantNil {
				t.Fatalf("logger %v, want nil=%v", lgr, tc.wantNil)
			}
			if lgr == nil {
				return
			}
			defer lgr.Close()
			if (lgr.Store() != nil) != tc.wantStore {
				t.Fatalf("store attached=%v want %v", lgr.Store() != nil, tc.wantStore)
			}
		})
	}
}
