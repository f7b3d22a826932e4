package admin

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	cblog "github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/0x4D31/cacheproxy/internal/cache"
	"github.com/0x4D31/cacheproxy/internal/config"
	"github.com/0x4D31/cacheproxy/internal/logger"
	"github.com/0x4D31/cacheproxy/internal/proxy"
)

// Options wires the admin server to the running proxy. Every field except
// Addr is optional; routes whose backing component is missing answer 404.
type Options struct {
	Addr   string
	Token  string
	Config *config.Config

	// Stats reports pool and cache counters.
	Stats func() proxy.Stats
	// Cache is inspected by the /cache routes.
	Cache *cache.Table
	// Registry is exposed at /metrics.
	Registry *prometheus.Registry
	// Store returns the current access event store, or nil when disabled.
	Store func() *logger.Store
	// Stop is called when /stop is requested.
	Stop func()
}

// Server exposes administrative endpoints.
type Server struct {
	Addr string

	token atomic.Pointer[string]

	mu   sync.RWMutex
	cfg  *config.Config
	etag string

	opts   Options
	log    *cblog.Logger
	server *http.Server
}

// New returns a new admin server for opts.
func New(opts Options) *Server {
	s := &Server{Addr: opts.Addr, opts: opts, log: cblog.WithPrefix("ADMIN")}
	s.SetToken(opts.Token)
	s.SetConfig(opts.Config)
	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the router serving every admin route.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.authorize)
	r.Get("/config", s.getConfig)
	r.Get("/stats", s.getStats)
	r.Get("/cache", s.getCache)
	r.Get("/cache/{slot}", s.getSlot)
	r.Get("/events/summary", s.getSummary)
	r.Post("/stop", s.stopServer)
	if s.opts.Registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.opts.Registry, promhttp.HandlerOpts{}))
	}
	return r
}

// SetToken replaces the bearer token. An empty token disables auth.
func (s *Server) SetToken(token string) {
	s.token.Store(&token)
}

// SetConfig replaces the configuration served at /config.
func (s *Server) SetConfig(cfg *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.etag = ""
	if cfg == nil {
		return
	}
	data, err := json.Marshal(config.Redacted(*cfg))
	if err != nil {
		return
	}
	h := sha256.Sum256(data)
	s.etag = fmt.Sprintf("\"%x\"", h[:])
}

func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := *s.token.Load()
		if want == "" {
			next.ServeHTTP(w, r)
			return
		}
		const prefix = "Bearer "
		h := r.Header.Get("Authorization")
		if !strings.HasPrefix(h, prefix) ||
			subtle.ConstantTimeCompare([]byte(h[len(prefix):]), []byte(want)) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start begins listening for connections.
func (s *Server) Start() error {
	s.log.Infof("admin API on %s", s.Addr)
	return s.server.ListenAndServe()
}

// Serve accepts connections on ln.
func (s *Server) Serve(ln net.Listener) error { return s.server.Serve(ln) }

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error { return s.server.Shutdown(ctx) }

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(append(data, '\n'))
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	cfg, etag := s.cfg, s.etag
	s.mu.RUnlock()
	if cfg == nil {
		http.Error(w, "no config", http.StatusNotFound)
		return
	}
	w.Header().Set("ETag", etag)
	if etag != "" && r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, config.Redacted(*cfg))
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	if s.opts.Stats == nil {
		http.Error(w, "no proxy", http.StatusNotFound)
		return
	}
	writeJSON(w, s.opts.Stats())
}

func (s *Server) getCache(w http.ResponseWriter, r *http.Request) {
	if s.opts.Cache == nil {
		http.Error(w, "no cache", http.StatusNotFound)
		return
	}
	writeJSON(w, s.opts.Cache.Snapshot())
}

func (s *Server) getSlot(w http.ResponseWriter, r *http.Request) {
	if s.opts.Cache == nil {
		http.Error(w, "no cache", http.StatusNotFound)
		return
	}
	idx, err := strconv.Atoi(chi.URLParam(r, "slot"))
	if err != nil {
		http.Error(w, "slot must be an integer", http.StatusBadRequest)
		return
	}
	info, ok := s.opts.Cache.Slot(idx)
	if !ok {
		http.Error(w, "slot out of range", http.StatusNotFound)
		return
	}
	writeJSON(w, info)
}

func (s *Server) getSummary(w http.ResponseWriter, r *http.Request) {
	var store *logger.Store
	if s.opts.Store != nil {
		store = s.opts.Store()
	}
	if store == nil {
		http.Error(w, "access store disabled", http.StatusNotFound)
		return
	}
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			http.Error(w, "since must be a positive duration", http.StatusBadRequest)
			return
		}
		since = time.Now().Add(-d)
	}
	sum, err := store.Summarize(r.Context(), since)
	if err != nil {
		s.log.Errorf("summarize events: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, sum)
}

func (s *Server) stopServer(w http.ResponseWriter, r *http.Request) {
	s.log.Warn("stop requested")
	w.WriteHeader(http.StatusNoContent)
	if s.opts.Stop != nil {
		go s.opts.Stop()
	}
}
