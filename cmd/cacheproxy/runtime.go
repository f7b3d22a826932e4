package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	cblog "github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/0x4D31/cacheproxy/internal/admin"
	"github.com/0x4D31/cacheproxy/internal/config"
	"github.com/0x4D31/cacheproxy/internal/loader"
	"github.com/0x4D31/cacheproxy/internal/logger"
	"github.com/0x4D31/cacheproxy/internal/metrics"
	"github.com/0x4D31/cacheproxy/internal/proxy"
	"github.com/0x4D31/cacheproxy/internal/sse"
	"github.com/0x4D31/cacheproxy/internal/workerpool"
)

// version is overridden at build time using -ldflags "-X main.version=<version>"
// when building release binaries. It defaults to "dev" for local builds.
var version = "dev"

type runtimeState struct {
	configPath string
	overrides  loader.Overrides

	mu  sync.Mutex
	cfg config.Config
	lgr *logger.Logger

	proxy    *proxy.Server
	hub      *sse.Hub
	sseSrv   *sse.Server
	adminSrv *admin.Server
	registry *prometheus.Registry

	watchCancel context.CancelFunc
	wg          sync.WaitGroup
	stopOnce    sync.Once
	stopped     chan struct{}
}

// openLogger builds the access logger for lc. It returns nil when no sink is
// configured and the console echo is off.
func openLogger(lc *config.LoggingConfig) (*logger.Logger, error) {
	debug := strings.EqualFold(lc.Level, "debug")
	var (
		lgr *logger.Logger
		err error
	)
	switch {
	case debug:
		lgr, err = logger.NewWithStdout(lc.AccessLog)
	case lc.AccessLog != "":
		lgr, err = logger.New(lc.AccessLog)
	case lc.AccessDB != "":
		lgr = logger.NewDiscard()
	default:
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("access log %s: %w", lc.AccessLog, err)
	}
	if lc.AccessDB != "" {
		st, err := logger.OpenStore(lc.AccessDB)
		if err != nil {
			_ = lgr.Close()
			return nil, fmt.Errorf("access db %s: %w", lc.AccessDB, err)
		}
		lgr.AttachStore(st)
	}
	return lgr, nil
}

// startRuntime binds every listener named by cfg and starts serving. The
// config file at configPath, if any, is watched for live changes; ov is
// re-applied on every reload.
func startRuntime(cfg config.Config, configPath string, ov loader.Overrides) (*runtimeState, error) {
	rt := &runtimeState{configPath: configPath, overrides: ov, cfg: cfg, stopped: make(chan struct{})}

	lgr, err := openLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	rt.lgr = lgr

	if cfg.SSE != nil && cfg.SSE.Enabled {
		rt.hub = sse.NewHub()
	}

	p := cfg.Proxy
	rt.proxy = proxy.New(proxy.Options{
		ListenAddr:     p.Bind,
		Workers:        p.Workers,
		QueueSize:      p.QueueSize,
		CacheSlots:     p.CacheSlots,
		MaxObjectSize:  p.MaxObjectSize,
		UserAgent:      p.UserAgent,
		CoalesceMisses: p.CoalesceMisses,
	}, lgr, rt.hub)
	src := metrics.Source{
		Pool:  func() workerpool.Stats { return rt.proxy.Stats().Pool },
		Cache: rt.proxy.Cache.Stats,
	}
	if rt.hub != nil {
		src.Events = rt.hub.Stats
	}
	rt.registry = metrics.NewRegistry(src)

	// bind everything before serving so a bad address fails startup
	var listeners []net.Listener
	fail := func(err error) (*runtimeState, error) {
		for _, ln := range listeners {
			_ = ln.Close()
		}
		if lgr != nil {
			_ = lgr.Close()
		}
		return nil, err
	}
	proxyLn, err := net.Listen("tcp", p.Bind)
	if err != nil {
		return fail(fmt.Errorf("proxy listen %s: %w", p.Bind, err))
	}
	listeners = append(listeners, proxyLn)

	var sseLn, adminLn net.Listener
	if rt.hub != nil {
		if sseLn, err = net.Listen("tcp", cfg.SSE.Addr); err != nil {
			return fail(fmt.Errorf("sse listen %s: %w", cfg.SSE.Addr, err))
		}
		listeners = append(listeners, sseLn)
		rt.sseSrv = sse.NewServer(cfg.SSE.Addr, rt.hub)
	}
	if cfg.Admin != nil && cfg.Admin.Enabled {
		if adminLn, err = net.Listen("tcp", cfg.Admin.Addr); err != nil {
			return fail(fmt.Errorf("admin listen %s: %w", cfg.Admin.Addr, err))
		}
		listeners = append(listeners, adminLn)
		shown := rt.cfg
		rt.adminSrv = admin.New(admin.Options{
			Addr:     cfg.Admin.Addr,
			Token:    cfg.Admin.Token,
			Config:   &shown,
			Stats:    rt.proxy.Stats,
			Cache:    rt.proxy.Cache,
			Registry: rt.registry,
			Store:    rt.store,
			Stop:     rt.requestStop,
		})
	}

	if configPath != "" {
		ctx, cancel := context.WithCancel(context.Background())
		rt.watchCancel = cancel
		if err := watchConfig(ctx, configPath, rt); err != nil {
			cancel()
			return fail(fmt.Errorf("watch config: %w", err))
		}
	}

	rt.serve("proxy", func() error { return rt.proxy.Serve(proxyLn) }, proxy.ErrServerClosed)
	if rt.sseSrv != nil {
		cblog.Infof("SSE events on %s", sseLn.Addr())
		rt.serve("sse", func() error { return rt.sseSrv.Serve(sseLn) }, http.ErrServerClosed)
	}
	if rt.adminSrv != nil {
		cblog.Infof("admin API on %s", adminLn.Addr())
		rt.serve("admin", func() error { return rt.adminSrv.Serve(adminLn) }, http.ErrServerClosed)
	}
	return rt, nil
}

func (rt *runtimeState) serve(name string, fn func() error, closed error) {
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		if err := fn(); err != nil && !errors.Is(err, closed) {
			cblog.Errorf("%s server: %v", name, err)
		}
	}()
}

// store returns the SQLite store behind the current access logger.
func (rt *runtimeState) store() *logger.Store {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.lgr == nil {
		return nil
	}
	return rt.lgr.Store()
}

func (rt *runtimeState) currentConfig() config.Config {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.cfg
}

func (rt *runtimeState) requestStop() {
	rt.stopOnce.Do(func() { close(rt.stopped) })
}

// Done is closed when a stop is requested through the admin API.
func (rt *runtimeState) Done() <-chan struct{} { return rt.stopped }

// shutdown stops accepting, drains the worker pool, stops the admin and SSE
// servers and closes the access logger.
func (rt *runtimeState) shutdown() error {
	if rt.watchCancel != nil {
		rt.watchCancel()
	}
	var errs []error
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	if err := rt.proxy.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown proxy: %w", err))
	}
	cancel()
	if rt.sseSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := rt.sseSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown sse: %w", err))
		}
		cancel()
	}
	if rt.adminSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := rt.adminSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown admin: %w", err))
		}
		cancel()
	}
	rt.wg.Wait()

	rt.mu.Lock()
	lgr := rt.lgr
	rt.lgr = nil
	rt.mu.Unlock()
	if lgr != nil {
		if err := lgr.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close access log: %w", err))
		}
	}
	return errors.Join(errs...)
}
