package main

import (
	"context"
	"strings"

	cblog "github.com/charmbracelet/log"

	"github.com/0x4D31/cacheproxy/internal/config"
	"github.com/0x4D31/cacheproxy/internal/loader"
	"github.com/0x4D31/cacheproxy/internal/watch"
)

// watchConfig reloads the config file at path whenever it changes and applies
// the settings that can change without a restart.
func watchConfig(ctx context.Context, path string, rt *runtimeState) error {
	log := cblog.WithPrefix("WATCH")
	errCh, err := watch.Watch(ctx, path, func() error {
		cfg, err := loader.LoadMain(path)
		if err != nil {
			return err
		}
		if err := loader.Merge(&cfg, rt.overrides); err != nil {
			return err
		}
		if err := rt.applyConfig(cfg); err != nil {
			return err
		}
		log.Infof("config reloaded from %s", path)
		return nil
	})
	if err != nil {
		return err
	}
	go func() {
		for e := range errCh {
			log.Errorf("config reload %s failed: %v", path, e)
		}
	}()
	return nil
}

// restartRequired lists the settings that differ between cur and next but
// only take effect on restart.
func restartRequired(cur, next config.Config) []string {
	var out []string
	a, b := cur.Proxy, next.Proxy
	if a.Bind != b.Bind {
		out = append(out, "proxy.bind")
	}
	if a.Workers != b.Workers {
		out = append(out, "proxy.workers")
	}
	if a.QueueSize != b.QueueSize {
		out = append(out, "proxy.queue_size")
	}
	if a.CacheSlots != b.CacheSlots {
		out = append(out, "proxy.cache_slots")
	}
	if a.MaxObjectSize != b.MaxObjectSize {
		out = append(out, "proxy.max_object_size")
	}
	if a.CoalesceMisses != b.CoalesceMisses {
		out = append(out, "proxy.coalesce_misses")
	}
	if enabled(cur.Admin) != enabled(next.Admin) || addr(cur.Admin) != addr(next.Admin) {
		out = append(out, "admin")
	}
	if sseEnabled(cur.SSE) != sseEnabled(next.SSE) || sseAddr(cur.SSE) != sseAddr(next.SSE) {
		out = append(out, "sse")
	}
	return out
}

func enabled(a *config.AdminConfig) bool { return a != nil && a.Enabled }

func addr(a *config.AdminConfig) string {
	if !enabled(a) {
		return ""
	}
	return a.Addr
}

func sseEnabled(s *config.SSEConfig) bool { return s != nil && s.Enabled }

func sseAddr(s *config.SSEConfig) string {
	if !sseEnabled(s) {
		return ""
	}
	return s.Addr
}

// applyConfig switches the running proxy to next. Log level, user agent,
// access sinks and the admin token apply immediately; everything else keeps
// its running value until restart.
func (rt *runtimeState) applyConfig(next config.Config) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	cur := rt.cfg

	if fields := restartRequired(cur, next); len(fields) > 0 {
		cblog.Warnf("changes to %s require a restart", strings.Join(fields, ", "))
	}

	if *cur.Logging != *next.Logging {
		lgr, err := openLogger(next.Logging)
		if err != nil {
			return err
		}
		rt.proxy.Handler.SetLogger(lgr)
		if rt.lgr != nil {
			if err := rt.lgr.Close(); err != nil {
				cblog.Errorf("close access log: %v", err)
			}
		}
		rt.lgr = lgr
		setLogLevel(next.Logging.Level)
	}
	if cur.Proxy.UserAgent != next.Proxy.UserAgent {
		rt.proxy.Handler.SetUserAgent(next.Proxy.UserAgent)
	}

	// settings that need a restart keep their running values
	applied := next
	proxyCfg := *cur.Proxy
	proxyCfg.UserAgent = next.Proxy.UserAgent
	applied.Proxy = &proxyCfg
	applied.SSE = cur.SSE
	if cur.Admin != nil {
		adminCfg := *cur.Admin
		if next.Admin != nil {
			adminCfg.Token = next.Admin.Token
		}
		applied.Admin = &adminCfg
	}
	rt.cfg = applied

	if rt.adminSrv != nil {
		rt.adminSrv.SetToken(applied.Admin.Token)
		shown := applied
		rt.adminSrv.SetConfig(&shown)
	}
	return nil
}
