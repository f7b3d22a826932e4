package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/lipgloss"
	cblog "github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/0x4D31/cacheproxy/internal/cache"
	"github.com/0x4D31/cacheproxy/internal/logger"
	"github.com/0x4D31/cacheproxy/internal/metrics"
	"github.com/0x4D31/cacheproxy/internal/sse"
	"github.com/0x4D31/cacheproxy/internal/workerpool"
)

var (
	styleHit   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleMiss  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleError = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleURI   = lipgloss.NewStyle().Foreground(lipgloss.Color("69"))
	styleHost  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

func renderStatus(s logger.CacheStatus) string {
	switch s {
	case logger.StatusHit, logger.StatusCoalesced:
		return styleHit.Render(string(s))
	case logger.StatusStored, logger.StatusMiss:
		return styleMiss.Render(string(s))
	default:
		return styleError.Render(string(s))
	}
}

// Handler serves one proxied GET per client connection. It implements
// workerpool.Handler.
type Handler struct {
	cache         *cache.Table
	dialer        Dialer
	maxObjectSize int
	coalesce      bool
	group         singleflight.Group

	userAgent atomic.Pointer[string]
	logger    atomic.Pointer[logger.Logger]
	hub       *sse.Hub
	log       *cblog.Logger
}

// HandlerOptions configures a Handler.
type HandlerOptions struct {
	MaxObjectSize  int
	UserAgent      string
	CoalesceMisses bool
	Dialer         Dialer
	Logger         *logger.Logger
	Hub            *sse.Hub
}

// NewHandler returns a Handler backed by tbl.
func NewHandler(tbl *cache.Table, opts HandlerOptions) *Handler {
	if opts.MaxObjectSize <= 0 {
		opts.MaxObjectSize = DefaultMaxObjectSize
	}
	if opts.Dialer == nil {
		opts.Dialer = &net.Dialer{}
	}
	h := &Handler{
		cache:         tbl,
		dialer:        opts.Dialer,
		maxObjectSize: opts.MaxObjectSize,
		coalesce:      opts.CoalesceMisses,
		hub:           opts.Hub,
		log:           cblog.WithPrefix("REQ"),
	}
	h.SetUserAgent(opts.UserAgent)
	h.SetLogger(opts.Logger)
	return h
}

// SetUserAgent replaces the User-Agent sent to origins.
func (h *Handler) SetUserAgent(ua string) {
	if ua == "" {
		ua = DefaultUserAgent
	}
	h.userAgent.Store(&ua)
}

// UserAgent returns the User-Agent sent to origins.
func (h *Handler) UserAgent() string { return *h.userAgent.Load() }

// SetLogger replaces the access logger. A nil logger disables access events.
func (h *Handler) SetLogger(l *logger.Logger) { h.logger.Store(l) }

// ServeConn decodes one request from conn and answers it from the cache or
// the origin. The caller closes conn.
func (h *Handler) ServeConn(ctx context.Context, conn net.Conn) error {
	start := time.Now()
	ev := logger.Event{Worker: workerpool.WorkerID(ctx), Slot: -1}
	if host, port, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
		ev.SrcIP = host
		ev.SrcPort, _ = strconv.Atoi(port)
	}

	req, err := DecodeRequest(bufio.NewReader(conn))
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		if req != nil {
			ev.Method, ev.Request, ev.ProtocolVersion = req.Method, req.URI, req.Version
		}
		ev.CacheStatus = logger.StatusRejected
		ev.Error = err.Error()
		h.record(ev, start)
		return err
	}
	ev.Method, ev.Request, ev.ProtocolVersion = req.Method, req.URI, req.Version
	ev.UserAgent = req.Get("User-Agent")
	ev.Upstream = req.Target.Addr()

	err = h.serve(ctx, conn, req, &ev)
	if err != nil {
		ev.CacheStatus = logger.StatusError
		ev.Error = err.Error()
		if errors.Is(err, ErrOrigin) {
			metrics.RecordOriginError()
		}
	}
	h.record(ev, start)
	return err
}

func (h *Handler) serve(ctx context.Context, conn net.Conn, req *Request, ev *logger.Event) error {
	key := req.Key()
	hit, err := h.cache.Read(key, func(payload []byte) error {
		ev.Bytes = int64(len(payload))
		_, err := conn.Write(payload)
		return err
	})
	if hit {
		ev.CacheStatus = logger.StatusHit
		if err != nil {
			return fmt.Errorf("forward to client: %w", err)
		}
		return nil
	}
	if h.coalesce {
		return h.fetchShared(ctx, conn, req, ev)
	}
	return h.fetchAndStore(ctx, conn, req, ev)
}

func (h *Handler) fetchAndStore(ctx context.Context, w io.Writer, req *Request, ev *logger.Event) error {
	c, err := FetchFromOrigin(ctx, h.dialer, req, h.UserAgent(), h.maxObjectSize, w)
	ev.Bytes = c.Size
	if err != nil {
		return err
	}
	h.store(req.Key(), c, ev)
	return nil
}

// store inserts a complete capture into the cache and fills in the event.
func (h *Handler) store(key string, c Capture, ev *logger.Event) {
	if !c.Cacheable || c.Size == 0 {
		ev.CacheStatus = logger.StatusMiss
		if !c.Cacheable {
			metrics.RecordOversize()
			h.log.Debugf("%s: %d bytes exceeds max object size %d, not cached", key, c.Size, h.maxObjectSize)
		}
		return
	}
	idx, evicted := h.cache.Insert(key, c.Payload)
	ev.CacheStatus = logger.StatusStored
	ev.Slot = idx
	ev.Evicted = evicted
	if evicted != "" {
		metrics.RecordEviction()
		cblog.WithPrefix("CACHE").Debugf("slot %d: %s replaces %s", idx, key, evicted)
	}
}

// fetchShared lets one of several concurrent misses on the same key fetch
// from the origin. The leader streams to its own client; followers write the
// captured payload, or fetch on their own when there is nothing to share.
func (h *Handler) fetchShared(ctx context.Context, conn net.Conn, req *Request, ev *logger.Event) error {
	leader := false
	v, err, _ := h.group.Do(req.Key(), func() (any, error) {
		leader = true
		c, err := FetchFromOrigin(ctx, h.dialer, req, h.UserAgent(), h.maxObjectSize, conn)
		ev.Bytes = c.Size
		if err != nil {
			return nil, err
		}
		h.store(req.Key(), c, ev)
		return c, nil
	})
	if leader {
		return err
	}

	c, _ := v.(Capture)
	if err != nil || !c.Cacheable || c.Size == 0 {
		return h.fetchAndStore(ctx, conn, req, ev)
	}
	ev.CacheStatus = logger.StatusCoalesced
	ev.Bytes = c.Size
	if _, err := conn.Write(c.Payload); err != nil {
		return fmt.Errorf("forward to client: %w", err)
	}
	return nil
}

func (h *Handler) record(ev logger.Event, start time.Time) {
	d := time.Since(start)
	ev.EventTime = start.UTC()
	ev.DurationMs = float64(d.Microseconds()) / 1000
	metrics.RecordRequest(string(ev.CacheStatus), d)

	uri := ev.Request
	if uri == "" {
		uri = "-"
	}
	h.log.Infof("%s %s %s from %s (%d bytes)",
		renderStatus(ev.CacheStatus), ev.Method, styleURI.Render(uri),
		styleHost.Render(ev.SrcIP), ev.Bytes)

	if l := h.logger.Load(); l != nil {
		if err := l.Log(ev); err != nil && !errors.Is(err, logger.ErrClosed) {
			h.log.Errorf("access log: %v", err)
		}
	}
	if h.hub != nil {
		if err := h.hub.PublishJSON("request", string(ev.CacheStatus), ev); err != nil {
			h.log.Errorf("publish event: %v", err)
		}
	}
}
