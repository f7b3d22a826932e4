package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	cblog "github.com/charmbracelet/log"

	"github.com/0x4D31/cacheproxy/internal/cache"
	"github.com/0x4D31/cacheproxy/internal/logger"
	"github.com/0x4D31/cacheproxy/internal/sse"
	"github.com/0x4D31/cacheproxy/internal/workerpool"
)

// ErrServerClosed is returned by Start and Serve after Shutdown.
var ErrServerClosed = errors.New("proxy: server closed")

// Options sizes the pipeline and configures request handling.
type Options struct {
	ListenAddr     string
	Workers        int
	QueueSize      int
	CacheSlots     int
	MaxObjectSize  int
	UserAgent      string
	CoalesceMisses bool
	Dialer         Dialer
}

// Server accepts client connections and feeds them to the worker pool.
type Server struct {
	ListenAddr string
	Cache      *cache.Table
	Handler    *Handler

	pool *workerpool.Pool
	log  *cblog.Logger

	mu       sync.Mutex
	listener net.Listener
	closing  atomic.Bool
	served   chan struct{}
}

// Stats combines pool and cache counters.
type Stats struct {
	Pool  workerpool.Stats `json:"pool"`
	Cache cache.Stats      `json:"cache"`
}

// New builds a Server. Events go to lgr and hub when they are non-nil.
func New(opts Options, lgr *logger.Logger, hub *sse.Hub) *Server {
	if opts.ListenAddr == "" {
		opts.ListenAddr = DefaultListenAddr
	}
	tbl := cache.New(opts.CacheSlots)
	h := NewHandler(tbl, HandlerOptions{
		MaxObjectSize:  opts.MaxObjectSize,
		UserAgent:      opts.UserAgent,
		CoalesceMisses: opts.CoalesceMisses,
		Dialer:         opts.Dialer,
		Logger:         lgr,
		Hub:            hub,
	})
	return &Server{
		ListenAddr: opts.ListenAddr,
		Cache:      tbl,
		Handler:    h,
		pool:       workerpool.New(opts.Workers, opts.QueueSize, h),
		log:        cblog.WithPrefix("PROXY"),
		served:     make(chan struct{}),
	}
}

// Start listens on ListenAddr and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve runs the accept loop on ln. Each accepted connection is handed to
// the pool; the loop blocks while the task queue is full.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closing.Load() {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServerClosed
	}
	if s.listener != nil {
		s.mu.Unlock()
		return fmt.Errorf("proxy: already serving on %s", s.listener.Addr())
	}
	s.listener = ln
	s.mu.Unlock()
	defer close(s.served)

	s.pool.Start()
	s.log.Infof("listening on %s", ln.Addr())

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closing.Load() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				delay = backoff(delay)
				s.log.Warnf("accept: %v; retrying in %v", err, delay)
				time.Sleep(delay)
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}
			delay = backoff(delay)
			s.log.Errorf("accept: %v; retrying in %v", err, delay)
			time.Sleep(delay)
			continue
		}
		delay = 0
		if host, port, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
			s.log.Debugf("accepted connection from (%s, %s)", host, port)
		}
		if err := s.pool.Submit(conn); err != nil {
			_ = conn.Close()
			return ErrServerClosed
		}
	}
}

func backoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting, lets the workers finish every queued
// connection and returns when they are done or ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closing.Store(true)
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	var errs []error
	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
		// the acceptor may be blocked in Submit; it exits once the queue closes
	}

	drained := make(chan struct{})
	go func() {
		s.pool.Shutdown()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("drain workers: %w", ctx.Err()))
	}
	if ln != nil {
		select {
		case <-s.served:
		case <-ctx.Done():
		}
	}
	return errors.Join(errs...)
}

// Stats reports the pool and cache counters.
func (s *Server) Stats() Stats {
	return Stats{Pool: s.pool.Stats(), Cache: s.Cache.Stats()}
}
