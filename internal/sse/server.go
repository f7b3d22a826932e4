package sse

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	cblog "github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
)

const (
	// DefaultPingInterval is how often an idle stream gets a keep-alive comment.
	DefaultPingInterval = 30 * time.Second
	subscriberBuffer    = 64
	retryMillis         = 3000
)

// Server streams hub messages to HTTP clients at GET /events. The optional
// query parameters event and status take comma-separated lists that narrow
// the stream, for example /events?status=HIT,STORED.
type Server struct {
	Addr         string
	Hub          *Hub
	PingInterval time.Duration

	log    *cblog.Logger
	server *http.Server
}

// NewServer creates an SSE server for hub bound to addr.
func NewServer(addr string, hub *Hub) *Server {
	s := &Server{Addr: addr, Hub: hub, PingInterval: DefaultPingInterval, log: cblog.WithPrefix("SSE")}
	s.server = &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	return s
}

// Handler returns the router serving the event stream.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/events", s.events)
	return r
}

// Start begins listening for connections.
func (s *Server) Start() error { return s.server.ListenAndServe() }

// Serve accepts connections on ln.
func (s *Server) Serve(ln net.Listener) error { return s.server.Serve(ln) }

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error { return s.server.Shutdown(ctx) }

func splitList(v string, upper bool) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if upper {
			p = strings.ToUpper(p)
		}
		out = append(out, p)
	}
	return out
}

func writeMessage(w http.ResponseWriter, m Message) error {
	if _, err := fmt.Fprintf(w, "id: %d\n", m.ID); err != nil {
		return err
	}
	if m.Event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", m.Event); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "data: %s\n\n", m.Data)
	return err
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	q := r.URL.Query()
	f := Filter{Events: splitList(q.Get("event"), false), Tags: splitList(q.Get("status"), true)}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if _, err := fmt.Fprintf(w, "retry: %d\n\n", retryMillis); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		s.log.Errorf("flush headers: %v", err)
		return
	}

	ch := s.Hub.Subscribe(r.Context(), subscriberBuffer, f)
	interval := s.PingInterval
	if interval <= 0 {
		interval = DefaultPingInterval
	}
	ping := time.NewTicker(interval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			if err := writeMessage(w, m); err != nil {
				s.log.Debugf("write event: %v", err)
				return
			}
		case <-ping.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				s.log.Debugf("write ping: %v", err)
				return
			}
		}
		if err := rc.Flush(); err != nil {
			s.log.Debugf("flush: %v", err)
			return
		}
	}
}
