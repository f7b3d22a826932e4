package sse

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	cblog "github.com/charmbracelet/log"
)

// failingFlusher accepts writes but cannot flush.
type failingFlusher struct {
	header http.Header
}

func (f *failingFlusher) Header() http.Header         { return f.header }
func (f *failingFlusher) Write(p []byte) (int, error) { return len(p), nil }
func (f *failingFlusher) WriteHeader(int)             {}
func (f *failingFlusher) FlushError() error           { return errors.New("connection reset") }

func TestEventsFlushFailure(t *testing.T) {
	var buf bytes.Buffer
	cblog.SetOutput(&buf)
	defer cblog.SetOutput(io.Discard)

	hub := NewHub()
	srv := NewServer("", hub)
	done := make(chan struct{})
	go func() {
		srv.events(&failingFlusher{header: make(http.Header)}, httptest.NewRequest(http.MethodGet, "/events", nil))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not exit")
	}
	if !strings.Contains(buf.String(), "flush headers") {
		t.Fatalf("expected flush error log, got %q", buf.String())
	}
	if hub.Subscribers() != 0 {
		t.Fatal("failed stream should not subscribe")
	}
}

// openStream connects to the /events endpoint and waits until the hub has
// registered the subscriber.
func openStream(t *testing.T, base, query string, hub *Hub) (*bufio.Reader, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/events"+query, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}
	deadline := time.Now().Add(time.Second)
	for hub.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.Subscribers() == 0 {
		t.Fatal("subscriber not registered")
	}
	return bufio.NewReader(resp.Body), func() {
		cancel()
		resp.Body.Close()
	}
}

// nextEvent reads one event block, skipping retry hints and comments.
func nextEvent(t *testing.T, r *bufio.Reader) map[string]string {
	t.Helper()
	fields := map[string]string{}
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		if line == "" {
			if _, ok := fields["data"]; ok {
				return fields
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			fields["comment"] = line
			continue
		}
		k, v, _ := strings.Cut(line, ": ")
		fields[k] = v
	}
}

func TestEventsStatusFilter(t *testing.T) {
	hub := NewHub()
	ts := httptest.NewServer(NewServer("", hub).Handler())
	defer ts.Close()

	r, closeStream := openStream(t, ts.URL, "?status=hit,stored", hub)
	defer closeStream()

	hub.Send(Message{Event: "request", Tag: "MISS", Data: []byte(`{"n":1}`)})
	hub.Send(Message{Event: "request", Tag: "HIT", Data: []byte(`{"n":2}`)})

	ev := nextEvent(t, r)
	if ev["event"] != "request" || ev["data"] != `{"n":2}` || ev["id"] != "2" {
		t.Fatalf("unexpected event %v", ev)
	}
}

func TestEventsPing(t *testing.T) {
	hub := NewHub()
	srv := NewServer("", hub)
	srv.PingInterval = 20 * time.Millisecond
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	r, closeStream := openStream(t, ts.URL, "", hub)
	defer closeStream()

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if strings.HasPrefix(line, ": ping") {
			return
		}
	}
}

func TestServeAndShutdown(t *testing.T) {
	hub := NewHub()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := NewServer(ln.Addr().String(), hub)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	r, closeStream := openStream(t, "http://"+ln.Addr().String(), "?event=request", hub)
	if err := hub.PublishJSON("request", "STORED", map[string]int{"bytes": 12}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if ev := nextEvent(t, r); ev["data"] != `{"bytes":12}` {
		t.Fatalf("unexpected event %v", ev)
	}
	closeStream()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, http.ErrServerClosed) {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("server did not shut down")
	}
}
