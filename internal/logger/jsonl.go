package logger

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	cblog "github.com/charmbracelet/log"
)

// CacheStatus records how a request was answered.
type CacheStatus string

const (
	// StatusHit means the response came from a cache slot.
	StatusHit CacheStatus = "HIT"
	// StatusStored means the response was fetched and then cached.
	StatusStored CacheStatus = "STORED"
	// StatusMiss means the response was fetched but was too large to cache.
	StatusMiss CacheStatus = "MISS"
	// StatusCoalesced means the response was shared from a concurrent fetch.
	StatusCoalesced CacheStatus = "COALESCED"
	// StatusError means the origin fetch or the client write failed.
	StatusError CacheStatus = "ERROR"
	// StatusRejected means the request was malformed or used another method.
	StatusRejected CacheStatus = "REJECTED"
)

// Event represents a single request log entry.
type Event struct {
	EventTime       time.Time   `json:"eventTime"`
	SrcIP           string      `json:"srcIP"`
	SrcPort         int         `json:"srcPort"`
	Worker          int         `json:"worker"`
	Method          string      `json:"method"`
	Request         string      `json:"request"`
	ProtocolVersion string      `json:"protocolVersion"`
	UserAgent       string      `json:"userAgent"`
	Upstream        string      `json:"upstream"`
	CacheStatus     CacheStatus `json:"cacheStatus"`
	Slot            int         `json:"slot"`
	Evicted         string      `json:"evicted,omitempty"`
	Bytes           int64       `json:"bytes"`
	DurationMs      float64     `json:"durationMs"`
	Error           string      `json:"error,omitempty"`
}

// Logger writes JSONL events to a file or stdout and, when a Store is
// attached, mirrors them into SQLite.
type Logger struct {
	mu     sync.Mutex
	enc    *json.Encoder
	c      io.Closer
	echo   bool
	store  *Store
	closed bool
}

// ErrClosed is returned by Log once the Logger has been closed.
var ErrClosed = errors.New("logger: closed")

// New creates a Logger appending to path. If path is empty, stdout is used.
func New(path string) (*Logger, error) {
	if path == "" {
		return newLogger(os.Stdout, nil, false), nil
	}
	return openFile(path, false)
}

// NewWithStdout creates a Logger that appends to path and also echoes each
// record to the console. If path is empty, only the console receives events.
func NewWithStdout(path string) (*Logger, error) {
	if path == "" {
		return newLogger(io.Discard, nil, true), nil
	}
	return openFile(path, true)
}

func openFile(path string, echo bool) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return newLogger(f, f, echo), nil
}

func newLogger(w io.Writer, c io.Closer, echo bool) *Logger {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &Logger{enc: enc, c: c, echo: echo}
}

// NewDiscard creates a Logger that writes no JSONL. It is useful when events
// only go to an attached Store.
func NewDiscard() *Logger {
	return newLogger(io.Discard, nil, false)
}

// AttachStore mirrors every subsequent event into s. The Logger takes
// ownership and closes s on Close.
func (l *Logger) AttachStore(s *Store) {
	l.mu.Lock()
	l.store = s
	l.mu.Unlock()
}

// Store returns the attached Store, if any.
func (l *Logger) Store() *Store {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store
}

// Close closes the underlying file and store. Later calls to Log return
// ErrClosed.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	var errs []error
	if l.c != nil {
		errs = append(errs, l.c.Close())
	}
	if l.store != nil {
		errs = append(errs, l.store.Close())
	}
	return errors.Join(errs...)
}

// Log writes the event as a single JSON line.
func (l *Logger) Log(ev Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if ev.EventTime.IsZero() {
		ev.EventTime = time.Now().UTC()
	}
	if l.echo {
		b, err := json.Marshal(ev)
		if err == nil {
			styled := lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Render(string(b))
			cblog.WithPrefix("EVT").Info(styled)
		} else {
			cblog.WithPrefix("EVT").Errorf("marshal event: %v", err)
		}
	}
	if err := l.enc.Encode(ev); err != nil {
		return err
	}
	if l.store != nil {
		return l.store.Insert(ev)
	}
	return nil
}
