package logger

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_time INTEGER NOT NULL,
	src_ip TEXT,
	src_port INTEGER,
	worker INTEGER,
	method TEXT,
	request TEXT,
	upstream TEXT,
	cache_status TEXT NOT NULL,
	slot INTEGER,
	evicted TEXT,
	bytes INTEGER,
	duration_ms REAL,
	error TEXT
)`

// Store keeps access events in a SQLite database so hit ratios can be
// queried after the fact.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenStore opens or creates the database at path. An empty path opens a
// private in-memory database.
func OpenStore(path string) (*Store, error) {
	dsn := path
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// one connection keeps :memory: databases alive and serialises writers
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create events table: %w", err)
	}
	if _, err := db.Exec("CREATE INDEX IF NOT EXISTS events_status_idx ON events (cache_status)"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}
	return &Store{db: db}, nil
}

// Insert appends ev to the events table.
func (s *Store) Insert(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO events
		(event_time, src_ip, src_port, worker, method, request, upstream,
		 cache_status, slot, evicted, bytes, duration_ms, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.EventTime.UnixNano(), ev.SrcIP, ev.SrcPort, ev.Worker, ev.Method,
		ev.Request, ev.Upstream, string(ev.CacheStatus), ev.Slot, ev.Evicted,
		ev.Bytes, ev.DurationMs, ev.Error)
	return err
}

// Summary is an aggregate view of stored events.
type Summary struct {
	Total    int64                 `json:"total"`
	ByStatus map[CacheStatus]int64 `json:"byStatus"`
	HitRatio float64               `json:"hitRatio"`
	Bytes    int64                 `json:"bytes"`
}

// Summarize aggregates events recorded at or after since. A zero since
// covers the whole table.
func (s *Store) Summarize(ctx context.Context, since time.Time) (Summary, error) {
	var from int64
	if !since.IsZero() {
		from = since.UnixNano()
	}
	rows, err := s.db.QueryContext(ctx, `SELECT cache_status, COUNT(*), COALESCE(SUM(bytes), 0)
		FROM events WHERE event_time >= ? GROUP BY cache_status`, from)
	if err != nil {
		return Summary{}, err
	}
	defer rows.Close()

	sum := Summary{ByStatus: make(map[CacheStatus]int64)}
	for rows.Next() {
		var status string
		var n, b int64
		if err := rows.Scan(&status, &n, &b); err != nil {
			return Summary{}, err
		}
		sum.ByStatus[CacheStatus(status)] = n
		sum.Total += n
		sum.Bytes += b
	}
	if err := rows.Err(); err != nil {
		return Summary{}, err
	}
	served := sum.Total - sum.ByStatus[StatusRejected]
	if served > 0 {
		sum.HitRatio = float64(sum.ByStatus[StatusHit]) / float64(served)
	}
	return sum, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
