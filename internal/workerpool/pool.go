package workerpool

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	cblog "github.com/charmbracelet/log"

	"github.com/0x4D31/cacheproxy/internal/taskqueue"
)

// Pool sizing used when New is given non-positive values.
const (
	DefaultWorkers   = 8
	DefaultQueueSize = 16
)

// Handler processes one client connection. The pool closes conn after
// ServeConn returns, whatever the outcome.
type Handler interface {
	ServeConn(ctx context.Context, conn net.Conn) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, conn net.Conn) error

func (f HandlerFunc) ServeConn(ctx context.Context, conn net.Conn) error { return f(ctx, conn) }

type workerIDKey struct{}

// WorkerID returns the id of the worker running the current handler, or -1.
func WorkerID(ctx context.Context) int {
	if id, ok := ctx.Value(workerIDKey{}).(int); ok {
		return id
	}
	return -1
}

// Pool runs a fixed number of workers that drain a bounded connection queue.
type Pool struct {
	workers int
	queue   *taskqueue.Queue[net.Conn]
	handler Handler
	log     *cblog.Logger

	startOnce sync.Once
	wg        sync.WaitGroup

	busy    atomic.Int64
	handled atomic.Uint64
	failed  atomic.Uint64
	panics  atomic.Uint64
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Workers  int    `json:"workers"`
	Busy     int64  `json:"busy"`
	Queued   int    `json:"queued"`
	QueueCap int    `json:"queueCap"`
	Handled  uint64 `json:"handled"`
	Failed   uint64 `json:"failed"`
	Panics   uint64 `json:"panics"`
}

// New creates a pool of workers goroutines fed by a queue of queueSize
// connections. Non-positive sizes fall back to the defaults.
func New(workers, queueSize int, h Handler) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Pool{
		workers: workers,
		queue:   taskqueue.New[net.Conn](queueSize),
		handler: h,
		log:     cblog.WithPrefix("POOL"),
	}
}

// Start launches the workers. Calling it more than once has no effect.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.worker(i)
		}
		p.log.Debugf("started %d workers, queue capacity %d", p.workers, p.queue.Cap())
	})
}

// Submit hands conn to the workers, blocking while the queue is full. After
// Shutdown it closes conn and returns taskqueue.ErrClosed.
func (p *Pool) Submit(conn net.Conn) error {
	if err := p.queue.Enqueue(conn); err != nil {
		_ = conn.Close()
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for the workers to finish
// everything already queued.
func (p *Pool) Shutdown() {
	p.queue.Close()
	p.wg.Wait()
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	ctx := context.WithValue(context.Background(), workerIDKey{}, id)
	for {
		conn, ok := p.queue.Dequeue()
		if !ok {
			return
		}
		p.serve(ctx, id, conn)
	}
}

// serve runs the handler for a single connection. Nothing that happens in the
// handler, panics included, leaves this function.
func (p *Pool) serve(ctx context.Context, id int, conn net.Conn) {
	p.busy.Add(1)
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.log.Errorf("worker %d: recovered panic: %v", id, r)
		}
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			p.log.Debugf("worker %d: close: %v", id, err)
		}
		p.handled.Add(1)
		p.busy.Add(-1)
	}()
	if err := p.handler.ServeConn(ctx, conn); err != nil {
		p.failed.Add(1)
		p.log.Debugf("worker %d: %v", id, err)
	}
}

// Stats reports pool occupancy and counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:  p.workers,
		Busy:     p.busy.Load(),
		Queued:   p.queue.Len(),
		QueueCap: p.queue.Cap(),
		Handled:  p.handled.Load(),
		Failed:   p.failed.Load(),
		Panics:   p.panics.Load(),
	}
}
