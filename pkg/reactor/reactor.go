// Package reactor delivers asynchronous notifications.
//
// Every handle (an endpoint, a stream) owns a Queue: an ordered mailbox
// drained by one dedicated task, so callbacks of the same handle never run
// concurrently. Callbacks posted before Run are held until Run starts. Run
// returns once every queue has been closed and drained, i.e. when no handle
// has pending work left.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

var (
	ErrQueueClosed = errors.New("reactor: queue closed")
	ErrStopped     = errors.New("reactor: dispatcher stopped")
	ErrRunning     = errors.New("reactor: dispatcher already ran")
)

// DefaultQueueLen is the mailbox capacity used when NewQueue gets capacity <= 0.
const DefaultQueueLen = 64

// DispatcherError reports an abnormal stop of the dispatcher: a callback
// panicked, or the run context ended while handles were still open.
type DispatcherError struct {
	Queue   string // queue whose callback failed (empty for context expiry)
	Pending int    // queues still open when the dispatcher stopped
	Err     error
}

func (e *DispatcherError) Error() string {
	if e.Queue != "" {
		return fmt.Sprintf("dispatcher stopped: queue %s: %v", e.Queue, e.Err)
	}
	return fmt.Sprintf("dispatcher stopped with %d pending queues: %v", e.Pending, e.Err)
}

func (e *DispatcherError) Unwrap() error { return e.Err }

// Dispatcher runs the queues of one set of handles. Queues may be created
// before Run; their callbacks are held until Run starts them.
type Dispatcher struct {
	log    *slog.Logger
	group  *errgroup.Group
	ctx    context.Context // canceled on callback failure or when Run exits
	cancel context.CancelFunc
	start  chan struct{}   // closed by Run to release queued callbacks
	ran    atomic.Bool
	done   atomic.Bool

	mu     sync.Mutex
	queues map[*Queue]struct{}
	nextID uint64
}

// New creates a dispatcher that logs to log; nil uses slog.Default().
func New(log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	return &Dispatcher{
		log:    log,
		group:  g,
		ctx:    gctx,
		cancel: cancel,
		start:  make(chan struct{}),
		queues: make(map[*Queue]struct{}),
	}
}

// NewQueue creates a mailbox drained by its own task. The dispatcher keeps
// running until the queue is closed. After Run has returned, the queue is
// created closed.
func (d *Dispatcher) NewQueue(name string, capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueLen
	}
	q := &Queue{
		d:     d,
		ch:    make(chan func(), capacity),
		space: make(chan struct{}),
	}

	d.mu.Lock()
	d.nextID++
	q.name = fmt.Sprintf("%s#%d", name, d.nextID)
	if d.done.Load() {
		d.mu.Unlock()
		q.closed = true
		close(q.ch)
		return q
	}
	d.queues[q] = struct{}{}
	d.mu.Unlock()

	d.group.Go(q.run)
	return q
}

// Pending returns the number of queues that have not finished draining.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues)
}

// Run releases queued callbacks and blocks until every queue has been closed
// and drained. It returns a *DispatcherError if a callback panics or ctx ends
// first. Run may be called once.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.ran.CompareAndSwap(false, true) {
		return ErrRunning
	}
	stop := context.AfterFunc(ctx, d.cancel)
	defer stop()
	defer d.cancel()

	close(d.start)
	err := d.group.Wait()

	d.mu.Lock()
	d.done.Store(true)
	pending := len(d.queues)
	d.mu.Unlock()

	if err != nil {
		return err
	}
	if pending > 0 {
		cause := ctx.Err()
		if cause == nil {
			cause = ErrStopped
		}
		d.log.Warn("dispatcher stopped with open handles", "pending", pending, "error", cause)
		return &DispatcherError{Pending: pending, Err: cause}
	}
	return nil
}

func (d *Dispatcher) release(q *Queue) {
	d.mu.Lock()
	delete(d.queues, q)
	d.mu.Unlock()
}

// Queue is an ordered, bounded mailbox of callbacks for one handle.
type Queue struct {
	d    *Dispatcher
	name string
	ch   chan func()

	mu      sync.Mutex
	closed  bool
	space   chan struct{} // closed and replaced when the consumer frees a slot
	waiters atomic.Int32
}

// Name returns the queue's name with the dispatcher's sequence suffix.
func (q *Queue) Name() string { return q.name }

// Post enqueues fn, blocking while the mailbox is full. It fails with
// ErrQueueClosed after Close and with ErrStopped once the dispatcher halts.
func (q *Queue) Post(fn func()) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrQueueClosed
		}
		if q.d.ctx.Err() != nil {
			q.mu.Unlock()
			return ErrStopped
		}
		// Register as a waiter before the send attempt so a slot freed
		// right after a failed send is always signalled.
		q.waiters.Add(1)
		select {
		case q.ch <- fn:
			q.waiters.Add(-1)
			q.mu.Unlock()
			return nil
		default:
		}
		space := q.space
		q.mu.Unlock()

		select {
		case <-space:
			q.waiters.Add(-1)
		case <-q.d.ctx.Done():
			q.waiters.Add(-1)
			return ErrStopped
		}
	}
}

// TryPost enqueues fn without blocking and reports whether it was accepted.
func (q *Queue) TryPost(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	select {
	case q.ch <- fn:
		return true
	default:
		return false
	}
}

// Free returns the number of callbacks that can be posted without blocking.
func (q *Queue) Free() int {
	return cap(q.ch) - len(q.ch)
}

// Cap returns the mailbox capacity.
func (q *Queue) Cap() int { return cap(q.ch) }

// Close stops accepting callbacks. Everything already queued still runs,
// then the queue's task exits. Close never blocks and is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

func (q *Queue) run() error {
	select {
	case <-q.d.start:
	case <-q.d.ctx.Done():
		return nil
	}
	for {
		select {
		case fn, ok := <-q.ch:
			if !ok {
				q.d.release(q)
				return nil
			}
			q.signalSpace()
			if err := q.invoke(fn); err != nil {
				return err
			}
		case <-q.d.ctx.Done():
			return nil
		}
	}
}

func (q *Queue) signalSpace() {
	if q.waiters.Load() == 0 {
		return
	}
	q.mu.Lock()
	close(q.space)
	q.space = make(chan struct{})
	q.mu.Unlock()
}

func (q *Queue) invoke(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.d.log.Error("callback panicked", "queue", q.name, "panic", r)
			err = &DispatcherError{Queue: q.name, Err: fmt.Errorf("callback panic: %v", r)}
		}
	}()
	fn()
	return nil
}
