// Package opqueue serializes mutating repository operations while keeping safe
// parallelism: one FIFO-with-priority queue per working directory for local
// operations, plus one global queue for operations that touch shared repository
// state (fetch, push, worktree add/remove). Global operations exclude each
// other and every local operation; local operations on different directories
// interleave freely.
package opqueue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Priority orders items within one queue. Insertion is stable: a new item goes
// after existing items of equal or higher priority and before the first item
// of lower priority, so same-priority FIFO order is preserved. There is no
// aging; sustained high-priority arrival can delay low-priority items.
type Priority int

const (
	Low Priority = iota
	Normal
	High
)

func (p Priority) String() string {
	switch p {
	case High:
		return "high"
	case Low:
		return "low"
	default:
		return "normal"
	}
}

var (
	// ErrQueueFull is returned immediately when a queue is at capacity.
	ErrQueueFull = errors.New("opqueue: queue full")
	// ErrQueueCleared rejects every pending item when Clear is called.
	ErrQueueCleared = errors.New("opqueue: cleared")
	// ErrClosed is returned for enqueues after Close.
	ErrClosed = errors.New("opqueue: closed")
)

// Op is one repository mutation. It runs under the queue's per-op deadline.
type Op func(ctx context.Context) (string, error)

// Options control placement and execution of an enqueued operation.
type Options struct {
	Global   bool
	Priority Priority
	Label    string
	Timeout  time.Duration // 0 = queue default
}

// retryable is satisfied by classified errors (gitx.Error) that may succeed on
// a later attempt. Anything else is rejected on first failure.
type retryable interface{ Retryable() bool }

// Config tunes a Queue. Zero values get defaults.
type Config struct {
	Capacity    int           // per-queue item bound
	OpTimeout   time.Duration // default per-op deadline
	Attempts    int           // attempts per op on retryable errors
	RetryDelay  time.Duration // linear delay between attempts
	SettlePause time.Duration // pause between two ops on the same queue
}

const (
	defaultCapacity    = 128
	defaultOpTimeout   = 2 * time.Minute
	defaultAttempts    = 3
	defaultRetryDelay  = 250 * time.Millisecond
	defaultSettlePause = 50 * time.Millisecond
)

// NoSettlePause disables the pause between consecutive operations on one
// queue. The zero value means "use the default", so an explicit sentinel is
// needed to turn the pause off.
const NoSettlePause time.Duration = -1

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = defaultCapacity
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = defaultOpTimeout
	}
	if c.Attempts <= 0 {
		c.Attempts = defaultAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.SettlePause == 0 {
		c.SettlePause = defaultSettlePause
	}
	if c.SettlePause < 0 {
		c.SettlePause = 0
	}
	return c
}

type outcome struct {
	out string
	err error
}

type item struct {
	id         string
	label      string
	priority   Priority
	enqueuedAt time.Time
	timeout    time.Duration
	op         Op
	done       chan outcome // buffered 1; never blocks the dispatcher
}

// Queue is the bucketed operation queue. Construct one per repository at
// process root with New and pass it by reference to every component that
// mutates repository state.
type Queue struct {
	cfg Config

	// repoLock mediates the shared object store and ref namespace: local ops
	// hold it shared, global ops hold it exclusively.
	repoLock sync.RWMutex

	mu      sync.Mutex
	buckets map[string]*bucket
	global  *bucket
	closed  bool

	// OnExec, when set, observes every executed operation (metrics hook).
	OnExec func(label string, global bool, elapsed time.Duration, err error)
}

// New returns a Queue with the given configuration.
func New(cfg Config) *Queue {
	q := &Queue{cfg: cfg.withDefaults(), buckets: make(map[string]*bucket)}
	q.global = newBucket(q, "(global)", true)
	return q
}

// Enqueue places op on the queue for workdir (or the global queue) and
// suspends the caller until the operation completes or is rejected.
func (q *Queue) Enqueue(ctx context.Context, workdir string, op Op, opts Options) (string, error) {
	b, err := q.bucketFor(workdir, opts.Global)
	if err != nil {
		return "", err
	}
	it := &item{
		id:         uuid.NewString(),
		label:      opts.Label,
		priority:   opts.Priority,
		enqueuedAt: time.Now(),
		timeout:    opts.Timeout,
		op:         op,
		done:       make(chan outcome, 1),
	}
	if err := b.push(it); err != nil {
		return "", err
	}
	select {
	case <-ctx.Done():
		// The operation may still run; the result is discarded.
		return "", ctx.Err()
	case res := <-it.done:
		return res.out, res.err
	}
}

func (q *Queue) bucketFor(workdir string, global bool) (*bucket, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	if global {
		return q.global, nil
	}
	b, ok := q.buckets[workdir]
	if !ok {
		b = newBucket(q, workdir, false)
		q.buckets[workdir] = b
	}
	return b, nil
}

// Clear rejects every pending item on every queue with ErrQueueCleared. An
// operation already executing is unaffected.
func (q *Queue) Clear() {
	q.mu.Lock()
	buckets := make([]*bucket, 0, len(q.buckets)+1)
	buckets = append(buckets, q.global)
	for _, b := range q.buckets {
		buckets = append(buckets, b)
	}
	q.mu.Unlock()
	for _, b := range buckets {
		b.clear()
	}
}

// Close clears all pending work and stops the dispatchers. Further enqueues
// return ErrClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	buckets := make([]*bucket, 0, len(q.buckets)+1)
	buckets = append(buckets, q.global)
	for _, b := range q.buckets {
		buckets = append(buckets, b)
	}
	q.mu.Unlock()
	for _, b := range buckets {
		b.clear()
		b.stop()
	}
}

// Pending returns the number of queued (not yet executing) items across all
// queues. Used by the status API.
func (q *Queue) Pending() int {
	q.mu.Lock()
	buckets := make([]*bucket, 0, len(q.buckets)+1)
	buckets = append(buckets, q.global)
	for _, b := range q.buckets {
		buckets = append(buckets, b)
	}
	q.mu.Unlock()
	n := 0
	for _, b := range buckets {
		n += b.len()
	}
	return n
}

type bucket struct {
	q      *Queue
	key    string
	global bool

	mu    sync.Mutex
	items []*item
	wake  chan struct{}
	quit  chan struct{}
	once  sync.Once
}

func newBucket(q *Queue, key string, global bool) *bucket {
	b := &bucket{q: q, key: key, global: global, wake: make(chan struct{}, 1), quit: make(chan struct{})}
	go b.run()
	return b
}

func (b *bucket) push(it *item) error {
	b.mu.Lock()
	if len(b.items) >= b.q.cfg.Capacity {
		b.mu.Unlock()
		return ErrQueueFull
	}
	// Stable priority insertion: after equal-or-higher, before first lower.
	idx := len(b.items)
	for i, existing := range b.items {
		if existing.priority < it.priority {
			idx = i
			break
		}
	}
	b.items = append(b.items, nil)
	copy(b.items[idx+1:], b.items[idx:])
	b.items[idx] = it
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
	return nil
}

func (b *bucket) pop() *item {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return nil
	}
	it := b.items[0]
	b.items = b.items[1:]
	return it
}

func (b *bucket) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

func (b *bucket) clear() {
	b.mu.Lock()
	items := b.items
	b.items = nil
	b.mu.Unlock()
	for _, it := range items {
		it.done <- outcome{err: ErrQueueCleared}
	}
}

func (b *bucket) stop() {
	b.once.Do(func() { close(b.quit) })
}

func (b *bucket) run() {
	for {
		it := b.pop()
		if it == nil {
			select {
			case <-b.quit:
				return
			case <-b.wake:
				continue
			}
		}
		b.exec(it)
		if pause := b.q.cfg.SettlePause; pause > 0 {
			// Let the VCS subprocess release OS handles before the next op.
			time.Sleep(pause)
		}
	}
}

func (b *bucket) exec(it *item) {
	if b.global {
		b.q.repoLock.Lock()
		defer b.q.repoLock.Unlock()
	} else {
		b.q.repoLock.RLock()
		defer b.q.repoLock.RUnlock()
	}

	timeout := it.timeout
	if timeout <= 0 {
		timeout = b.q.cfg.OpTimeout
	}
	start := time.Now()
	var res outcome
	for attempt := 1; attempt <= b.q.cfg.Attempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		res.out, res.err = it.op(ctx)
		cancel()
		if res.err == nil {
			break
		}
		var r retryable
		if !errors.As(res.err, &r) || !r.Retryable() {
			break
		}
		if attempt < b.q.cfg.Attempts {
			slog.Debug("opqueue retrying operation",
				"label", it.label, "queue", b.key, "attempt", attempt, "err", res.err)
			time.Sleep(b.q.cfg.RetryDelay)
		}
	}
	if res.err != nil {
		slog.Warn("opqueue operation failed",
			"label", it.label, "queue", b.key, "priority", it.priority.String(),
			"queued", time.Since(it.enqueuedAt), "elapsed", time.Since(start), "err", res.err)
	}
	if fn := b.q.OnExec; fn != nil {
		fn(it.label, b.global, time.Since(start), res.err)
	}
	it.done <- res
}
