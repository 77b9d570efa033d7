package opqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestQueue() *Queue {
	return New(Config{SettlePause: 1 * time.Millisecond})
}

func TestEnqueue_priorityInsertionStable(t *testing.T) {
	t.Parallel()
	q := newTestQueue()
	defer q.Close()
	ctx := context.Background()

	gate := make(chan struct{})
	var mu sync.Mutex
	var order []string

	record := func(name string) Op {
		return func(context.Context) (string, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return "", nil
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = q.Enqueue(ctx, "/w", func(context.Context) (string, error) {
			<-gate
			return "", nil
		}, Options{Label: "blocker"})
	}()
	// Give the dispatcher time to start the blocker so the rest stack up.
	time.Sleep(50 * time.Millisecond)

	enqueue := func(name string, p Priority) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.Enqueue(ctx, "/w", record(name), Options{Priority: p, Label: name})
		}()
		time.Sleep(20 * time.Millisecond) // deterministic arrival order
	}
	enqueue("low1", Low)
	enqueue("normal1", Normal)
	enqueue("high1", High)
	enqueue("normal2", Normal)
	enqueue("high2", High)

	close(gate)
	wg.Wait()

	want := []string{"high1", "high2", "normal1", "normal2", "low1"}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != len(want) {
		t.Fatalf("executed %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("executed %v, want %v", order, want)
		}
	}
}

func TestEnqueue_sameWorkdirNeverOverlaps(t *testing.T) {
	t.Parallel()
	q := newTestQueue()
	defer q.Close()
	ctx := context.Background()

	var active, maxActive int32
	op := func(context.Context) (string, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			m := atomic.LoadInt32(&maxActive)
			if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return "", nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.Enqueue(ctx, "/same", op, Options{})
		}()
	}
	wg.Wait()
	if got := atomic.LoadInt32(&maxActive); got != 1 {
		t.Fatalf("max concurrent ops on one workdir = %d, want 1", got)
	}
}

func TestEnqueue_differentWorkdirsInterleave(t *testing.T) {
	t.Parallel()
	q := newTestQueue()
	defer q.Close()
	ctx := context.Background()

	// Each op waits for the other; only true parallelism across workdirs
	// lets both finish.
	a := make(chan struct{})
	b := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = q.Enqueue(ctx, "/a", func(context.Context) (string, error) {
			close(a)
			<-b
			return "", nil
		}, Options{})
	}()
	go func() {
		defer wg.Done()
		_, _ = q.Enqueue(ctx, "/b", func(context.Context) (string, error) {
			close(b)
			<-a
			return "", nil
		}, Options{})
	}()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ops on different workdirs did not interleave")
	}
}

func TestEnqueue_globalExcludesLocal(t *testing.T) {
	t.Parallel()
	q := newTestQueue()
	defer q.Close()
	ctx := context.Background()

	var active int32
	var overlapped atomic.Bool
	op := func(context.Context) (string, error) {
		if atomic.AddInt32(&active, 1) > 1 {
			overlapped.Store(true)
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return "", nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.Enqueue(ctx, "/local", op, Options{})
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.Enqueue(ctx, "", op, Options{Global: true})
		}()
	}
	wg.Wait()
	if overlapped.Load() {
		t.Fatal("a global op overlapped another operation")
	}
}

func TestEnqueue_queueFull(t *testing.T) {
	t.Parallel()
	q := New(Config{Capacity: 2, SettlePause: 1 * time.Millisecond})
	defer q.Close()
	ctx := context.Background()

	gate := make(chan struct{})
	defer close(gate)
	go func() {
		_, _ = q.Enqueue(ctx, "/w", func(context.Context) (string, error) {
			<-gate
			return "", nil
		}, Options{})
	}()
	time.Sleep(50 * time.Millisecond)

	for i := 0; i < 2; i++ {
		go func() {
			_, _ = q.Enqueue(ctx, "/w", func(context.Context) (string, error) { return "", nil }, Options{})
		}()
	}
	time.Sleep(50 * time.Millisecond)

	_, err := q.Enqueue(ctx, "/w", func(context.Context) (string, error) { return "", nil }, Options{})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("want ErrQueueFull, got %v", err)
	}
}

func TestClear_rejectsPendingOnly(t *testing.T) {
	t.Parallel()
	q := newTestQueue()
	defer q.Close()
	ctx := context.Background()

	gate := make(chan struct{})
	execDone := make(chan error, 1)
	go func() {
		_, err := q.Enqueue(ctx, "/w", func(context.Context) (string, error) {
			<-gate
			return "", nil
		}, Options{})
		execDone <- err
	}()
	time.Sleep(50 * time.Millisecond)

	pendingDone := make(chan error, 1)
	go func() {
		_, err := q.Enqueue(ctx, "/w", func(context.Context) (string, error) { return "", nil }, Options{})
		pendingDone <- err
	}()
	time.Sleep(50 * time.Millisecond)

	q.Clear()
	if err := <-pendingDone; !errors.Is(err, ErrQueueCleared) {
		t.Fatalf("pending op: want ErrQueueCleared, got %v", err)
	}
	close(gate)
	if err := <-execDone; err != nil {
		t.Fatalf("executing op must be unaffected by Clear, got %v", err)
	}
}

type fakeTransient struct{}

func (fakeTransient) Error() string   { return "transient lock" }
func (fakeTransient) Retryable() bool { return true }

func TestExec_retriesRetryableErrors(t *testing.T) {
	t.Parallel()
	q := New(Config{Attempts: 3, RetryDelay: time.Millisecond, SettlePause: time.Millisecond})
	defer q.Close()
	ctx := context.Background()

	var calls int32
	out, err := q.Enqueue(ctx, "/w", func(context.Context) (string, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return "", fakeTransient{}
		}
		return "ok", nil
	}, Options{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if out != "ok" || atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("out=%q calls=%d, want ok after 3 attempts", out, calls)
	}
}

func TestExec_fatalErrorsPropagateImmediately(t *testing.T) {
	t.Parallel()
	q := New(Config{Attempts: 3, RetryDelay: time.Millisecond, SettlePause: time.Millisecond})
	defer q.Close()
	ctx := context.Background()

	fatal := errors.New("would be overwritten")
	var calls int32
	_, err := q.Enqueue(ctx, "/w", func(context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "", fatal
	}, Options{})
	if !errors.Is(err, fatal) {
		t.Fatalf("want fatal error, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("fatal op ran %d times, want 1", calls)
	}
}

func TestEnqueue_afterCloseFails(t *testing.T) {
	t.Parallel()
	q := newTestQueue()
	q.Close()
	_, err := q.Enqueue(context.Background(), "/w", func(context.Context) (string, error) { return "", nil }, Options{})
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("want ErrClosed, got %v", err)
	}
}

func TestConfig_settlePauseDefaults(t *testing.T) {
	t.Parallel()
	if got := (Config{}).withDefaults().SettlePause; got != defaultSettlePause {
		t.Errorf("zero-value SettlePause = %v, want %v", got, defaultSettlePause)
	}
	if got := (Config{SettlePause: NoSettlePause}).withDefaults().SettlePause; got != 0 {
		t.Errorf("NoSettlePause = %v, want 0", got)
	}
	if got := (Config{SettlePause: time.Second}).withDefaults().SettlePause; got != time.Second {
		t.Errorf("explicit SettlePause = %v, want %v", got, time.Second)
	}
}

func TestExec_settlePauseSeparatesSameQueueOps(t *testing.T) {
	t.Parallel()
	const pause = 30 * time.Millisecond
	q := New(Config{SettlePause: pause})
	defer q.Close()
	ctx := context.Background()

	var first, second time.Time
	if _, err := q.Enqueue(ctx, "/w", func(context.Context) (string, error) {
		first = time.Now()
		return "", nil
	}, Options{}); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, "/w", func(context.Context) (string, error) {
		second = time.Now()
		return "", nil
	}, Options{}); err != nil {
		t.Fatal(err)
	}
	if gap := second.Sub(first); gap < pause {
		t.Errorf("back-to-back ops %v apart, want at least %v", gap, pause)
	}
}
