package executor

import (
	"context"
	"time"
)

// Stub is a deterministic local executor that emits plausible events without
// spawning subprocesses. OnInvoke, when set, scripts the terminal result;
// otherwise every invocation succeeds.
type Stub struct {
	Delay    time.Duration
	OnInvoke func(req Request) Result
}

func (Stub) Name() string { return "stub" }

func (s Stub) Invoke(ctx context.Context, req Request, emit func(Event)) (Result, error) {
	start := time.Now()
	emit(Event{Type: "turn_started", Worker: req.Worker, Timestamp: start.UTC()})
	if s.Delay > 0 {
		t := time.NewTimer(s.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Result{Error: ctx.Err().Error()}, ctx.Err()
		case <-t.C:
		}
	}
	emit(Event{Type: "turn_ended", Worker: req.Worker, Timestamp: time.Now().UTC()})

	res := Result{Success: true, Output: "stub: ok", Handle: req.Handle}
	if s.OnInvoke != nil {
		res = s.OnInvoke(req)
	}
	res.Duration = time.Since(start)
	return res, nil
}
