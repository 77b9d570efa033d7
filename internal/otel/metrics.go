package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
)

var (
	initMetricsOnce  sync.Once
	repoOpsCounter   metric.Int64Counter
	mergesCounter    metric.Int64Counter
	conflictsCounter metric.Int64Counter
	rotationsCounter metric.Int64Counter
	turnsCounter     metric.Int64Counter
	turnDuration     metric.Float64Histogram
	opDuration       metric.Float64Histogram
	eventsCounter    metric.Int64Counter
	subscribersGauge metric.Int64ObservableGauge
	subscribers      int64
	subscribersMu    sync.Mutex
)

// InitMetrics creates the meter instruments. Safe to call multiple times;
// only runs once. Call after InitMeterProvider.
func InitMetrics(ctx context.Context) error {
	var err error
	initMetricsOnce.Do(func() {
		m := Meter()
		repoOpsCounter, err = m.Int64Counter("swarmgit_repo_operations_total", metric.WithDescription("Total repository operations executed through the operation queue"))
		if err != nil {
			return
		}
		opDuration, err = m.Float64Histogram("swarmgit_repo_operation_duration_seconds", metric.WithDescription("Repository operation duration in seconds"))
		if err != nil {
			return
		}
		mergesCounter, err = m.Int64Counter("swarmgit_merges_total", metric.WithDescription("Total worker branches merged into an integration point"))
		if err != nil {
			return
		}
		conflictsCounter, err = m.Int64Counter("swarmgit_conflicts_resolved_total", metric.WithDescription("Total conflicted files auto-resolved during merges"))
		if err != nil {
			return
		}
		rotationsCounter, err = m.Int64Counter("swarmgit_credential_rotations_total", metric.WithDescription("Total credential rotations triggered by rate limiting"))
		if err != nil {
			return
		}
		turnsCounter, err = m.Int64Counter("swarmgit_worker_turns_total", metric.WithDescription("Total worker executor invocations"))
		if err != nil {
			return
		}
		turnDuration, err = m.Float64Histogram("swarmgit_worker_turn_duration_seconds", metric.WithDescription("Worker executor invocation duration in seconds"))
		if err != nil {
			return
		}
		eventsCounter, err = m.Int64Counter("swarmgit_events_total", metric.WithDescription("Total events published to the hub"))
		if err != nil {
			return
		}
		subscribersGauge, err = m.Int64ObservableGauge("swarmgit_event_subscribers", metric.WithDescription("Current hub subscriber count"))
		if err != nil {
			return
		}
		_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			subscribersMu.Lock()
			n := subscribers
			subscribersMu.Unlock()
			o.ObserveInt64(subscribersGauge, n)
			return nil
		}, subscribersGauge)
		if err != nil {
			return
		}
	})
	return err
}

// RecordRepoOp records one operation executed through the operation queue.
func RecordRepoOp(ctx context.Context, label string, global bool, elapsed time.Duration, failed bool) {
	scope := "local"
	if global {
		scope = "global"
	}
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	if repoOpsCounter != nil {
		repoOpsCounter.Add(ctx, 1, metric.WithAttributes(AttrLabel.String(label), AttrScope.String(scope), AttrOutcome.String(outcome)))
	}
	if opDuration != nil {
		opDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(AttrScope.String(scope)))
	}
}

// RecordMerge records one branch merged into an integration point.
func RecordMerge(ctx context.Context, worker string) {
	if mergesCounter != nil {
		mergesCounter.Add(ctx, 1, metric.WithAttributes(AttrWorker.String(worker)))
	}
}

// RecordConflicts records n conflicted files auto-resolved in one merge.
func RecordConflicts(ctx context.Context, worker string, n int) {
	if conflictsCounter != nil && n > 0 {
		conflictsCounter.Add(ctx, int64(n), metric.WithAttributes(AttrWorker.String(worker)))
	}
}

// RecordRotation records one rate-limit credential rotation.
func RecordRotation(ctx context.Context, worker string) {
	if rotationsCounter != nil {
		rotationsCounter.Add(ctx, 1, metric.WithAttributes(AttrWorker.String(worker)))
	}
}

// RecordTurn records a worker executor invocation and its duration.
func RecordTurn(ctx context.Context, worker, outcome string, duration time.Duration) {
	if turnsCounter != nil {
		turnsCounter.Add(ctx, 1, metric.WithAttributes(AttrWorker.String(worker), AttrOutcome.String(outcome)))
	}
	if turnDuration != nil {
		turnDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(AttrWorker.String(worker)))
	}
}

// RecordEvent records one event published to the hub.
func RecordEvent(ctx context.Context) {
	if eventsCounter != nil {
		eventsCounter.Add(ctx, 1)
	}
}

// AddSubscriber adds 1 to the subscriber gauge (call on subscribe).
func AddSubscriber() {
	subscribersMu.Lock()
	subscribers++
	subscribersMu.Unlock()
}

// RemoveSubscriber subtracts 1 from the subscriber gauge (call on unsubscribe).
func RemoveSubscriber() {
	subscribersMu.Lock()
	subscribers--
	if subscribers < 0 {
		subscribers = 0
	}
	subscribersMu.Unlock()
}
