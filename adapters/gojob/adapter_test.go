package gojob

import (
	"context"
	"errors"
	"testing"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"

	"github.com/goliatone/go-settlement-guard/command"
	"github.com/goliatone/go-settlement-guard/core"
	"github.com/goliatone/go-settlement-guard/reconcile"
)

func TestReconcileMessageRoundTrip(t *testing.T) {
	start := time.Date(2026, 2, 20, 10, 0, 0, 0, time.UTC)
	end := start.Add(2 * time.Hour)

	windowed, err := ReconcileMessage(command.RunReconciliationMessage{WindowStart: start, WindowEnd: end})
	if err != nil {
		t.Fatalf("build windowed message: %v", err)
	}
	if windowed.JobID != JobIDReconcile || windowed.DedupPolicy != dedupDrop {
		t.Fatalf("unexpected job message %#v", windowed)
	}
	parsed, err := ParseReconcileMessage(windowed)
	if err != nil {
		t.Fatalf("parse windowed message: %v", err)
	}
	if !parsed.WindowStart.Equal(start) || !parsed.WindowEnd.Equal(end) {
		t.Fatalf("expected window to survive mapping, got %#v", parsed)
	}

	recent, err := ReconcileMessage(command.RunReconciliationMessage{Lookback: time.Hour})
	if err != nil {
		t.Fatalf("build recent message: %v", err)
	}
	parsed, err = ParseReconcileMessage(recent)
	if err != nil {
		t.Fatalf("parse recent message: %v", err)
	}
	if parsed.Lookback != time.Hour {
		t.Fatalf("expected 1h lookback, got %s", parsed.Lookback)
	}
	if recent.IdempotencyKey == windowed.IdempotencyKey {
		t.Fatalf("expected distinct idempotency keys per window")
	}

	if _, err := ReconcileMessage(command.RunReconciliationMessage{Lookback: -time.Second}); err == nil {
		t.Fatalf("expected invalid message to be rejected")
	}
}

func TestPurgeMessageKeyedByBucket(t *testing.T) {
	tick := time.Date(2026, 2, 20, 12, 0, 0, 0, time.UTC)
	first := PurgeMessage(tick)
	again := PurgeMessage(tick)
	next := PurgeMessage(tick.Add(time.Hour))
	if first.IdempotencyKey != again.IdempotencyKey {
		t.Fatalf("expected same bucket to share a key")
	}
	if first.IdempotencyKey == next.IdempotencyKey {
		t.Fatalf("expected next bucket to get a new key")
	}
}

func TestEnqueuerAdapter(t *testing.T) {
	ctx := context.Background()
	enqueuer := &stubQueueEnqueuer{}
	adapter := NewEnqueuerAdapter(enqueuer)

	if err := adapter.EnqueueReconcile(ctx, command.RunReconciliationMessage{Lookback: time.Hour}); err != nil {
		t.Fatalf("enqueue reconcile: %v", err)
	}
	if enqueuer.last == nil || enqueuer.last.JobID != JobIDReconcile {
		t.Fatalf("expected reconcile job to be enqueued")
	}
	if err := adapter.EnqueuePurge(ctx, time.Date(2026, 2, 20, 12, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("enqueue purge: %v", err)
	}
	if enqueuer.last.JobID != JobIDPurge {
		t.Fatalf("expected purge job to be enqueued")
	}

	if err := NewEnqueuerAdapter(nil).Enqueue(ctx, PurgeMessage(time.Now())); err == nil {
		t.Fatalf("expected unconfigured enqueuer error")
	}
}

func TestProcessorRoutesAndAcks(t *testing.T) {
	ctx := context.Background()
	var gotLookback time.Duration
	handlers := Handlers{
		Reconcile: command.NewRunReconciliationCommand(stubReconciler{
			recentFn: func(_ context.Context, lookback time.Duration) (core.DiscrepancyReport, error) {
				gotLookback = lookback
				return core.DiscrepancyReport{RunID: "run-1"}, nil
			},
		}),
		Purge: command.NewPurgeExpiredCommand(stubPurger{removed: 3}),
	}
	msg, err := ReconcileMessage(command.RunReconciliationMessage{Lookback: 2 * time.Hour})
	if err != nil {
		t.Fatalf("build message: %v", err)
	}
	delivery := &stubQueueDelivery{msg: msg}
	hook := &capturingHook{}
	processor := NewProcessor(&stubQueueDequeuer{deliveries: []queue.Delivery{delivery}}, handlers, RetryPolicy{}, hook)

	if err := processor.ProcessNext(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}
	if !delivery.acked {
		t.Fatalf("expected delivery to be acked")
	}
	if gotLookback != 2*time.Hour {
		t.Fatalf("expected lookback to reach the reconciler, got %s", gotLookback)
	}
	if hook.starts != 1 || hook.successes != 1 {
		t.Fatalf("expected start and success hooks, got %#v", hook)
	}
}

func TestProcessorRetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	handlers := Handlers{
		Purge: command.NewPurgeExpiredCommand(stubPurger{err: errors.New("db down")}),
	}
	tick := time.Date(2026, 2, 20, 12, 0, 0, 0, time.UTC)
	first := &stubQueueDelivery{msg: PurgeMessage(tick)}
	second := &stubQueueDelivery{msg: PurgeMessage(tick)}
	hook := &capturingHook{}
	processor := NewProcessor(
		&stubQueueDequeuer{deliveries: []queue.Delivery{first, second}},
		handlers,
		RetryPolicy{MaxAttempts: 2, MaxDelay: 10 * time.Second, DeadLetterOnMax: true},
		hook,
	)

	if err := processor.ProcessNext(ctx); err != nil {
		t.Fatalf("process first: %v", err)
	}
	if !first.nacked || !first.nackOpts.Requeue || first.nackOpts.DeadLetter {
		t.Fatalf("expected first failure to requeue, got %#v", first.nackOpts)
	}
	if first.nackOpts.Delay != time.Second {
		t.Fatalf("expected 1s backoff, got %s", first.nackOpts.Delay)
	}
	if err := processor.ProcessNext(ctx); err != nil {
		t.Fatalf("process second: %v", err)
	}
	if second.nackOpts.Requeue || !second.nackOpts.DeadLetter {
		t.Fatalf("expected dead letter at max attempts, got %#v", second.nackOpts)
	}
	if hook.retries != 1 || hook.failures != 1 {
		t.Fatalf("expected one retry and one failure hook, got %#v", hook)
	}
	if hook.last.Attempt != 2 {
		t.Fatalf("expected attempt 2, got %d", hook.last.Attempt)
	}
}

func TestProcessorDeadLettersBadInput(t *testing.T) {
	delivery := &stubQueueDelivery{msg: &job.ExecutionMessage{
		JobID:      JobIDReconcile,
		Parameters: map[string]any{paramWindowStart: "2026-02-20T10:00:00Z"},
	}}
	processor := NewProcessor(&stubQueueDequeuer{deliveries: []queue.Delivery{delivery}}, Handlers{}, RetryPolicy{})
	if err := processor.ProcessNext(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if !delivery.nackOpts.DeadLetter || delivery.nackOpts.Requeue {
		t.Fatalf("expected half window to be dead lettered, got %#v", delivery.nackOpts)
	}
}

func TestNackRetryPolicyBoundaries(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, MaxDelay: 10 * time.Second, DeadLetterOnMax: true}

	opts := policy.NormalizeAttempt(queue.NackOptions{Delay: 30 * time.Second, Requeue: true, Reason: " transient "}, 1)
	if opts.Delay != 10*time.Second || !opts.Requeue || opts.Reason != "transient" {
		t.Fatalf("expected bounded requeue, got %#v", opts)
	}
	opts = policy.NormalizeAttempt(queue.NackOptions{Delay: time.Second, Requeue: true}, 3)
	if opts.Requeue || !opts.DeadLetter {
		t.Fatalf("expected dead letter once max attempts is reached, got %#v", opts)
	}
	opts = RetryPolicy{}.NormalizeAttempt(queue.NackOptions{Delay: -time.Second}, 1)
	if !opts.Requeue || opts.Delay != 0 {
		t.Fatalf("expected requeue default with clamped delay, got %#v", opts)
	}
}

func TestObserverHookCountsOutcomes(t *testing.T) {
	metrics := &capturingMetrics{}
	hook := NewObserverHook(core.NewObserver("guard.jobs", nil, nil, metrics))
	event := worker.Event{
		Message:  PurgeMessage(time.Date(2026, 2, 20, 12, 0, 0, 0, time.UTC)),
		Attempt:  2,
		Delay:    5 * time.Second,
		Err:      errors.New("retry"),
		Duration: 250 * time.Millisecond,
	}
	hook.OnRetry(context.Background(), event)
	if metrics.counters["guard.job.total"] != 1 {
		t.Fatalf("expected job counter, got %#v", metrics.counters)
	}
	if metrics.lastTags["outcome"] != "retry" {
		t.Fatalf("expected retry outcome tag, got %#v", metrics.lastTags)
	}
}

type stubReconciler struct {
	recentFn func(ctx context.Context, lookback time.Duration) (core.DiscrepancyReport, error)
}

func (s stubReconciler) Run(context.Context, reconcile.Window) (core.DiscrepancyReport, error) {
	return core.DiscrepancyReport{}, nil
}

func (s stubReconciler) RunRecent(ctx context.Context, lookback time.Duration) (core.DiscrepancyReport, error) {
	return s.recentFn(ctx, lookback)
}

type stubPurger struct {
	removed int
	err     error
}

func (s stubPurger) PurgeExpired(context.Context) (int, error) {
	return s.removed, s.err
}

type stubQueueEnqueuer struct {
	last *job.ExecutionMessage
}

func (s *stubQueueEnqueuer) Enqueue(_ context.Context, msg *job.ExecutionMessage) error {
	s.last = msg
	return nil
}

type stubQueueDequeuer struct {
	deliveries []queue.Delivery
}

func (s *stubQueueDequeuer) Dequeue(context.Context) (queue.Delivery, error) {
	if len(s.deliveries) == 0 {
		return nil, errors.New("queue empty")
	}
	next := s.deliveries[0]
	s.deliveries = s.deliveries[1:]
	return next, nil
}

type stubQueueDelivery struct {
	msg      *job.ExecutionMessage
	acked    bool
	nacked   bool
	nackOpts queue.NackOptions
}

func (s *stubQueueDelivery) Message() *job.ExecutionMessage {
	return s.msg
}

func (s *stubQueueDelivery) Ack(context.Context) error {
	s.acked = true
	return nil
}

func (s *stubQueueDelivery) Nack(_ context.Context, opts queue.NackOptions) error {
	s.nacked = true
	s.nackOpts = opts
	return nil
}

type capturingHook struct {
	starts    int
	successes int
	failures  int
	retries   int
	last      worker.Event
}

func (h *capturingHook) OnStart(context.Context, worker.Event) { h.starts++ }

func (h *capturingHook) OnSuccess(_ context.Context, event worker.Event) {
	h.successes++
	h.last = event
}

func (h *capturingHook) OnFailure(_ context.Context, event worker.Event) {
	h.failures++
	h.last = event
}

func (h *capturingHook) OnRetry(_ context.Context, event worker.Event) {
	h.retries++
	h.last = event
}

type capturingMetrics struct {
	counters map[string]int64
	lastTags map[string]string
}

func (m *capturingMetrics) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	if m.counters == nil {
		m.counters = map[string]int64{}
	}
	m.counters[name] += value
	m.lastTags = tags
}

func (m *capturingMetrics) ObserveHistogram(context.Context, string, float64, map[string]string) {}
