package gojob

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"

	"github.com/goliatone/go-settlement-guard/command"
	"github.com/goliatone/go-settlement-guard/core"
)

const (
	JobIDReconcile = "guard.reconcile"
	JobIDPurge     = "guard.purge"
)

const (
	paramLookbackSeconds = "lookback_seconds"
	paramWindowStart     = "window_start"
	paramWindowEnd       = "window_end"
)

// dedupDrop drops a message whose idempotency key is already queued.
const dedupDrop = job.DeduplicationPolicy("drop")

// RetryPolicy defines queue retry bounds to avoid unbounded retry loops.
type RetryPolicy struct {
	MaxAttempts     int
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

// NormalizeAttempt enforces bounded retry behavior for a nack operation.
func (p RetryPolicy) NormalizeAttempt(opts queue.NackOptions, attempt int) queue.NackOptions {
	out := opts
	out.Reason = strings.TrimSpace(out.Reason)
	if out.Delay < 0 {
		out.Delay = 0
	}
	if p.MaxDelay > 0 && out.Delay > p.MaxDelay {
		out.Delay = p.MaxDelay
	}
	if out.DeadLetter {
		out.Requeue = false
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		out.Requeue = false
		if p.DeadLetterOnMax || out.DeadLetter {
			out.DeadLetter = true
		}
	}
	if !out.Requeue && !out.DeadLetter {
		out.Requeue = true
	}
	return out
}

// ReconcileMessage builds the job for one reconciliation run. An explicit
// window wins over lookback. Runs for the same window share an idempotency
// key so a duplicate enqueue is dropped.
func ReconcileMessage(msg command.RunReconciliationMessage) (*job.ExecutionMessage, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	params := map[string]any{}
	key := JobIDReconcile
	if !msg.WindowStart.IsZero() && !msg.WindowEnd.IsZero() {
		start := msg.WindowStart.UTC().Format(time.RFC3339Nano)
		end := msg.WindowEnd.UTC().Format(time.RFC3339Nano)
		params[paramWindowStart] = start
		params[paramWindowEnd] = end
		key += ":" + start + ":" + end
	} else {
		seconds := int64(msg.Lookback / time.Second)
		params[paramLookbackSeconds] = seconds
		key += ":recent:" + strconv.FormatInt(seconds, 10)
	}
	return &job.ExecutionMessage{
		JobID:          JobIDReconcile,
		ScriptPath:     JobIDReconcile,
		Parameters:     params,
		IdempotencyKey: key,
		DedupPolicy:    dedupDrop,
	}, nil
}

// PurgeMessage builds the expired state sweep job. bucket scopes the
// idempotency key, typically the schedule tick.
func PurgeMessage(bucket time.Time) *job.ExecutionMessage {
	return &job.ExecutionMessage{
		JobID:          JobIDPurge,
		ScriptPath:     JobIDPurge,
		Parameters:     map[string]any{},
		IdempotencyKey: JobIDPurge + ":" + strconv.FormatInt(bucket.UTC().Unix(), 10),
		DedupPolicy:    dedupDrop,
	}
}

// ParseReconcileMessage maps job parameters back to the command message.
func ParseReconcileMessage(msg *job.ExecutionMessage) (command.RunReconciliationMessage, error) {
	if msg == nil {
		return command.RunReconciliationMessage{}, fmt.Errorf("gojob: execution message is required")
	}
	out := command.RunReconciliationMessage{}
	if raw, ok := msg.Parameters[paramWindowStart]; ok {
		start, err := timeParam(raw)
		if err != nil {
			return out, fmt.Errorf("gojob: %s: %w", paramWindowStart, err)
		}
		out.WindowStart = start
	}
	if raw, ok := msg.Parameters[paramWindowEnd]; ok {
		end, err := timeParam(raw)
		if err != nil {
			return out, fmt.Errorf("gojob: %s: %w", paramWindowEnd, err)
		}
		out.WindowEnd = end
	}
	if raw, ok := msg.Parameters[paramLookbackSeconds]; ok {
		seconds, err := intParam(raw)
		if err != nil {
			return out, fmt.Errorf("gojob: %s: %w", paramLookbackSeconds, err)
		}
		out.Lookback = time.Duration(seconds) * time.Second
	}
	return out, out.Validate()
}

type EnqueuerAdapter struct {
	enqueuer queue.Enqueuer
}

func NewEnqueuerAdapter(enqueuer queue.Enqueuer) *EnqueuerAdapter {
	return &EnqueuerAdapter{enqueuer: enqueuer}
}

func (a *EnqueuerAdapter) Enqueue(ctx context.Context, msg *job.ExecutionMessage) error {
	if a == nil || a.enqueuer == nil {
		return fmt.Errorf("gojob: enqueuer is not configured")
	}
	if msg == nil {
		return fmt.Errorf("gojob: execution message is required")
	}
	return a.enqueuer.Enqueue(ctx, msg)
}

func (a *EnqueuerAdapter) EnqueueReconcile(ctx context.Context, msg command.RunReconciliationMessage) error {
	execution, err := ReconcileMessage(msg)
	if err != nil {
		return err
	}
	return a.Enqueue(ctx, execution)
}

func (a *EnqueuerAdapter) EnqueuePurge(ctx context.Context, bucket time.Time) error {
	return a.Enqueue(ctx, PurgeMessage(bucket))
}

// Handlers are the commands a job delivery is routed to.
type Handlers struct {
	Reconcile *command.RunReconciliationCommand
	Purge     *command.PurgeExpiredCommand
}

// Handle routes one execution message to its command.
func (h Handlers) Handle(ctx context.Context, msg *job.ExecutionMessage) error {
	if msg == nil {
		return fmt.Errorf("gojob: execution message is required")
	}
	switch strings.TrimSpace(msg.JobID) {
	case JobIDReconcile:
		parsed, err := ParseReconcileMessage(msg)
		if err != nil {
			return err
		}
		return h.Reconcile.Execute(ctx, parsed)
	case JobIDPurge:
		return h.Purge.Execute(ctx, command.PurgeExpiredMessage{})
	default:
		return fmt.Errorf("gojob: unknown job id %q", msg.JobID)
	}
}

// Processor drains deliveries into Handlers, acking successes and nacking
// failures under the retry policy.
type Processor struct {
	dequeuer queue.Dequeuer
	handlers Handlers
	policy   RetryPolicy
	hooks    []worker.Hook
	backoff  time.Duration
	Now      func() time.Time

	mu       sync.Mutex
	attempts map[string]int
}

func NewProcessor(dequeuer queue.Dequeuer, handlers Handlers, policy RetryPolicy, hooks ...worker.Hook) *Processor {
	return &Processor{
		dequeuer: dequeuer,
		handlers: handlers,
		policy:   policy,
		hooks:    hooks,
		backoff:  time.Second,
		Now:      core.SystemClock,
		attempts: map[string]int{},
	}
}

// ProcessNext handles exactly one delivery.
func (p *Processor) ProcessNext(ctx context.Context) error {
	if p == nil || p.dequeuer == nil {
		return fmt.Errorf("gojob: dequeuer is not configured")
	}
	delivery, err := p.dequeuer.Dequeue(ctx)
	if err != nil {
		return err
	}
	if delivery == nil {
		return nil
	}
	msg := delivery.Message()
	attempt := p.nextAttempt(msg)
	startedAt := p.now()
	event := worker.Event{Message: msg, Delivery: delivery, Attempt: attempt, StartedAt: startedAt}
	p.emit(ctx, event, hookStart)

	handleErr := p.handlers.Handle(ctx, msg)
	event.Duration = p.now().Sub(startedAt)
	if handleErr == nil {
		p.forget(msg)
		p.emit(ctx, event, hookSuccess)
		return delivery.Ack(ctx)
	}

	event.Err = handleErr
	opts := p.policy.NormalizeAttempt(queue.NackOptions{
		Delay:      p.backoff * time.Duration(attempt),
		Requeue:    true,
		DeadLetter: core.IsBadInput(handleErr),
		Reason:     handleErr.Error(),
	}, attempt)
	if opts.Requeue {
		event.Delay = opts.Delay
		p.emit(ctx, event, hookRetry)
	} else {
		p.forget(msg)
		p.emit(ctx, event, hookFailure)
	}
	return delivery.Nack(ctx, opts)
}

// Run processes deliveries until ctx is done. Dequeue errors end the loop.
func (p *Processor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.ProcessNext(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

func (p *Processor) nextAttempt(msg *job.ExecutionMessage) int {
	key := attemptKey(msg)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts[key]++
	return p.attempts[key]
}

func (p *Processor) forget(msg *job.ExecutionMessage) {
	key := attemptKey(msg)
	p.mu.Lock()
	delete(p.attempts, key)
	p.mu.Unlock()
}

func (p *Processor) now() time.Time {
	if p != nil && p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

type hookPhase int

const (
	hookStart hookPhase = iota
	hookSuccess
	hookFailure
	hookRetry
)

func (p *Processor) emit(ctx context.Context, event worker.Event, phase hookPhase) {
	for _, hook := range p.hooks {
		if hook == nil {
			continue
		}
		switch phase {
		case hookStart:
			hook.OnStart(ctx, event)
		case hookSuccess:
			hook.OnSuccess(ctx, event)
		case hookFailure:
			hook.OnFailure(ctx, event)
		case hookRetry:
			hook.OnRetry(ctx, event)
		}
	}
}

// ObserverHook reports worker lifecycle events as guard.job metrics and log
// lines.
type ObserverHook struct {
	observer *core.Observer
}

func NewObserverHook(observer *core.Observer) *ObserverHook {
	if observer == nil {
		observer = core.NewObserver("guard.jobs", nil, nil, nil)
	}
	return &ObserverHook{observer: observer}
}

func (h *ObserverHook) OnStart(ctx context.Context, event worker.Event) {
	h.observer.Count(ctx, "job.started", map[string]string{"operation": "job", "outcome": "started", "kind": jobID(event)})
}

func (h *ObserverHook) OnSuccess(ctx context.Context, event worker.Event) {
	h.observe(ctx, event, "success")
}

func (h *ObserverHook) OnFailure(ctx context.Context, event worker.Event) {
	h.observe(ctx, event, "dead_letter")
}

func (h *ObserverHook) OnRetry(ctx context.Context, event worker.Event) {
	h.observe(ctx, event, "retry")
}

func (h *ObserverHook) observe(ctx context.Context, event worker.Event, outcome string) {
	fields := map[string]any{
		"outcome": outcome,
		"job_id":  jobID(event),
		"attempt": event.Attempt,
	}
	if event.Delay > 0 {
		fields["retry_in_ms"] = event.Delay.Milliseconds()
	}
	h.observer.Observe(ctx, time.Now().Add(-event.Duration), "job", event.Err, fields)
}

func jobID(event worker.Event) string {
	message := event.Message
	if message == nil && event.Delivery != nil {
		message = event.Delivery.Message()
	}
	if message == nil {
		return "unknown"
	}
	return message.JobID
}

func attemptKey(msg *job.ExecutionMessage) string {
	if msg == nil {
		return ""
	}
	if key := strings.TrimSpace(msg.IdempotencyKey); key != "" {
		return key
	}
	return strings.TrimSpace(msg.JobID)
}

func timeParam(raw any) (time.Time, error) {
	switch value := raw.(type) {
	case time.Time:
		return value.UTC(), nil
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(value))
		if err != nil {
			return time.Time{}, err
		}
		return parsed.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported time value %T", raw)
	}
}

func intParam(raw any) (int64, error) {
	switch value := raw.(type) {
	case int:
		return int64(value), nil
	case int64:
		return value, nil
	case float64:
		return int64(value), nil
	case string:
		return strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	default:
		return 0, fmt.Errorf("unsupported integer value %T", raw)
	}
}

var (
	_ worker.Hook = (*ObserverHook)(nil)
)
