package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-settlement-guard/core"
)

const keyPrefix = "idem:"

const (
	defaultLease        = 2 * time.Minute
	defaultWaitTimeout  = 750 * time.Millisecond
	defaultPollInterval = 25 * time.Millisecond
)

type Handler func(ctx context.Context) (core.ResponseEnvelope, error)

// Cache runs a handler at most once to completion per fingerprint. Records
// move in_flight -> completed, or in_flight -> failed when the handler errors,
// panics or answers with a non-2xx status, which leaves the key free for a
// retry. A handler's context is canceled when its lease runs out, since a
// duplicate may take the key over from then on.
type Cache struct {
	store     core.ConditionalStore
	retention time.Duration
	lease     time.Duration
	wait      time.Duration
	poll      time.Duration
	observer  *core.Observer
	newID     func() string
	Now       func() time.Time
}

type Option func(*Cache)

func WithRetention(retention time.Duration) Option {
	return func(c *Cache) {
		if retention > 0 {
			c.retention = retention
		}
	}
}

func WithLease(lease time.Duration) Option {
	return func(c *Cache) {
		if lease > 0 {
			c.lease = lease
		}
	}
}

// WithWait bounds how long a duplicate waits for an in-flight attempt before
// RetryLater. Zero fails fast.
func WithWait(wait time.Duration, poll time.Duration) Option {
	return func(c *Cache) {
		if wait >= 0 {
			c.wait = wait
		}
		if poll > 0 {
			c.poll = poll
		}
	}
}

func WithObserver(observer *core.Observer) Option {
	return func(c *Cache) {
		if observer != nil {
			c.observer = observer
		}
	}
}

func WithAttemptIDGenerator(fn func() string) Option {
	return func(c *Cache) {
		if fn != nil {
			c.newID = fn
		}
	}
}

func NewCache(store core.ConditionalStore, opts ...Option) *Cache {
	c := &Cache{
		store:     store,
		retention: core.DefaultIdempotencyTTL,
		lease:     defaultLease,
		wait:      defaultWaitTimeout,
		poll:      defaultPollInterval,
		observer:  core.NewObserver("idempotency", nil, nil, nil),
		newID:     func() string { return uuid.NewString() },
		Now:       core.SystemClock,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Execute returns the handler's response and whether it was served from a
// previously completed attempt. Requests without an idempotency key run the
// handler unconditionally.
func (c *Cache) Execute(ctx context.Context, fp Fingerprint, handler Handler) (response core.ResponseEnvelope, replayed bool, err error) {
	if c == nil || c.store == nil {
		return core.ResponseEnvelope{}, false, fmt.Errorf("idempotency: cache is not configured")
	}
	if handler == nil {
		return core.ResponseEnvelope{}, false, fmt.Errorf("idempotency: handler is required")
	}
	startedAt := time.Now()
	outcome := "executed"
	defer func() {
		c.observer.Observe(ctx, startedAt, "idempotent_execute", err, map[string]any{
			"endpoint":  fp.Endpoint,
			"outcome":   outcome,
			"scope_key": fp.ScopeKey,
		})
	}()

	if fp.Bypass() {
		outcome = "bypassed"
		response, err = handler(ctx)
		if err != nil {
			outcome = "failure"
			return response, false, core.NewHandlerError(err, map[string]any{"endpoint": fp.Endpoint})
		}
		return response, false, nil
	}
	if fp.ScopeKey == "" || fp.PayloadHash == "" {
		outcome = "rejected"
		return core.ResponseEnvelope{}, false, core.NewBadInput("idempotency fingerprint is incomplete", nil)
	}

	key := keyPrefix + fp.ScopeKey
	deadline := time.Now().Add(c.wait)
	for {
		now := c.now()
		attempt := c.inFlightRecord(fp, now, 1)
		raw, encodeErr := encodeRecord(attempt)
		if encodeErr != nil {
			outcome = "failure"
			return core.ResponseEnvelope{}, false, encodeErr
		}

		result, putErr := c.store.PutIfAbsent(ctx, key, raw, c.retention)
		if putErr != nil {
			outcome = "failure"
			return core.ResponseEnvelope{}, false, core.NewStoreError(putErr, "idempotency store write failed", nil)
		}
		if result.Inserted() {
			response, err = c.run(ctx, key, attempt, raw, handler)
			outcome = executionOutcome(response, err)
			return response, false, err
		}

		existing, decodeErr := decodeRecord(result.Existing.Value)
		if decodeErr != nil {
			outcome = "failure"
			return core.ResponseEnvelope{}, false, decodeErr
		}

		switch existing.Status {
		case core.IdempotencyCompleted:
			if existing.PayloadHash != fp.PayloadHash {
				outcome = "conflict"
				return core.ResponseEnvelope{}, false, core.NewIdempotencyConflict(fp.ScopeKey)
			}
			outcome = "replayed"
			if existing.Response == nil {
				return core.ResponseEnvelope{}, true, nil
			}
			return existing.Response.Clone(), true, nil

		case core.IdempotencyInFlight:
			if existing.PayloadHash != fp.PayloadHash {
				outcome = "conflict"
				return core.ResponseEnvelope{}, false, core.NewIdempotencyConflict(fp.ScopeKey)
			}
			if !now.Before(existing.LeaseExpiresAt) {
				response, taken, err := c.takeOver(ctx, key, fp, existing, result.Existing.Value, handler)
				if taken {
					outcome = executionOutcome(response, err)
					return response, false, err
				}
				continue
			}
			if !time.Now().Before(deadline) {
				outcome = "retry_later"
				return core.ResponseEnvelope{}, false, core.NewRetryLater(fp.ScopeKey)
			}
			if waitErr := sleepContext(ctx, c.poll); waitErr != nil {
				outcome = "retry_later"
				return core.ResponseEnvelope{}, false, core.NewRetryLater(fp.ScopeKey)
			}

		default:
			// failed attempts leave the key free for any retry
			response, taken, err := c.takeOver(ctx, key, fp, existing, result.Existing.Value, handler)
			if taken {
				outcome = executionOutcome(response, err)
				return response, false, err
			}
		}
	}
}

// Lookup returns the live record for a fingerprint.
func (c *Cache) Lookup(ctx context.Context, fp Fingerprint) (core.IdempotencyRecord, bool, error) {
	if c == nil || c.store == nil {
		return core.IdempotencyRecord{}, false, fmt.Errorf("idempotency: cache is not configured")
	}
	entry, found, err := c.store.Get(ctx, keyPrefix+fp.ScopeKey)
	if err != nil || !found {
		return core.IdempotencyRecord{}, false, err
	}
	record, err := decodeRecord(entry.Value)
	if err != nil {
		return core.IdempotencyRecord{}, false, err
	}
	return record, true, nil
}

func (c *Cache) Purge(ctx context.Context) (int, error) {
	if c == nil || c.store == nil {
		return 0, fmt.Errorf("idempotency: cache is not configured")
	}
	return c.store.PurgeExpired(ctx)
}

func (c *Cache) takeOver(
	ctx context.Context,
	key string,
	fp Fingerprint,
	previous core.IdempotencyRecord,
	previousRaw []byte,
	handler Handler,
) (core.ResponseEnvelope, bool, error) {
	attempt := c.inFlightRecord(fp, c.now(), previous.Attempts+1)
	raw, err := encodeRecord(attempt)
	if err != nil {
		return core.ResponseEnvelope{}, true, err
	}
	swapped, err := c.store.CompareAndSwap(ctx, key, previousRaw, raw, c.retention)
	if err != nil {
		return core.ResponseEnvelope{}, true, core.NewStoreError(err, "idempotency store swap failed", nil)
	}
	if !swapped {
		return core.ResponseEnvelope{}, false, nil
	}
	response, runErr := c.run(ctx, key, attempt, raw, handler)
	return response, true, runErr
}

func (c *Cache) run(
	ctx context.Context,
	key string,
	attempt core.IdempotencyRecord,
	attemptRaw []byte,
	handler Handler,
) (core.ResponseEnvelope, error) {
	response, handlerErr := c.invoke(ctx, handler)
	now := c.now()

	next := attempt
	next.UpdatedAt = now
	next.LeaseExpiresAt = time.Time{}
	if handlerErr == nil && response.Successful() {
		stored := response.Clone()
		next.Status = core.IdempotencyCompleted
		next.Response = &stored
	} else {
		next.Status = core.IdempotencyFailed
		if handlerErr != nil {
			next.LastError = handlerErr.Error()
		} else {
			next.LastError = fmt.Sprintf("handler answered with status %d", response.StatusCode)
		}
	}

	raw, err := encodeRecord(next)
	if err == nil {
		var swapped bool
		swapped, err = c.store.CompareAndSwap(ctx, key, attemptRaw, raw, c.remaining(next, now))
		if err == nil && !swapped {
			c.observer.Log(ctx, "warn", "idempotency attempt lost its lease before finishing", map[string]any{
				"attempt":   attempt.Attempt,
				"scope_key": attempt.ScopeKey,
				"status":    string(next.Status),
			})
		}
	}
	if err != nil {
		c.observer.Log(ctx, "error", "idempotency record transition failed", map[string]any{
			"attempt":   attempt.Attempt,
			"scope_key": attempt.ScopeKey,
			"error":     err.Error(),
		})
	}

	if handlerErr != nil {
		return response, core.NewHandlerError(handlerErr, map[string]any{
			"scope_key": attempt.ScopeKey,
			"attempt":   attempt.Attempt,
		})
	}
	return response, nil
}

// invoke bounds the handler by the lease and turns a panic into an error so
// the record is marked failed instead of waiting out the lease.
func (c *Cache) invoke(ctx context.Context, handler Handler) (response core.ResponseEnvelope, err error) {
	ctx, cancel := context.WithTimeout(ctx, c.lease)
	defer cancel()
	defer func() {
		if recovered := recover(); recovered != nil {
			response = core.ResponseEnvelope{}
			err = fmt.Errorf("idempotency: handler panicked: %v", recovered)
		}
	}()
	return handler(ctx)
}

func (c *Cache) inFlightRecord(fp Fingerprint, now time.Time, attempts int) core.IdempotencyRecord {
	return core.IdempotencyRecord{
		ScopeKey:       fp.ScopeKey,
		Fingerprint:    fp.Value,
		PayloadHash:    fp.PayloadHash,
		Status:         core.IdempotencyInFlight,
		Attempt:        c.newID(),
		Attempts:       attempts,
		LeaseExpiresAt: now.Add(c.lease),
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(c.retention),
	}
}

func (c *Cache) remaining(record core.IdempotencyRecord, now time.Time) time.Duration {
	remaining := record.ExpiresAt.Sub(now)
	if remaining <= 0 {
		return time.Second
	}
	return remaining
}

func (c *Cache) now() time.Time {
	if c != nil && c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

func executionOutcome(response core.ResponseEnvelope, err error) string {
	switch {
	case err != nil:
		return "failure"
	case !response.Successful():
		return "uncached"
	default:
		return "executed"
	}
}

func encodeRecord(record core.IdempotencyRecord) ([]byte, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("idempotency: encode record: %w", err)
	}
	return raw, nil
}

func decodeRecord(raw []byte) (core.IdempotencyRecord, error) {
	var record core.IdempotencyRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return core.IdempotencyRecord{}, core.NewStoreError(err, "idempotency record is corrupt", nil)
	}
	return record, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
