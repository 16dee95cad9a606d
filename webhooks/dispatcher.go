package webhooks

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-settlement-guard/core"
)

type Stage string

const (
	StageReceived    Stage = "RECEIVED"
	StageSignatureOK Stage = "SIGNATURE_OK"
	StageTimestampOK Stage = "TIMESTAMP_OK"
	StageNonceFresh  Stage = "NONCE_FRESH"
	StageDecoded     Stage = "DECODED"
	StageHandled     Stage = "HANDLED"
	StageRejected    Stage = "REJECTED"
)

const (
	ReasonUnknownSource  = "unknown_source"
	ReasonDecodeFailed   = "decode_failed"
	ReasonHandlerFailed  = "handler_failed"
	ReasonNonceStoreDown = "nonce_store_unavailable"
)

type Request struct {
	Source     string
	Headers    map[string]string
	Body       []byte
	ReceivedAt time.Time
}

type Result struct {
	Source     core.Source
	Stage      Stage
	Accepted   bool
	StatusCode int
	Reason     string
	EventID    string
	Payload    Payload
	// Path lists every stage reached, ending in HANDLED or REJECTED.
	Path []Stage
}

type route struct {
	template SourceTemplate
	handler  Handler
}

type Dispatcher struct {
	mu       sync.RWMutex
	routes   map[core.Source]route
	verifier SignatureVerifier
	nonces   core.NonceChecker
	nonceTTL time.Duration
	observer *core.Observer
	newID    func() string
	now      func() time.Time
}

type Option func(*Dispatcher)

func WithNonceTTL(ttl time.Duration) Option {
	return func(d *Dispatcher) {
		d.nonceTTL = ttl
	}
}

func WithObserver(observer *core.Observer) Option {
	return func(d *Dispatcher) {
		if observer != nil {
			d.observer = observer
		}
	}
}

func WithEventIDGenerator(fn func() string) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.newID = fn
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

func NewDispatcher(verifier SignatureVerifier, nonces core.NonceChecker, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		routes:   map[core.Source]route{},
		verifier: verifier,
		nonces:   nonces,
		observer: core.NewObserver("webhooks", nil, nil, nil),
		newID:    func() string { return uuid.NewString() },
		now:      core.SystemClock,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

func (d *Dispatcher) Register(template SourceTemplate, handler Handler) error {
	if d == nil {
		return fmt.Errorf("webhooks: dispatcher is nil")
	}
	if err := template.Validate(); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("webhooks: %s handler is required", template.Source)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.routes[template.Source]; exists {
		return fmt.Errorf("webhooks: %s already registered", template.Source)
	}
	d.routes[template.Source] = route{template: template, handler: handler}
	return nil
}

func (d *Dispatcher) Sources() []core.Source {
	if d == nil {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]core.Source, 0, len(d.routes))
	for source := range d.routes {
		out = append(out, source)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Dispatch runs one delivery through the verification pipeline. Rejections
// return both a REJECTED result and the classified error.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (result Result, err error) {
	if d == nil || d.nonces == nil {
		return Result{}, fmt.Errorf("webhooks: dispatcher requires a nonce ledger")
	}
	startedAt := time.Now()
	result = Result{Stage: StageReceived, Path: []Stage{StageReceived}}
	defer func() {
		d.observe(ctx, startedAt, result, err)
	}()

	source := core.Source(strings.ToLower(strings.TrimSpace(req.Source)))
	result.Source = source
	d.mu.RLock()
	rt, ok := d.routes[source]
	d.mu.RUnlock()
	if !ok {
		return d.reject(result, ReasonUnknownSource, core.NewUnknownSourceError(req.Source))
	}

	signature := headerValue(req.Headers, core.HeaderSignature)
	timestamp := headerValue(req.Headers, core.HeaderTimestamp)
	nonce := headerValue(req.Headers, core.HeaderNonce)
	if missing := missingHeaders(signature, timestamp, nonce); len(missing) > 0 {
		return d.reject(result, string(core.ReasonMissingHeader), core.NewVerificationError(
			core.ReasonMissingHeader,
			"required webhook headers are missing",
			map[string]any{"headers": missing},
		))
	}

	if verifyErr := d.verifier.VerifySignature(req.Body, rt.template.Secret, signature); verifyErr != nil {
		return d.reject(result, reasonOf(verifyErr), verifyErr)
	}
	result = advance(result, StageSignatureOK)

	verified, verifyErr := d.verifier.VerifyTimestamp(timestamp)
	if verifyErr != nil {
		return d.reject(result, reasonOf(verifyErr), verifyErr)
	}
	result = advance(result, StageTimestampOK)

	outcome, nonceErr := d.nonces.CheckAndRecord(ctx, source, nonce, d.nonceTTL)
	if nonceErr != nil {
		return d.reject(result, ReasonNonceStoreDown, nonceErr)
	}
	if outcome != core.NonceFresh {
		return d.reject(result, string(core.ReasonReplay), core.NewReplayError(source, nonce))
	}
	result = advance(result, StageNonceFresh)

	payload, decodeErr := rt.template.Decoder.Decode(req.Body)
	if decodeErr != nil {
		return d.reject(result, ReasonDecodeFailed, core.NewDecodeError(source, decodeErr))
	}
	result = advance(result, StageDecoded)
	result.Payload = payload

	receivedAt := req.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = d.now().UTC()
	}
	event := core.WebhookEvent{
		ID:             d.newID(),
		Source:         source,
		RawBody:        append([]byte(nil), req.Body...),
		Signature:      signature,
		Timestamp:      verified.Timestamp.Format(time.RFC3339Nano),
		Nonce:          nonce,
		ReceivedAt:     receivedAt,
		DecodedPayload: payload,
	}
	result.EventID = event.ID

	if handleErr := rt.handler.Handle(ctx, event); handleErr != nil {
		return d.reject(result, ReasonHandlerFailed, core.NewHandlerError(handleErr, map[string]any{
			"source":   string(source),
			"event_id": event.ID,
		}))
	}
	result = advance(result, StageHandled)
	result.Accepted = true
	result.StatusCode = http.StatusOK
	return result, nil
}

func (d *Dispatcher) reject(result Result, reason string, err error) (Result, error) {
	result = advance(result, StageRejected)
	result.Accepted = false
	result.Reason = reason
	result.StatusCode = core.MapError(err).Code
	return result, err
}

func (d *Dispatcher) observe(ctx context.Context, startedAt time.Time, result Result, err error) {
	fields := map[string]any{
		"source":   string(result.Source),
		"stage":    string(result.Stage),
		"event_id": result.EventID,
	}
	if result.Reason != "" {
		fields["reason"] = result.Reason
	}
	switch {
	case err == nil:
		fields["outcome"] = "handled"
	case result.Reason == ReasonHandlerFailed || result.Reason == ReasonNonceStoreDown:
		fields["outcome"] = "failure"
	default:
		fields["outcome"] = result.Reason
	}
	d.observer.Observe(ctx, startedAt, "webhook_dispatch", err, fields)
}

func advance(result Result, stage Stage) Result {
	result.Stage = stage
	result.Path = append(result.Path, stage)
	return result
}

func reasonOf(err error) string {
	if reason, ok := core.VerificationReasonOf(err); ok {
		return string(reason)
	}
	return "rejected"
}

func missingHeaders(signature, timestamp, nonce string) []string {
	missing := []string{}
	if signature == "" {
		missing = append(missing, core.HeaderSignature)
	}
	if timestamp == "" {
		missing = append(missing, core.HeaderTimestamp)
	}
	if nonce == "" {
		missing = append(missing, core.HeaderNonce)
	}
	return missing
}
