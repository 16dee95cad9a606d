package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/goliatone/go-settlement-guard/core"
	"github.com/goliatone/go-settlement-guard/idempotency"
)

type actorKey struct{}

const anonymousActor = "anonymous"

// WithActor stores the authenticated caller resolved by upstream auth.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, strings.TrimSpace(actorID))
}

func ActorFromContext(ctx context.Context) string {
	if ctx == nil {
		return anonymousActor
	}
	if actor, ok := ctx.Value(actorKey{}).(string); ok && actor != "" {
		return actor
	}
	return anonymousActor
}

// Mutations wraps a mutating handler so a retried request with the same
// Idempotency-Key and payload replays the first response instead of running
// again. Requests without the header pass straight through.
func (s *Server) Mutations(endpointID string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(core.HeaderIdempotencyKey))
		if key == "" || s.Idempotency == nil {
			next.ServeHTTP(w, r)
			return
		}
		body, err := s.readBody(w, r)
		if err != nil {
			writeError(w, err, s.RetryAfter)
			return
		}

		fp := idempotency.NewFingerprint(endpointID, ActorFromContext(r.Context()), key, body)
		response, replayed, err := s.Idempotency.Execute(r.Context(), fp, func(ctx context.Context) (core.ResponseEnvelope, error) {
			capture := newCaptureWriter()
			req := r.Clone(ctx)
			req.Body = io.NopCloser(bytes.NewReader(body))
			req.ContentLength = int64(len(body))
			next.ServeHTTP(capture, req)
			return capture.envelope(), nil
		})
		if err != nil {
			writeError(w, err, s.RetryAfter)
			return
		}
		writeEnvelope(w, response, replayed)
	})
}

func writeEnvelope(w http.ResponseWriter, response core.ResponseEnvelope, replayed bool) {
	for key, value := range response.Headers {
		w.Header().Set(key, value)
	}
	if replayed {
		w.Header().Set(core.HeaderIdempotentReplayed, "true")
	}
	status := response.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(response.Body) > 0 {
		_, _ = w.Write(response.Body)
	}
}

// captureWriter buffers a handler's response so it can be stored and replayed.
type captureWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newCaptureWriter() *captureWriter {
	return &captureWriter{header: http.Header{}}
}

func (c *captureWriter) Header() http.Header {
	return c.header
}

func (c *captureWriter) WriteHeader(status int) {
	if c.status == 0 {
		c.status = status
	}
}

func (c *captureWriter) Write(p []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	return c.body.Write(p)
}

func (c *captureWriter) envelope() core.ResponseEnvelope {
	status := c.status
	if status == 0 {
		status = http.StatusOK
	}
	headers := map[string]string{}
	for key, values := range c.header {
		if len(values) > 0 {
			headers[key] = values[0]
		}
	}
	return core.ResponseEnvelope{
		StatusCode: status,
		Headers:    headers,
		Body:       append([]byte(nil), c.body.Bytes()...),
	}
}
