package webhooks

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-settlement-guard/core"
)

// Payload is a decoded, source-specific webhook body.
type Payload interface {
	EventType() string
	Reference() string
}

type Decoder interface {
	Decode(body []byte) (Payload, error)
}

type DecoderFunc func(body []byte) (Payload, error)

func (f DecoderFunc) Decode(body []byte) (Payload, error) {
	return f(body)
}

type Handler interface {
	Handle(ctx context.Context, event core.WebhookEvent) error
}

type HandlerFunc func(ctx context.Context, event core.WebhookEvent) error

func (f HandlerFunc) Handle(ctx context.Context, event core.WebhookEvent) error {
	return f(ctx, event)
}

// SourceTemplate binds a source to its signing secret and payload decoder.
type SourceTemplate struct {
	Source  core.Source
	Secret  string
	Decoder Decoder
}

func (t SourceTemplate) Validate() error {
	if _, err := core.ParseSource(string(t.Source)); err != nil {
		return fmt.Errorf("webhooks: %w", err)
	}
	if strings.TrimSpace(t.Secret) == "" {
		return fmt.Errorf("webhooks: %s secret is required", t.Source)
	}
	if t.Decoder == nil {
		return fmt.Errorf("webhooks: %s decoder is required", t.Source)
	}
	return nil
}

func headerValue(headers map[string]string, key string) string {
	for existing, value := range headers {
		if strings.EqualFold(strings.TrimSpace(existing), strings.TrimSpace(key)) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
