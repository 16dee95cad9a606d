package transport

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-settlement-guard/core"
)

const (
	ErrorBodyTooLarge = "REQUEST_BODY_TOO_LARGE"
	ErrorNotFound     = "RESOURCE_NOT_FOUND"
)

func transportError(
	message string,
	category goerrors.Category,
	code int,
	textCode string,
	metadata map[string]any,
) error {
	err := goerrors.New(message, category).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func bodyTooLarge(limit int64) error {
	return transportError(
		"request body exceeds limit",
		goerrors.CategoryBadInput,
		http.StatusRequestEntityTooLarge,
		ErrorBodyTooLarge,
		map[string]any{"limit_bytes": limit},
	)
}

func notFound(resource string) error {
	return transportError(
		resource+" not found",
		goerrors.CategoryNotFound,
		http.StatusNotFound,
		ErrorNotFound,
		map[string]any{"resource": resource},
	)
}

type errorBody struct {
	Error errorEnvelope `json:"error"`
}

type errorEnvelope struct {
	Category string         `json:"category"`
	Code     int            `json:"code"`
	TextCode string         `json:"text_code"`
	Message  string         `json:"message"`
	Reason   string         `json:"reason,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// writeError renders any error as the guard JSON envelope. In-flight
// idempotent duplicates also get a Retry-After hint.
func writeError(w http.ResponseWriter, err error, retryAfter time.Duration) {
	var typed *goerrors.Error
	if err == nil || !goerrors.As(err, &typed) {
		// untyped errors may carry internals; never echo their text
		err = transportError("An unexpected error occurred", goerrors.CategoryInternal, http.StatusInternalServerError, core.ErrorInternal, nil)
	}
	rich := core.MapError(err)
	envelope := errorEnvelope{
		Category: string(rich.Category),
		Code:     rich.Code,
		TextCode: rich.TextCode,
		Message:  rich.Message,
		Metadata: publicMetadata(rich.Metadata),
	}
	if reason, ok := rich.Metadata["reason"].(string); ok {
		envelope.Reason = reason
	}
	if core.IsRetryLater(err) {
		seconds := int(retryAfter.Round(time.Second) / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set(core.HeaderRetryAfter, strconv.Itoa(seconds))
	}
	writeJSON(w, rich.Code, errorBody{Error: envelope})
}

// publicMetadata drops fields that identify stored state.
func publicMetadata(metadata map[string]any) map[string]any {
	if len(metadata) == 0 {
		return nil
	}
	out := make(map[string]any, len(metadata))
	for key, value := range metadata {
		switch key {
		case "nonce", "scope_key":
			continue
		}
		out[key] = value
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
