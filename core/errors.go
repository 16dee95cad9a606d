package core

import (
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorVerificationMissingHeader      = "VERIFICATION_MISSING_HEADER"
	ErrorVerificationMalformedSignature = "VERIFICATION_MALFORMED_SIGNATURE"
	ErrorVerificationSignatureMismatch  = "VERIFICATION_SIGNATURE_MISMATCH"
	ErrorVerificationStaleTimestamp     = "VERIFICATION_STALE_TIMESTAMP"
	ErrorWebhookReplay                  = "WEBHOOK_REPLAY"
	ErrorWebhookDecodeFailed            = "WEBHOOK_DECODE_FAILED"
	ErrorWebhookUnknownSource           = "WEBHOOK_UNKNOWN_SOURCE"
	ErrorIdempotencyConflict            = "IDEMPOTENCY_CONFLICT"
	ErrorIdempotencyRetryLater          = "IDEMPOTENCY_RETRY_LATER"
	ErrorHandlerFailed                  = "HANDLER_FAILED"
	ErrorBadInput                       = "GUARD_BAD_INPUT"
	ErrorStoreFailed                    = "GUARD_STORE_FAILED"
	ErrorInternal                       = "GUARD_INTERNAL_ERROR"
	ErrorSnapshotUnreadable             = "RECONCILIATION_SNAPSHOT_UNREADABLE"
)

type VerificationReason string

const (
	ReasonMissingHeader      VerificationReason = "missing_header"
	ReasonMalformedSignature VerificationReason = "malformed_signature"
	ReasonSignatureMismatch  VerificationReason = "signature_mismatch"
	ReasonStaleTimestamp     VerificationReason = "stale_timestamp"
	ReasonReplay             VerificationReason = "replay"
)

var verificationTextCodes = map[VerificationReason]string{
	ReasonMissingHeader:      ErrorVerificationMissingHeader,
	ReasonMalformedSignature: ErrorVerificationMalformedSignature,
	ReasonSignatureMismatch:  ErrorVerificationSignatureMismatch,
	ReasonStaleTimestamp:     ErrorVerificationStaleTimestamp,
}

func newGuardError(
	message string,
	category goerrors.Category,
	code int,
	textCode string,
	metadata map[string]any,
) *goerrors.Error {
	err := goerrors.New(message, category).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func wrapGuardError(
	source error,
	category goerrors.Category,
	message string,
	code int,
	textCode string,
	metadata map[string]any,
) *goerrors.Error {
	if source == nil {
		return newGuardError(message, category, code, textCode, metadata)
	}
	err := goerrors.Wrap(source, category, message).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func NewVerificationError(reason VerificationReason, message string, metadata map[string]any) error {
	textCode, ok := verificationTextCodes[reason]
	if !ok {
		textCode = ErrorVerificationMalformedSignature
	}
	fields := cloneFields(metadata)
	fields["reason"] = string(reason)
	return newGuardError(message, goerrors.CategoryAuth, http.StatusUnauthorized, textCode, fields)
}

func NewReplayError(source Source, nonce string) error {
	return newGuardError(
		"webhook nonce already processed",
		goerrors.CategoryConflict,
		http.StatusConflict,
		ErrorWebhookReplay,
		map[string]any{"reason": string(ReasonReplay), "source": string(source), "nonce": nonce},
	)
}

func NewDecodeError(source Source, err error) error {
	return wrapGuardError(
		err,
		goerrors.CategoryBadInput,
		"webhook payload could not be decoded",
		http.StatusBadRequest,
		ErrorWebhookDecodeFailed,
		map[string]any{"reason": "decode_failed", "source": string(source)},
	)
}

func NewUnknownSourceError(source string) error {
	return newGuardError(
		"webhook source is not registered",
		goerrors.CategoryNotFound,
		http.StatusNotFound,
		ErrorWebhookUnknownSource,
		map[string]any{"reason": "unknown_source", "source": source},
	)
}

func NewIdempotencyConflict(scopeKey string) error {
	return newGuardError(
		"idempotency key reused with a different payload",
		goerrors.CategoryConflict,
		http.StatusConflict,
		ErrorIdempotencyConflict,
		map[string]any{"scope_key": scopeKey},
	)
}

func NewRetryLater(scopeKey string) error {
	return newGuardError(
		"request with the same idempotency key is still in flight",
		goerrors.CategoryConflict,
		http.StatusConflict,
		ErrorIdempotencyRetryLater,
		map[string]any{"scope_key": scopeKey},
	)
}

func NewHandlerError(err error, metadata map[string]any) error {
	return wrapGuardError(
		err,
		goerrors.CategoryExternal,
		"downstream handler failed",
		http.StatusBadGateway,
		ErrorHandlerFailed,
		metadata,
	)
}

func NewBadInput(message string, metadata map[string]any) error {
	return newGuardError(message, goerrors.CategoryBadInput, http.StatusBadRequest, ErrorBadInput, metadata)
}

func NewStoreError(err error, message string, metadata map[string]any) error {
	return wrapGuardError(err, goerrors.CategoryInternal, message, http.StatusInternalServerError, ErrorStoreFailed, metadata)
}

func NewSnapshotError(err error, snapshot string) error {
	return wrapGuardError(
		err,
		goerrors.CategoryExternal,
		"reconciliation snapshot is unreadable",
		http.StatusServiceUnavailable,
		ErrorSnapshotUnreadable,
		map[string]any{"snapshot": snapshot},
	)
}

func textCodeOf(err error) string {
	var rich *goerrors.Error
	if err == nil || !goerrors.As(err, &rich) || rich == nil {
		return ""
	}
	return rich.TextCode
}

func IsVerificationError(err error) bool {
	_, ok := VerificationReasonOf(err)
	return ok && textCodeOf(err) != ErrorWebhookReplay
}

func IsReplay(err error) bool {
	return textCodeOf(err) == ErrorWebhookReplay
}

func IsIdempotencyConflict(err error) bool {
	return textCodeOf(err) == ErrorIdempotencyConflict
}

func IsRetryLater(err error) bool {
	return textCodeOf(err) == ErrorIdempotencyRetryLater
}

func IsHandlerError(err error) bool {
	return textCodeOf(err) == ErrorHandlerFailed
}

func IsSnapshotError(err error) bool {
	return textCodeOf(err) == ErrorSnapshotUnreadable
}

func IsBadInput(err error) bool {
	return textCodeOf(err) == ErrorBadInput
}

// VerificationReasonOf reports the rejection reason carried by a verification
// or replay error.
func VerificationReasonOf(err error) (VerificationReason, bool) {
	code := textCodeOf(err)
	if code == ErrorWebhookReplay {
		return ReasonReplay, true
	}
	for reason, textCode := range verificationTextCodes {
		if textCode == code {
			return reason, true
		}
	}
	return "", false
}

// MapError converts any error into the guard envelope, filling the HTTP code
// and text code from the category when missing.
func MapError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		return ensureGuardErrorEnvelope(rich)
	}
	return ensureGuardErrorEnvelope(goerrors.MapToError(err, goerrors.DefaultErrorMappers()))
}

func ensureGuardErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = guardHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultGuardTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultGuardTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ErrorBadInput
	case goerrors.CategoryNotFound:
		return ErrorWebhookUnknownSource
	case goerrors.CategoryConflict:
		return ErrorIdempotencyConflict
	case goerrors.CategoryExternal:
		return ErrorHandlerFailed
	default:
		return ErrorInternal
	}
}

func guardHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
