package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-settlement-guard/core"
)

const SignaturePrefix = "sha256="

type VerifyResult struct {
	Timestamp time.Time
	Skew      time.Duration
}

// SignatureVerifier checks the HMAC-SHA256 signature of a raw body and the
// freshness of its timestamp. The tolerance bound is inclusive.
type SignatureVerifier struct {
	Tolerance time.Duration
	Now       func() time.Time
}

func NewSignatureVerifier(tolerance time.Duration) SignatureVerifier {
	if tolerance <= 0 {
		tolerance = core.DefaultTimestampTolerance
	}
	return SignatureVerifier{Tolerance: tolerance, Now: core.SystemClock}
}

func (v SignatureVerifier) Verify(rawBody []byte, secret string, signatureHeader string, timestampHeader string) (VerifyResult, error) {
	if err := v.VerifySignature(rawBody, secret, signatureHeader); err != nil {
		return VerifyResult{}, err
	}
	return v.VerifyTimestamp(timestampHeader)
}

func (v SignatureVerifier) VerifySignature(rawBody []byte, secret string, signatureHeader string) error {
	header := strings.TrimSpace(signatureHeader)
	if header == "" {
		return core.NewVerificationError(core.ReasonMissingHeader, "signature header is required", map[string]any{
			"header": core.HeaderSignature,
		})
	}
	if strings.TrimSpace(secret) == "" {
		return core.NewVerificationError(core.ReasonSignatureMismatch, "signature secret is not configured", nil)
	}
	if !strings.HasPrefix(header, SignaturePrefix) {
		return core.NewVerificationError(core.ReasonMalformedSignature, "signature must use the sha256=<hex> form", nil)
	}
	provided, err := hex.DecodeString(strings.TrimSpace(strings.TrimPrefix(header, SignaturePrefix)))
	if err != nil || len(provided) != sha256.Size {
		return core.NewVerificationError(core.ReasonMalformedSignature, "signature is not a sha256 hex digest", nil)
	}
	if subtle.ConstantTimeCompare(provided, computeMAC(rawBody, secret)) != 1 {
		return core.NewVerificationError(core.ReasonSignatureMismatch, "signature verification failed", nil)
	}
	return nil
}

func (v SignatureVerifier) VerifyTimestamp(timestampHeader string) (VerifyResult, error) {
	raw := strings.TrimSpace(timestampHeader)
	if raw == "" {
		return VerifyResult{}, core.NewVerificationError(core.ReasonMissingHeader, "timestamp header is required", map[string]any{
			"header": core.HeaderTimestamp,
		})
	}
	ts, err := ParseTimestamp(raw)
	if err != nil {
		return VerifyResult{}, core.NewVerificationError(core.ReasonStaleTimestamp, "timestamp is not epoch seconds or ISO-8601", map[string]any{
			"detail": "unparseable",
		})
	}
	skew := v.now().Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > v.tolerance() {
		return VerifyResult{}, core.NewVerificationError(core.ReasonStaleTimestamp, "timestamp outside tolerance window", map[string]any{
			"skew_seconds":      int64(skew / time.Second),
			"tolerance_seconds": int64(v.tolerance() / time.Second),
		})
	}
	return VerifyResult{Timestamp: ts, Skew: skew}, nil
}

func (v SignatureVerifier) tolerance() time.Duration {
	if v.Tolerance <= 0 {
		return core.DefaultTimestampTolerance
	}
	return v.Tolerance
}

func (v SignatureVerifier) now() time.Time {
	if v.Now != nil {
		return v.Now().UTC()
	}
	return time.Now().UTC()
}

// Sign returns the X-Signature header value for body under secret.
func Sign(secret string, body []byte) string {
	return SignaturePrefix + hex.EncodeToString(computeMAC(body, secret))
}

func computeMAC(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return mac.Sum(nil)
}

var isoLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
}

// ParseTimestamp accepts Unix epoch seconds (optionally fractional) or an
// ISO-8601 date-time. Values without a zone are read as UTC.
func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if isEpoch(raw) {
		if !strings.Contains(raw, ".") {
			seconds, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return time.Time{}, err
			}
			return time.Unix(seconds, 0).UTC(), nil
		}
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return time.Time{}, err
		}
		seconds := int64(value)
		nanos := int64((value - float64(seconds)) * float64(time.Second))
		return time.Unix(seconds, nanos).UTC(), nil
	}
	var lastErr error
	for _, layout := range isoLayouts {
		parsed, err := time.Parse(layout, raw)
		if err == nil {
			return parsed.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func isEpoch(raw string) bool {
	if raw == "" {
		return false
	}
	dots := 0
	for i, r := range raw {
		switch {
		case r >= '0' && r <= '9':
		case r == '.' && i > 0:
			dots++
		default:
			return false
		}
	}
	return dots <= 1
}
