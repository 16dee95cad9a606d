package webhooks

import (
	"strconv"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/goliatone/go-settlement-guard/core"
)

var fixedNow = time.Date(2026, 2, 20, 12, 0, 0, 0, time.UTC)

func fixedVerifier() SignatureVerifier {
	verifier := NewSignatureVerifier(300 * time.Second)
	verifier.Now = func() time.Time { return fixedNow }
	return verifier
}

func TestSignatureVerifier_AcceptsValidSignature(t *testing.T) {
	body := []byte(`{"event":"status_update","reference":"ABC123"}`)
	result, err := fixedVerifier().Verify(body, "secret", Sign("secret", body), strconv.FormatInt(fixedNow.Unix(), 10))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Timestamp.Equal(fixedNow) || result.Skew != 0 {
		t.Fatalf("unexpected verify result: %#v", result)
	}
}

func TestSignatureVerifier_FailureReasons(t *testing.T) {
	body := []byte(`{"event":"status_update"}`)
	valid := Sign("secret", body)
	epoch := strconv.FormatInt(fixedNow.Unix(), 10)

	cases := []struct {
		name      string
		signature string
		timestamp string
		secret    string
		want      core.VerificationReason
	}{
		{name: "missing signature", signature: "", timestamp: epoch, secret: "secret", want: core.ReasonMissingHeader},
		{name: "missing timestamp", signature: valid, timestamp: " ", secret: "secret", want: core.ReasonMissingHeader},
		{name: "missing prefix", signature: valid[len(SignaturePrefix):], timestamp: epoch, secret: "secret", want: core.ReasonMalformedSignature},
		{name: "non hex", signature: "sha256=zz", timestamp: epoch, secret: "secret", want: core.ReasonMalformedSignature},
		{name: "short digest", signature: "sha256=abcd", timestamp: epoch, secret: "secret", want: core.ReasonMalformedSignature},
		{name: "wrong secret", signature: valid, timestamp: epoch, secret: "other", want: core.ReasonSignatureMismatch},
		{name: "past", signature: valid, timestamp: strconv.FormatInt(fixedNow.Add(-301*time.Second).Unix(), 10), secret: "secret", want: core.ReasonStaleTimestamp},
		{name: "future", signature: valid, timestamp: fixedNow.Add(301 * time.Second).Format(time.RFC3339), secret: "secret", want: core.ReasonStaleTimestamp},
		{name: "garbage timestamp", signature: valid, timestamp: "yesterday", secret: "secret", want: core.ReasonStaleTimestamp},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := fixedVerifier().Verify(body, tc.secret, tc.signature, tc.timestamp)
			if err == nil {
				t.Fatalf("expected verification failure")
			}
			reason, ok := core.VerificationReasonOf(err)
			if !ok || reason != tc.want {
				t.Fatalf("expected reason %q, got %q (%v)", tc.want, reason, err)
			}
		})
	}
}

func TestSignatureVerifier_ToleranceBoundaryIsInclusive(t *testing.T) {
	verifier := fixedVerifier()
	for _, offset := range []time.Duration{-300 * time.Second, 300 * time.Second} {
		ts := fixedNow.Add(offset).Format(time.RFC3339Nano)
		if _, err := verifier.VerifyTimestamp(ts); err != nil {
			t.Fatalf("expected %s offset accepted: %v", offset, err)
		}
	}
	for _, offset := range []time.Duration{-300*time.Second - time.Nanosecond, 300*time.Second + time.Nanosecond} {
		ts := fixedNow.Add(offset).Format(time.RFC3339Nano)
		_, err := verifier.VerifyTimestamp(ts)
		if reason, _ := core.VerificationReasonOf(err); reason != core.ReasonStaleTimestamp {
			t.Fatalf("expected %s offset stale, got %v", offset, err)
		}
	}
}

func TestParseTimestamp_Formats(t *testing.T) {
	cases := map[string]time.Time{
		"1771588800":                fixedNow,
		"1771588800.5":              fixedNow.Add(500 * time.Millisecond),
		"2026-02-20T12:00:00Z":      fixedNow,
		"2026-02-20T13:00:00+01:00": fixedNow,
		"2026-02-20T12:00:00.25Z":   fixedNow.Add(250 * time.Millisecond),
		"2026-02-20T12:00:00":       fixedNow,
	}
	for raw, want := range cases {
		got, err := ParseTimestamp(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if got.Sub(want).Abs() > time.Millisecond {
			t.Fatalf("parse %q: expected %s, got %s", raw, want, got)
		}
	}
	if _, err := ParseTimestamp("not-a-time"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestSignatureVerifier_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	verifier := fixedVerifier()
	nonEmpty := gen.AlphaString().SuchThat(func(s string) bool { return s != "" })

	properties.Property("valid signatures verify", prop.ForAll(
		func(body []byte, secret string) bool {
			return verifier.VerifySignature(body, secret, Sign(secret, body)) == nil
		},
		gen.SliceOf(gen.UInt8()),
		nonEmpty,
	))

	properties.Property("flipping a body byte breaks the signature", prop.ForAll(
		func(body []byte, secret string, index int) bool {
			if len(body) == 0 {
				return true
			}
			signature := Sign(secret, body)
			tampered := append([]byte(nil), body...)
			tampered[index%len(tampered)] ^= 0x01
			return verifier.VerifySignature(tampered, secret, signature) != nil
		},
		gen.SliceOf(gen.UInt8()),
		nonEmpty,
		gen.IntRange(0, 1<<16),
	))

	properties.Property("flipping a signature byte breaks the signature", prop.ForAll(
		func(body []byte, secret string, index int) bool {
			signature := []byte(Sign(secret, body))
			pos := len(SignaturePrefix) + index%(len(signature)-len(SignaturePrefix))
			if signature[pos] == '0' {
				signature[pos] = '1'
			} else {
				signature[pos] = '0'
			}
			return verifier.VerifySignature(body, secret, string(signature)) != nil
		},
		gen.SliceOf(gen.UInt8()),
		nonEmpty,
		gen.IntRange(0, 1<<16),
	))

	properties.Property("timestamps beyond tolerance are stale", prop.ForAll(
		func(seconds int64, future bool) bool {
			offset := time.Duration(seconds) * time.Second
			if !future {
				offset = -offset
			}
			_, err := verifier.VerifyTimestamp(strconv.FormatInt(fixedNow.Add(offset).Unix(), 10))
			reason, _ := core.VerificationReasonOf(err)
			return reason == core.ReasonStaleTimestamp
		},
		gen.Int64Range(301, 10*365*24*3600),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
