package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"hash"
	"strconv"
	"strings"

	"github.com/gowebpki/jcs"
)

// Fingerprint identifies one logical attempt. ScopeKey addresses the stored
// record (endpoint, actor, key) so a reused key with a different payload is
// found and reported as a conflict. Value covers all four inputs.
type Fingerprint struct {
	Value          string
	ScopeKey       string
	PayloadHash    string
	Endpoint       string
	Actor          string
	IdempotencyKey string
}

// Bypass reports whether the request carried no idempotency key.
func (f Fingerprint) Bypass() bool {
	return f.IdempotencyKey == ""
}

type Fingerprinter struct{}

func (Fingerprinter) Fingerprint(endpointID string, actorID string, idempotencyKey string, payload []byte) Fingerprint {
	return NewFingerprint(endpointID, actorID, idempotencyKey, payload)
}

func NewFingerprint(endpointID string, actorID string, idempotencyKey string, payload []byte) Fingerprint {
	endpointID = strings.TrimSpace(endpointID)
	actorID = strings.TrimSpace(actorID)
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	payloadHash := PayloadHash(payload)
	return Fingerprint{
		Value:          digest("fingerprint", endpointID, actorID, idempotencyKey, payloadHash),
		ScopeKey:       digest("scope", endpointID, actorID, idempotencyKey),
		PayloadHash:    payloadHash,
		Endpoint:       endpointID,
		Actor:          actorID,
		IdempotencyKey: idempotencyKey,
	}
}

// PayloadHash hashes the RFC 8785 canonical form of JSON payloads so key
// order and whitespace do not change the hash. Other payloads hash raw.
func PayloadHash(payload []byte) string {
	body := payload
	if len(payload) > 0 && json.Valid(payload) {
		if canonical, err := jcs.Transform(payload); err == nil {
			body = canonical
		}
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func digest(label string, parts ...string) string {
	h := sha256.New()
	writePart(h, label)
	for _, part := range parts {
		writePart(h, part)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writePart(h hash.Hash, part string) {
	_, _ = h.Write([]byte(strconv.Itoa(len(part))))
	_, _ = h.Write([]byte{':'})
	_, _ = h.Write([]byte(part))
}
