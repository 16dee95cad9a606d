package idempotency

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestFingerprint_EachInputChangesValue(t *testing.T) {
	base := NewFingerprint("POST /settlements", "actor-1", "key-1", []byte(`{"isin":"US0378331005","qty":"10"}`))
	variants := map[string]Fingerprint{
		"endpoint": NewFingerprint("POST /issuances", "actor-1", "key-1", []byte(`{"isin":"US0378331005","qty":"10"}`)),
		"actor":    NewFingerprint("POST /settlements", "actor-2", "key-1", []byte(`{"isin":"US0378331005","qty":"10"}`)),
		"key":      NewFingerprint("POST /settlements", "actor-1", "key-2", []byte(`{"isin":"US0378331005","qty":"10"}`)),
		"payload":  NewFingerprint("POST /settlements", "actor-1", "key-1", []byte(`{"isin":"US0378331005","qty":"11"}`)),
	}
	for name, variant := range variants {
		if variant.Value == base.Value {
			t.Fatalf("expected %s change to alter fingerprint", name)
		}
	}
	if variants["payload"].ScopeKey != base.ScopeKey {
		t.Fatalf("expected payload change to keep the scope key")
	}
	if variants["key"].ScopeKey == base.ScopeKey {
		t.Fatalf("expected key change to alter the scope key")
	}
}

func TestPayloadHash_CanonicalizesJSON(t *testing.T) {
	a := PayloadHash([]byte(`{"qty":"10","isin":"US0378331005"}`))
	b := PayloadHash([]byte("{\n  \"isin\": \"US0378331005\",\n  \"qty\": \"10\"\n}"))
	if a != b {
		t.Fatalf("expected key order and whitespace to be ignored")
	}
	if PayloadHash([]byte("not json")) == PayloadHash([]byte("not  json")) {
		t.Fatalf("expected raw payloads hashed byte for byte")
	}
}

func TestFingerprint_PartsAreUnambiguous(t *testing.T) {
	left := NewFingerprint("ab", "c", "k", nil)
	right := NewFingerprint("a", "bc", "k", nil)
	if left.Value == right.Value || left.ScopeKey == right.ScopeKey {
		t.Fatalf("expected length-prefixed parts to keep boundaries distinct")
	}
}

func TestFingerprint_BypassWithoutKey(t *testing.T) {
	if !NewFingerprint("e", "a", "  ", nil).Bypass() {
		t.Fatalf("expected blank key to bypass")
	}
	if NewFingerprint("e", "a", "k", nil).Bypass() {
		t.Fatalf("expected keyed request not to bypass")
	}
}

func TestFingerprint_Deterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("same inputs give the same fingerprint", prop.ForAll(
		func(endpoint, actor, key, body string) bool {
			first := Fingerprinter{}.Fingerprint(endpoint, actor, key, []byte(body))
			second := Fingerprinter{}.Fingerprint(endpoint, actor, key, []byte(body))
			return first == second
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AnyString(),
	))

	properties.Property("different keys give different scope keys", prop.ForAll(
		func(key string, suffix string) bool {
			first := NewFingerprint("e", "a", key, nil)
			second := NewFingerprint("e", "a", key+suffix, nil)
			return first.ScopeKey != second.ScopeKey
		},
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}
