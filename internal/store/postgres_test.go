package store

import (
	"encoding/hex"
	"testing"
)

func TestComputeDedupKeyFromID(t *testing.T) {
	body := []byte(`{"id":"evt_123","type":"x"}`)
	got := computeDedupKey(body)
	if got != "evt_123" {
		t.Fatalf("want evt_123, got %s", got)
	}
}

func TestComputeDedupKeyFromHash(t *testing.T) {
	body := []byte(`{"notId":"x"}`)
	got := computeDedupKey(body)
	// hex-encoded first 8 bytes -> 16 hex chars
	b, err := hex.DecodeString(got)
	if err != nil {
		t.Fatalf("invalid hex: %v", err)
	}
	if len(b) != 8 {
		t.Fatalf("expected 8 bytes, got %d", len(b))
	}
	if computeDedupKey(body) != got {
		t.Fatal("dedup key must be stable")
	}
}

func TestNullHelpers(t *testing.T) {
	if nullIfEmpty("") != nil {
		t.Fatal("empty string -> nil expected")
	}
	if nullIfEmpty("x") == nil {
		t.Fatal("non-empty -> value expected")
	}
	if zeroToNull(0) != nil {
		t.Fatal("zero -> nil expected")
	}
	if toJSON(map[string]string{}) != nil {
		t.Fatal("empty headers -> nil expected")
	}
	if toJSON(map[string]string{"a": "b"}) == nil {
		t.Fatal("non-empty headers -> value expected")
	}
}
