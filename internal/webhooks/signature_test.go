package webhooks

import "testing"

func TestSignHMACDeterministic(t *testing.T) {
	body := []byte(`{"id":"evt_1","type":"deal.updated"}`)
	a := SignHMAC("secret", body)
	b := SignHMAC("secret", body)
	if a != b {
		t.Fatalf("same inputs must sign identically: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
	for _, c := range a {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			t.Fatalf("expected lowercase hex, got %q in %s", c, a)
		}
	}
}

func TestSignHMACSensitivity(t *testing.T) {
	body := []byte(`{"id":"evt_1"}`)
	base := SignHMAC("secret", body)
	if SignHMAC("secret2", body) == base {
		t.Fatal("different secret must change signature")
	}
	flipped := append([]byte(nil), body...)
	flipped[0] ^= 1
	if SignHMAC("secret", flipped) == base {
		t.Fatal("different body must change signature")
	}
}

func TestVerifyHMAC(t *testing.T) {
	body := []byte(`{"id":"evt_1"}`)
	sig := SignHMAC("secret", body)
	if !VerifyHMAC("secret", body, sig) {
		t.Fatal("valid signature should verify")
	}
	if VerifyHMAC("other", body, sig) {
		t.Fatal("wrong secret should not verify")
	}
	if VerifyHMAC("secret", body, "zz"+sig[2:]) {
		t.Fatal("non-hex signature should not verify")
	}
}
