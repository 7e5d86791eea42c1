package block

import (
	"crypto/ed25519"
	"testing"
)

func mustSignedBlock(t *testing.T, date uint64, body []byte) (*Block, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var dateBuf [8]byte
	// mirror SignedPayload's field order without constructing a Block yet.
	payload := append(append([]byte(nil), body...), encodeDate(date, dateBuf[:])...)
	payload = append(payload, pub...)
	sig := ed25519.Sign(priv, payload)

	raw, err := Encode(pub, date, sig, body)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return b, pub
}

func encodeDate(date uint64, buf []byte) []byte {
	for i := 7; i >= 0; i-- {
		buf[i] = byte(date)
		date >>= 8
	}
	return buf
}

func TestParseVerifyRoundTrip(t *testing.T) {
	b, _ := mustSignedBlock(t, 1700000000000, []byte("hello swarm"))
	if !Verify(b) {
		t.Fatal("expected signature to verify")
	}
	if ReadDate(b) != 1700000000000 {
		t.Fatalf("ReadDate = %d", ReadDate(b))
	}
	if Size(b) != len(b.Raw) {
		t.Fatalf("Size mismatch")
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	b, _ := mustSignedBlock(t, 42, []byte("x"))
	b.Signature[0] ^= 0xFF
	if Verify(b) {
		t.Fatal("expected tampered signature to fail verification")
	}
}

func TestHashIsDeterministicAndDistinctFromSignature(t *testing.T) {
	b, _ := mustSignedBlock(t, 42, []byte("payload"))
	h1 := Hash(b)
	h2 := Hash(b)
	if h1 != h2 {
		t.Fatal("hash must be deterministic")
	}
	if len(h1) != 32 {
		t.Fatalf("expected 32-byte hash, got %d", len(h1))
	}
	if string(h1[:]) == string(b.Signature[:32]) {
		t.Fatal("hash must be distinct from the signature")
	}
}

func TestParseRejectsUnsupportedType(t *testing.T) {
	b, _ := mustSignedBlock(t, 1, []byte("a"))
	raw := append([]byte(nil), b.Raw...)
	raw[0] = 0x7F
	if _, err := Parse(raw); err == nil {
		t.Fatal("expected unsupported type error")
	}
}

func TestParseRejectsShortBuffer(t *testing.T) {
	if _, err := Parse([]byte{TypeCanonical, 1, 2, 3}); err == nil {
		t.Fatal("expected malformed error for short buffer")
	}
}

func TestEncodeRejectsOversizedBody(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)
	body := make([]byte, MaxBodySize+1)
	if _, err := Encode(pub, 0, make([]byte, 64), body); err == nil {
		t.Fatal("expected oversized body to be rejected")
	}
}
