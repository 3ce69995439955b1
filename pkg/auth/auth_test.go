package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"testing"
)

func mustValidID(suffix string) string {
	return "0123456789abcdfghijklmnpqrsvwxyz-" + suffix
}

func newTestVerifier(t *testing.T) (*Verifier, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	spec := "test:" + base64.StdEncoding.EncodeToString(pub)
	v, err := NewVerifier(spec)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	return v, priv
}

func sign(priv ed25519.PrivateKey, body string) string {
	sig := ed25519.Sign(priv, []byte(body))
	return body + "sig:" + base64.StdEncoding.EncodeToString(sig)
}

func TestVerifyDirectiveValid(t *testing.T) {
	v, priv := newTestVerifier(t)
	top := mustValidID("top")
	ref := mustValidID("ref")
	body := top + "\n" + ref + "\n"
	raw := []byte(sign(priv, body))

	gotTop, closure, err := v.VerifyDirective(raw)
	if err != nil {
		t.Fatalf("VerifyDirective: %v", err)
	}
	if gotTop != top {
		t.Fatalf("got top-level %q, want %q", gotTop, top)
	}
	if _, ok := closure[top]; !ok {
		t.Fatalf("closure missing top-level id")
	}
	if _, ok := closure[ref]; !ok {
		t.Fatalf("closure missing reference id")
	}
}

func TestVerifyDirectiveBadSignature(t *testing.T) {
	v, _ := newTestVerifier(t)
	_, otherPriv := newTestVerifier(t)
	body := mustValidID("top") + "\n"
	raw := []byte(sign(otherPriv, body))

	if _, _, err := v.VerifyDirective(raw); err == nil {
		t.Fatalf("expected signature failure")
	}
}

func TestVerifyDirectiveRejectsInvalidID(t *testing.T) {
	v, priv := newTestVerifier(t)
	body := "not-a-valid-id\n"
	raw := []byte(sign(priv, body))

	if _, _, err := v.VerifyDirective(raw); err == nil {
		t.Fatalf("expected malformed error for invalid id")
	}
}

func TestVerifyDirectiveRejectsDuplicates(t *testing.T) {
	v, priv := newTestVerifier(t)
	top := mustValidID("top")
	body := top + "\n" + top + "\n"
	raw := []byte(sign(priv, body))

	if _, _, err := v.VerifyDirective(raw); err == nil {
		t.Fatalf("expected malformed error for duplicate id")
	}
}

func TestVerifyRollback(t *testing.T) {
	v, priv := newTestVerifier(t)
	sig := ed25519.Sign(priv, []byte("rollback"))
	raw := []byte("sig:" + base64.StdEncoding.EncodeToString(sig))

	if err := v.VerifyRollback(raw); err != nil {
		t.Fatalf("VerifyRollback: %v", err)
	}
}

func TestVerifyRollbackRejectsBody(t *testing.T) {
	v, priv := newTestVerifier(t)
	sig := ed25519.Sign(priv, []byte("rollback"))
	raw := []byte("extra\nsig:" + base64.StdEncoding.EncodeToString(sig))

	if err := v.VerifyRollback(raw); err == nil {
		t.Fatalf("expected malformed error for non-empty rollback body")
	}
}
