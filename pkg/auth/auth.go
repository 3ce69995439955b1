// Package auth verifies the signed directives the HTTP control plane
// accepts: a newline-delimited body of package ids followed by a
// "sig:<base64>" trailer, Ed25519-signed over the body bytes that precede
// the trailer line.
package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/cuemby/nixless-agent/pkg/catalog"
	"github.com/cuemby/nixless-agent/pkg/errkind"
)

const sigPrefix = "sig:"

// rollbackFixedBody is the fixed string a rollback directive's signature
// covers in place of a package-id body.
const rollbackFixedBody = "rollback"

// Verifier checks directive signatures against a single configured
// public key, matching the "name:base64" key format accepted from the
// environment.
type Verifier struct {
	keyName   string
	publicKey ed25519.PublicKey
}

// NewVerifier parses a "name:base64(32 bytes)" public key string.
func NewVerifier(spec string) (*Verifier, error) {
	name, enc, ok := strings.Cut(spec, ":")
	if !ok {
		return nil, fmt.Errorf("public key spec %q missing name prefix", spec)
	}
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, fmt.Errorf("public key spec %q: %w", spec, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key spec %q: want %d bytes, got %d", spec, ed25519.PublicKeySize, len(raw))
	}
	return &Verifier{keyName: name, publicKey: ed25519.PublicKey(raw)}, nil
}

// VerifyDirective parses and authenticates a "new configuration" request
// body, returning the top-level package id and the full closure set (the
// top-level id is always a member of the returned set).
func (v *Verifier) VerifyDirective(raw []byte) (topLevelID string, closure map[string]struct{}, err error) {
	if !utf8.Valid(raw) {
		return "", nil, errkind.New(errkind.Malformed, "directive body is not valid UTF-8")
	}

	body, sig, err := splitTrailer(raw)
	if err != nil {
		return "", nil, err
	}

	if err := v.verifySignature(body, sig); err != nil {
		return "", nil, err
	}

	lines := splitLines(body)
	if len(lines) == 0 {
		return "", nil, errkind.New(errkind.Malformed, "directive body has no package ids")
	}

	closure = make(map[string]struct{}, len(lines))
	for i, line := range lines {
		if !catalog.IsValidID(line) {
			return "", nil, errkind.New(errkind.Malformed, fmt.Sprintf("line %d is not a valid package id: %q", i+1, line))
		}
		if _, dup := closure[line]; dup {
			return "", nil, errkind.New(errkind.Malformed, fmt.Sprintf("duplicate package id %q", line))
		}
		closure[line] = struct{}{}
	}

	topLevelID = lines[0]
	return topLevelID, closure, nil
}

// VerifyRollback authenticates a "rollback" request, whose body is empty
// and whose signature covers the fixed string "rollback" rather than any
// package-id list.
func (v *Verifier) VerifyRollback(raw []byte) error {
	if !utf8.Valid(raw) {
		return errkind.New(errkind.Malformed, "rollback body is not valid UTF-8")
	}
	body, sig, err := splitTrailer(raw)
	if err != nil {
		return err
	}
	if len(body) != 0 {
		return errkind.New(errkind.Malformed, "rollback directive must not carry a package-id body")
	}
	return v.verifySignature([]byte(rollbackFixedBody), sig)
}

func (v *Verifier) verifySignature(body, sig []byte) error {
	if !ed25519.Verify(v.publicKey, body, sig) {
		return errkind.New(errkind.Unauthorized, "signature verification failed")
	}
	return nil
}

// splitTrailer separates the body bytes from the trailing "sig:<base64>"
// line, which must be the final line of raw.
func splitTrailer(raw []byte) (body, sig []byte, err error) {
	s := string(raw)
	s = strings.TrimSuffix(s, "\n")
	idx := strings.LastIndexByte(s, '\n')

	var bodyStr, trailer string
	if idx < 0 {
		bodyStr, trailer = "", s
	} else {
		bodyStr, trailer = s[:idx+1], s[idx+1:]
	}

	if !strings.HasPrefix(trailer, sigPrefix) {
		return nil, nil, errkind.New(errkind.Malformed, "missing sig: trailer line")
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(trailer, sigPrefix))
	if err != nil {
		return nil, nil, errkind.Wrap(errkind.Malformed, "bad base64 signature", err)
	}
	if len(decoded) != ed25519.SignatureSize {
		return nil, nil, errkind.New(errkind.Malformed, fmt.Sprintf("signature is %d bytes, want %d", len(decoded), ed25519.SignatureSize))
	}

	return []byte(bodyStr), decoded, nil
}

func splitLines(body []byte) []string {
	s := strings.TrimSuffix(string(body), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
