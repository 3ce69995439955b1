// Package catalog implements the store path catalog: canonicalizing
// package ids, computing their filesystem paths under a configured store
// root, and enforcing the path-shape invariants the rest of the agent
// relies on. It is the only package that concatenates a store root with a
// package id.
package catalog

import (
	"fmt"
	"strings"

	"github.com/cuemby/nixless-agent/pkg/errkind"
)

// HashLen is the fixed length, in nix32 characters, of the hash segment of
// a package id (20 raw bytes, Nix's truncated store-path hash).
const HashLen = 32

// Catalog resolves package ids against a fixed store root.
type Catalog struct {
	storeRoot string
}

// New returns a Catalog rooted at storeRoot (e.g. "/nix/store").
func New(storeRoot string) *Catalog {
	return &Catalog{storeRoot: strings.TrimRight(storeRoot, "/")}
}

// StoreRoot returns the configured store root.
func (c *Catalog) StoreRoot() string {
	return c.storeRoot
}

// IDToPath returns the absolute store path for id, without validating it.
// Callers that accept ids from outside the process must call IsValidID
// first.
func (c *Catalog) IDToPath(id string) string {
	return c.storeRoot + "/" + id
}

// PathToID extracts the package id from an absolute store path, verifying
// it falls directly under the store root (no nested components) and is a
// shape-valid id.
func (c *Catalog) PathToID(path string) (string, error) {
	prefix := c.storeRoot + "/"
	if !strings.HasPrefix(path, prefix) {
		return "", errkind.New(errkind.Malformed, fmt.Sprintf("path %q is not under store root %q", path, c.storeRoot))
	}
	rest := path[len(prefix):]
	if strings.Contains(rest, "/") {
		return "", errkind.New(errkind.Malformed, fmt.Sprintf("path %q has nested components", path))
	}
	if !IsValidID(rest) {
		return "", errkind.New(errkind.Malformed, fmt.Sprintf("path %q does not name a valid package id", path))
	}
	return rest, nil
}

// IsValidID reports whether s has the shape "<hash>-<name>": hash is
// exactly HashLen nix32 characters, name is non-empty, printable, and
// contains no path separators, NUL bytes, or other control characters.
func IsValidID(s string) bool {
	if len(s) < HashLen+2 {
		return false
	}
	if s[HashLen] != '-' {
		return false
	}
	hash := s[:HashLen]
	name := s[HashLen+1:]

	if !isValidNix32(hash) {
		return false
	}
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		b := name[i]
		if b < 0x20 || b == 0x7f || b == '/' {
			return false
		}
	}
	return true
}

// SplitID separates a valid id into its hash and name segments.
func SplitID(id string) (hash, name string, err error) {
	if !IsValidID(id) {
		return "", "", errkind.New(errkind.Malformed, fmt.Sprintf("invalid package id %q", id))
	}
	return id[:HashLen], id[HashLen+1:], nil
}
