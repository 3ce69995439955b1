package catalog

import (
	"fmt"
	"strings"

	"github.com/cuemby/nixless-agent/pkg/errkind"
)

// Hash is a digest in narinfo's "<algo>:<nix32>" textual form. The only
// algorithm this agent ever produces or accepts is sha256.
type Hash struct {
	Algo   string
	Digest []byte
}

// Sha256Len is the raw byte length of a sha256 digest.
const Sha256Len = 32

// NewSha256Hash wraps a raw 32-byte sha256 digest.
func NewSha256Hash(digest []byte) (Hash, error) {
	if len(digest) != Sha256Len {
		return Hash{}, errkind.New(errkind.Malformed, fmt.Sprintf("sha256 digest must be %d bytes, got %d", Sha256Len, len(digest)))
	}
	cp := make([]byte, Sha256Len)
	copy(cp, digest)
	return Hash{Algo: "sha256", Digest: cp}, nil
}

// String renders the hash in narinfo form, e.g. "sha256:0123...".
func (h Hash) String() string {
	return h.Algo + ":" + encodeNix32(h.Digest)
}

// Equal reports whether two hashes are the same algorithm and digest.
func (h Hash) Equal(other Hash) bool {
	if h.Algo != other.Algo || len(h.Digest) != len(other.Digest) {
		return false
	}
	for i := range h.Digest {
		if h.Digest[i] != other.Digest[i] {
			return false
		}
	}
	return true
}

// ParseHash parses narinfo's "<algo>:<nix32>" form. Only sha256 is
// accepted; anything else is Malformed.
func ParseHash(s string) (Hash, error) {
	algo, enc, ok := strings.Cut(s, ":")
	if !ok {
		return Hash{}, errkind.New(errkind.Malformed, fmt.Sprintf("hash %q missing algo prefix", s))
	}
	if algo != "sha256" {
		return Hash{}, errkind.New(errkind.Malformed, fmt.Sprintf("unsupported hash algorithm %q", algo))
	}
	digest, err := decodeNix32(enc, Sha256Len)
	if err != nil {
		return Hash{}, errkind.Wrap(errkind.Malformed, fmt.Sprintf("hash %q", s), err)
	}
	return Hash{Algo: algo, Digest: digest}, nil
}
