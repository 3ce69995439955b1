package cache

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cuemby/nixless-agent/pkg/catalog"
	"github.com/cuemby/nixless-agent/pkg/errkind"
)

// Compression names the algorithm a NAR was compressed with.
type Compression string

const (
	CompressionXZ   Compression = "xz"
	CompressionZstd Compression = "zstd"
	CompressionNone Compression = "none"
)

// Narinfo is the metadata the cache serves for a package: where to fetch
// its NAR, how it is compressed, its declared hashes/lengths, its direct
// references, and the detached signatures over its fingerprint.
type Narinfo struct {
	StorePath   string
	URL         string
	Compression Compression
	FileHash    catalog.Hash
	FileSize    int64
	NarHash     catalog.Hash
	NarSize     int64
	References  []string
	Deriver     string
	Sig         []string
}

// Fingerprint renders the canonical string a narinfo signature is computed
// over: "1;<store-path>;<nar-hash>;<nar-size>;<comma-joined-references>".
func (n *Narinfo) Fingerprint() string {
	return fmt.Sprintf("1;%s;%s;%d;%s", n.StorePath, n.NarHash.String(), n.NarSize, strings.Join(n.References, ","))
}

// ParseNarinfo parses the cache's "key: value" narinfo text format.
func ParseNarinfo(raw []byte) (*Narinfo, error) {
	n := &Narinfo{}
	haveFileHash, haveNarHash, haveFileSize, haveNarSize := false, false, false, false

	for lineNo, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			return nil, errkind.New(errkind.Malformed, fmt.Sprintf("narinfo line %d has no key/value separator: %q", lineNo+1, line))
		}

		var err error
		switch key {
		case "StorePath":
			n.StorePath = value
		case "URL":
			n.URL = value
		case "Compression":
			n.Compression = Compression(value)
		case "FileHash":
			n.FileHash, err = catalog.ParseHash(value)
			haveFileHash = true
		case "FileSize":
			n.FileSize, err = strconv.ParseInt(value, 10, 64)
			haveFileSize = true
		case "NarHash":
			n.NarHash, err = catalog.ParseHash(value)
			haveNarHash = true
		case "NarSize":
			n.NarSize, err = strconv.ParseInt(value, 10, 64)
			haveNarSize = true
		case "References":
			if value != "" {
				n.References = strings.Split(value, " ")
			}
		case "Deriver":
			n.Deriver = value
		case "Sig":
			n.Sig = append(n.Sig, value)
		default:
			// Forward-compatible: unknown keys are ignored.
		}
		if err != nil {
			return nil, errkind.Wrap(errkind.Malformed, fmt.Sprintf("narinfo line %d (%s)", lineNo+1, key), err)
		}
	}

	switch {
	case n.StorePath == "":
		return nil, errkind.New(errkind.Malformed, "narinfo missing StorePath")
	case n.URL == "":
		return nil, errkind.New(errkind.Malformed, "narinfo missing URL")
	case !haveFileHash:
		return nil, errkind.New(errkind.Malformed, "narinfo missing FileHash")
	case !haveFileSize:
		return nil, errkind.New(errkind.Malformed, "narinfo missing FileSize")
	case !haveNarHash:
		return nil, errkind.New(errkind.Malformed, "narinfo missing NarHash")
	case !haveNarSize:
		return nil, errkind.New(errkind.Malformed, "narinfo missing NarSize")
	case n.Compression == "":
		return nil, errkind.New(errkind.Malformed, "narinfo missing Compression")
	}

	return n, nil
}

// SigNames returns the key names under which this narinfo is signed,
// without the base64 signature bytes.
func (n *Narinfo) SigNames() []string {
	names := make([]string, 0, len(n.Sig))
	for _, s := range n.Sig {
		name, _, ok := strings.Cut(s, ":")
		if ok {
			names = append(names, name)
		}
	}
	return names
}
