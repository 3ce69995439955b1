// Package nar implements the streaming decoder for Nix Archive (NAR)
// streams: a magic header followed by a recursive tree of "(" "type"
// ... ")" nodes, each string field length-prefixed and padded to an
// 8-byte boundary. It is the innermost stage of the NAR pipeline, reading
// already-decompressed bytes and handing the extractor one tree entry at
// a time without buffering file contents in memory.
package nar

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/cuemby/nixless-agent/pkg/errkind"
)

const magic = "nix-archive-1"

// EntryType classifies a decoded NAR tree entry.
type EntryType int

const (
	TypeRegular EntryType = iota
	TypeDirectory
	TypeSymlink
)

// Header describes one entry in the archive. For TypeRegular, Size bytes
// of content immediately follow via Reader.Read until the next call to
// Reader.Next.
type Header struct {
	Path       string
	Type       EntryType
	Executable bool
	LinkTarget string
	Size       int64
}

type frame struct {
	path         string
	entryWrapped bool
}

// Reader decodes a NAR byte stream into a sequence of Headers, depth-first
// in on-disk order (parent directories before their children).
type Reader struct {
	r     io.Reader
	stack []frame

	started bool
	done    bool

	pendingRemaining     int64
	pendingPadding       int64
	pendingEntryWrapped  bool
	pendingHasClose      bool
}

// NewReader wraps r as a NAR decoder.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Next advances to the next entry, returning io.EOF once the archive is
// fully consumed. If the previous entry was a regular file whose content
// was not fully read, Next drains the remainder first.
func (nr *Reader) Next() (*Header, error) {
	if err := nr.drainPending(); err != nil {
		return nil, err
	}

	if nr.done {
		return nil, io.EOF
	}

	if !nr.started {
		return nr.start()
	}

	for {
		if len(nr.stack) == 0 {
			nr.done = true
			return nil, io.EOF
		}

		top := nr.stack[len(nr.stack)-1]
		tok, err := nr.readStr()
		if err != nil {
			return nil, err
		}

		switch tok {
		case ")":
			nr.stack = nr.stack[:len(nr.stack)-1]
			if top.entryWrapped {
				if err := nr.expect(")"); err != nil {
					return nil, err
				}
			}
			continue
		case "entry":
			return nr.readEntry(top.path)
		default:
			return nil, errkind.New(errkind.Malformed, fmt.Sprintf("nar: unexpected token %q inside directory", tok))
		}
	}
}

func (nr *Reader) start() (*Header, error) {
	got, err := nr.readBytes(len(magic))
	if err != nil {
		return nil, err
	}
	if string(got) != magic {
		return nil, errkind.New(errkind.Malformed, "nar: bad magic")
	}
	nr.started = true

	if err := nr.expect("("); err != nil {
		return nil, err
	}
	if err := nr.expect("type"); err != nil {
		return nil, err
	}
	typ, err := nr.readStr()
	if err != nil {
		return nil, err
	}

	return nr.readNodeBody("", typ, false)
}

func (nr *Reader) readEntry(parentPath string) (*Header, error) {
	if err := nr.expect("("); err != nil {
		return nil, err
	}
	if err := nr.expect("name"); err != nil {
		return nil, err
	}
	name, err := nr.readStr()
	if err != nil {
		return nil, err
	}
	if err := validateEntryName(name); err != nil {
		return nil, err
	}
	if err := nr.expect("node"); err != nil {
		return nil, err
	}
	if err := nr.expect("("); err != nil {
		return nil, err
	}
	if err := nr.expect("type"); err != nil {
		return nil, err
	}
	typ, err := nr.readStr()
	if err != nil {
		return nil, err
	}

	fullPath := parentPath + "/" + name
	return nr.readNodeBody(fullPath, typ, true)
}

func (nr *Reader) readNodeBody(path, typ string, entryWrapped bool) (*Header, error) {
	switch typ {
	case "directory":
		nr.stack = append(nr.stack, frame{path: path, entryWrapped: entryWrapped})
		return &Header{Path: path, Type: TypeDirectory}, nil

	case "symlink":
		if err := nr.expect("target"); err != nil {
			return nil, err
		}
		target, err := nr.readStr()
		if err != nil {
			return nil, err
		}
		if err := validateSymlinkTarget(target); err != nil {
			return nil, err
		}
		if err := nr.expect(")"); err != nil {
			return nil, err
		}
		if entryWrapped {
			if err := nr.expect(")"); err != nil {
				return nil, err
			}
		} else {
			nr.done = true
		}
		return &Header{Path: path, Type: TypeSymlink, LinkTarget: target}, nil

	case "regular":
		executable := false
		tok, err := nr.readStr()
		if err != nil {
			return nil, err
		}
		if tok == "executable" {
			if _, err := nr.readStr(); err != nil { // empty string payload
				return nil, err
			}
			executable = true
			if err := nr.expect("contents"); err != nil {
				return nil, err
			}
		} else if tok != "contents" {
			return nil, errkind.New(errkind.Malformed, fmt.Sprintf("nar: unexpected token %q in regular node", tok))
		}

		size, err := nr.readU64()
		if err != nil {
			return nil, err
		}

		nr.pendingRemaining = int64(size)
		nr.pendingPadding = padLen(int64(size))
		nr.pendingEntryWrapped = entryWrapped
		nr.pendingHasClose = true
		if len(nr.stack) == 0 {
			// Root-level regular file: closing parens are consumed by
			// drainPending, after which the archive is exhausted.
			nr.done = true
		}

		return &Header{Path: path, Type: TypeRegular, Executable: executable, Size: int64(size)}, nil

	default:
		return nil, errkind.New(errkind.Malformed, fmt.Sprintf("nar: unknown entry type %q", typ))
	}
}

// Read reads from the content of the current regular-file entry. It
// returns io.EOF once Size bytes have been delivered.
func (nr *Reader) Read(p []byte) (int, error) {
	if nr.pendingRemaining == 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > nr.pendingRemaining {
		p = p[:nr.pendingRemaining]
	}
	n, err := nr.r.Read(p)
	nr.pendingRemaining -= int64(n)
	if err != nil && err != io.EOF {
		return n, errkind.Wrap(errkind.TransientNetwork, "nar: reading content", err)
	}
	if nr.pendingRemaining == 0 {
		return n, io.EOF
	}
	return n, err
}

// drainPending discards any unread content bytes and padding from the
// previous regular-file entry, then consumes its closing parens.
func (nr *Reader) drainPending() error {
	if !nr.pendingHasClose {
		return nil
	}
	if nr.pendingRemaining > 0 {
		if _, err := io.CopyN(io.Discard, nr.r, nr.pendingRemaining); err != nil {
			return errkind.Wrap(errkind.TransientNetwork, "nar: draining content", err)
		}
		nr.pendingRemaining = 0
	}
	if nr.pendingPadding > 0 {
		if _, err := io.CopyN(io.Discard, nr.r, nr.pendingPadding); err != nil {
			return errkind.Wrap(errkind.TransientNetwork, "nar: draining padding", err)
		}
		nr.pendingPadding = 0
	}
	if err := nr.expect(")"); err != nil {
		return err
	}
	if nr.pendingEntryWrapped {
		if err := nr.expect(")"); err != nil {
			return err
		}
	}
	nr.pendingHasClose = false
	return nil
}

func (nr *Reader) expect(want string) error {
	got, err := nr.readStr()
	if err != nil {
		return err
	}
	if got != want {
		return errkind.New(errkind.Malformed, fmt.Sprintf("nar: expected %q, got %q", want, got))
	}
	return nil
}

func (nr *Reader) readU64() (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(nr.r, buf[:]); err != nil {
		return 0, errkind.Wrap(errkind.Malformed, "nar: reading length", err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (nr *Reader) readStr() (string, error) {
	n, err := nr.readU64()
	if err != nil {
		return "", err
	}
	b, err := nr.readBytes(int(n))
	if err != nil {
		return "", err
	}
	if pad := padLen(int64(n)); pad > 0 {
		if _, err := io.CopyN(io.Discard, nr.r, pad); err != nil {
			return "", errkind.Wrap(errkind.Malformed, "nar: reading string padding", err)
		}
	}
	return string(b), nil
}

func (nr *Reader) readBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(nr.r, b); err != nil {
		return nil, errkind.Wrap(errkind.Malformed, "nar: reading field", err)
	}
	return b, nil
}

func padLen(n int64) int64 {
	rem := n % 8
	if rem == 0 {
		return 0
	}
	return 8 - rem
}

func validateEntryName(name string) error {
	if name == "" || name == "." || name == ".." || strings.Contains(name, "/") {
		return errkind.New(errkind.Malformed, fmt.Sprintf("nar: unsafe entry name %q", name))
	}
	for i := 0; i < len(name); i++ {
		if name[i] == 0 {
			return errkind.New(errkind.Malformed, "nar: entry name contains NUL")
		}
	}
	return nil
}

func validateSymlinkTarget(target string) error {
	if target == "" {
		return errkind.New(errkind.Malformed, "nar: empty symlink target")
	}
	if strings.Contains(target, "\x00") {
		return errkind.New(errkind.Malformed, "nar: symlink target contains NUL")
	}
	return nil
}
