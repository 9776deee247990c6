// Package contenthash derives asset identity from content bytes.
package contenthash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/h8rt3rmin8r/faceforge/internal/model"
)

// Algorithm is recorded alongside digests so a later migration can tell them apart.
const Algorithm = "sha256"

const sniffLen = 512

// Digest is a lowercase hex SHA-256 digest. It doubles as the asset id.
type Digest string

func (d Digest) String() string { return string(d) }

// Shard returns the fan-out directory for the digest.
func (d Digest) Shard() string {
	if len(d) < 2 {
		return "00"
	}
	return string(d[:2])
}

// Parse validates s and normalizes it to lowercase.
func Parse(s string) (Digest, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) != sha256.Size*2 {
		return "", fmt.Errorf("%w: digest must be %d hex chars", model.ErrInvalidInput, sha256.Size*2)
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("%w: digest is not hex", model.ErrInvalidInput)
	}
	return Digest(s), nil
}

// Writer tees everything written to it into an underlying writer while
// hashing and counting. The first bytes are kept for content sniffing.
type Writer struct {
	dst  io.Writer
	h    hash.Hash
	n    int64
	head []byte
}

func NewWriter(dst io.Writer) *Writer {
	if dst == nil {
		dst = io.Discard
	}
	return &Writer{dst: dst, h: sha256.New(), head: make([]byte, 0, sniffLen)}
}

func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.dst.Write(p)
	if n > 0 {
		w.h.Write(p[:n])
		w.n += int64(n)
		if room := sniffLen - len(w.head); room > 0 {
			if room > n {
				room = n
			}
			w.head = append(w.head, p[:room]...)
		}
	}
	return n, err
}

func (w *Writer) Sum() Digest { return Digest(hex.EncodeToString(w.h.Sum(nil))) }

func (w *Writer) Size() int64 { return w.n }

// Head returns up to the first 512 bytes written.
func (w *Writer) Head() []byte { return w.head }

// Sum hashes r to EOF.
func Sum(r io.Reader) (Digest, int64, error) {
	w := NewWriter(nil)
	if _, err := io.Copy(w, r); err != nil {
		return "", w.Size(), err
	}
	return w.Sum(), w.Size(), nil
}

// SumBytes is a convenience for small in-memory payloads.
func SumBytes(b []byte) Digest {
	s := sha256.Sum256(b)
	return Digest(hex.EncodeToString(s[:]))
}
