// Package digest computes the content identifiers files are published under.
package digest

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	"golang.org/x/crypto/blake2b"
)

type Algorithm string

const (
	SHA1    Algorithm = "sha1"
	BLAKE2b Algorithm = "blake2b"

	Default = SHA1
)

// Parse maps a flag value to an Algorithm. The empty string selects Default.
func Parse(name string) (Algorithm, error) {
	switch Algorithm(name) {
	case "":
		return Default, nil
	case SHA1, BLAKE2b:
		return Algorithm(name), nil
	}
	return "", fmt.Errorf("unknown digest algorithm %q (want %s or %s)", name, SHA1, BLAKE2b)
}

func (a Algorithm) String() string { return string(a) }

// New returns a fresh hash for a.
func (a Algorithm) New() hash.Hash {
	switch a {
	case BLAKE2b:
		h, err := blake2b.New256(nil)
		if err != nil {
			// only fails for oversized keys
			panic(err)
		}
		return h
	default:
		return sha1.New()
	}
}

// Sum returns the lowercase hex digest of everything read from r, along with
// the number of bytes consumed.
func (a Algorithm) Sum(r io.Reader) (string, int64, error) {
	h := a.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// File digests the file at path.
func (a Algorithm) File(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	sum, n, err := a.Sum(f)
	if err != nil {
		return "", n, fmt.Errorf("digest %s: %w", path, err)
	}
	return sum, n, nil
}

// Writer hashes everything written through it.
type Writer struct {
	w io.Writer
	h hash.Hash
	n int64
}

// NewWriter returns a Writer that forwards to w while hashing with a.
func NewWriter(w io.Writer, a Algorithm) *Writer {
	return &Writer{w: w, h: a.New()}
}

func (d *Writer) Write(p []byte) (int, error) {
	n, err := d.w.Write(p)
	d.h.Write(p[:n])
	d.n += int64(n)
	return n, err
}

func (d *Writer) Sum() string  { return hex.EncodeToString(d.h.Sum(nil)) }
func (d *Writer) Count() int64 { return d.n }
