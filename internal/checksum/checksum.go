package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

const Prefix = "sha256:"

// Sum digests r and returns the formatted checksum and the byte count.
func Sum(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return format(h), n, nil
}

// SumFile digests the file at path.
func SumFile(path string) (string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer file.Close()
	return Sum(file)
}

// Writer hashes everything written through it.
type Writer struct {
	h hash.Hash
	n int64
}

func NewWriter() *Writer {
	return &Writer{h: sha256.New()}
}

func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.h.Write(p)
	w.n += int64(n)
	return n, err
}

// Sum returns the formatted digest of the bytes written so far.
func (w *Writer) Sum() string { return format(w.h) }

// Size returns the number of bytes written.
func (w *Writer) Size() int64 { return w.n }

// Valid reports whether s is a well-formed "sha256:<64 hex>" checksum.
func Valid(s string) bool {
	if !strings.HasPrefix(s, Prefix) {
		return false
	}
	digest := strings.TrimPrefix(s, Prefix)
	if len(digest) != sha256.Size*2 {
		return false
	}
	if strings.ToLower(digest) != digest {
		return false
	}
	_, err := hex.DecodeString(digest)
	return err == nil
}

// Parse validates s and returns it unchanged.
func Parse(s string) (string, error) {
	if !Valid(s) {
		return "", fmt.Errorf("invalid checksum %q", s)
	}
	return s, nil
}

func format(h hash.Hash) string {
	return Prefix + hex.EncodeToString(h.Sum(nil))
}
