// Package digest computes SHA-256 checksums of uploaded content as it streams
// to the blob store.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// Reader wraps a stream, hashing and counting every byte read through it.
type Reader struct {
	r    io.Reader
	h    hash.Hash
	read int64
}

// NewReader returns a Reader hashing everything read from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, h: sha256.New()}
}

func (d *Reader) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if n > 0 {
		d.h.Write(p[:n])
		d.read += int64(n)
	}
	return n, err
}

// Sum returns the hex SHA-256 of the bytes read so far.
func (d *Reader) Sum() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

// BytesRead returns the number of bytes read so far.
func (d *Reader) BytesRead() int64 {
	return d.read
}

// ComputeHash computes SHA256 hash of data
func ComputeHash(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// Verify reports whether data matches the expected hex hash.
func Verify(data []byte, expectedHash string) bool {
	return ComputeHash(data) == expectedHash
}
