package filezoom

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"github.com/cespare/xxhash/v2"
)

// NewHasher creates a new hash.Hash for the given algorithm.
func NewHasher(algorithm ChecksumAlgorithm) (hash.Hash, error) {
	switch algorithm {
	case ChecksumSHA256:
		return sha256.New(), nil
	case ChecksumXXHash:
		return xxhash.New(), nil
	default:
		return nil, fmt.Errorf("%w: checksum algorithm %s", ErrUnsupported, algorithm)
	}
}

// CalculateChecksum reads r to the end and returns the hex-encoded checksum.
func CalculateChecksum(r io.Reader, algorithm ChecksumAlgorithm) (string, error) {
	h, err := NewHasher(algorithm)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("failed to calculate checksum: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashingWriter hashes everything written through it with xxhash.
type HashingWriter struct {
	io.Writer
	h *xxhash.Digest
}

// NewHashingWriter returns a writer that forwards to w and hashes the bytes.
func NewHashingWriter(w io.Writer) *HashingWriter {
	h := xxhash.New()
	return &HashingWriter{Writer: io.MultiWriter(w, h), h: h}
}

// Sum returns the hex-encoded xxhash of the bytes written so far.
func (w *HashingWriter) Sum() string {
	return hex.EncodeToString(w.h.Sum(nil))
}
