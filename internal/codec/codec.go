// Package codec implements the engine's compression and content-digest
// primitives. Every backend that persists a compressed payload goes
// through Compress/Decompress so checksums and stats stay comparable
// across Memory, Indexed, and Archive.
package codec

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/compresr/context-engine/internal/engineerr"
)

const op = "codec"

// Algorithm is a closed set of compression codecs. Only Gzip and None
// are implemented; the rest are reserved enum values for which Compress
// and Decompress fail fast with an engineerr BackendUnavailable error.
type Algorithm string

const (
	None   Algorithm = "none"
	LZ4    Algorithm = "lz4"
	Gzip   Algorithm = "gzip"
	Brotli Algorithm = "brotli"
	Zstd   Algorithm = "zstd"
)

// Stats describes the outcome of a single Compress call.
type Stats struct {
	OriginalSize     int64
	CompressedSize   int64
	CompressionRatio float64
	Algorithm        Algorithm
	CompressedAt     time.Time
}

func isValidAlgorithm(a Algorithm) bool {
	switch a {
	case None, LZ4, Gzip, Brotli, Zstd:
		return true
	default:
		return false
	}
}

// Compress encodes data with algo, returning the compressed bytes and
// the stats needed to populate CompressionStats on a CompressedRecord.
func Compress(data []byte, algo Algorithm) ([]byte, Stats, error) {
	if !isValidAlgorithm(algo) {
		return nil, Stats{}, engineerr.New(op+".compress", engineerr.Validation, errf("unknown algorithm %q", algo))
	}

	var out []byte
	switch algo {
	case None:
		out = append([]byte(nil), data...)
	case Gzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, Stats{}, engineerr.New(op+".compress", engineerr.Validation, err)
		}
		if err := w.Close(); err != nil {
			return nil, Stats{}, engineerr.New(op+".compress", engineerr.Validation, err)
		}
		out = buf.Bytes()
	case LZ4, Brotli, Zstd:
		return nil, Stats{}, engineerr.New(op+".compress", engineerr.BackendUnavailable,
			errf("algorithm %q is not available in this build", algo)).WithContext("algorithm", string(algo))
	}

	ratio := 0.0
	if len(data) > 0 {
		ratio = float64(len(out)) / float64(len(data))
	}
	stats := Stats{
		OriginalSize:     int64(len(data)),
		CompressedSize:   int64(len(out)),
		CompressionRatio: ratio,
		Algorithm:        algo,
		CompressedAt:     time.Now().UTC(),
	}
	return out, stats, nil
}

// Decompress reverses Compress. When expectedDigest is non-empty, the
// digest of the decompressed output is verified against it and a
// ChecksumMismatch error is returned on disagreement.
func Decompress(data []byte, algo Algorithm, expectedDigest string) ([]byte, error) {
	if !isValidAlgorithm(algo) {
		return nil, engineerr.New(op+".decompress", engineerr.Validation, errf("unknown algorithm %q", algo))
	}

	var out []byte
	switch algo {
	case None:
		out = append([]byte(nil), data...)
	case Gzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, engineerr.New(op+".decompress", engineerr.Validation, err)
		}
		defer r.Close()
		decoded, err := io.ReadAll(r)
		if err != nil {
			return nil, engineerr.New(op+".decompress", engineerr.Validation, err)
		}
		out = decoded
	case LZ4, Brotli, Zstd:
		return nil, engineerr.New(op+".decompress", engineerr.BackendUnavailable,
			errf("algorithm %q is not available in this build", algo)).WithContext("algorithm", string(algo))
	}

	if expectedDigest != "" && Digest(out) != expectedDigest {
		return nil, engineerr.New(op+".decompress", engineerr.ChecksumMismatch,
			errf("decompressed payload does not match stored checksum"))
	}
	return out, nil
}

// Digest returns the SHA-256 hex digest of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func errf(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}
