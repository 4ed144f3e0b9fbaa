package codec_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/context-engine/internal/codec"
	"github.com/compresr/context-engine/internal/engineerr"
)

func TestCompressDecompress_Gzip_RoundTrips(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog, repeated. " +
		"the quick brown fox jumps over the lazy dog, repeated.")

	compressed, stats, err := codec.Compress(data, codec.Gzip)
	require.NoError(t, err)
	assert.Equal(t, codec.Gzip, stats.Algorithm)
	assert.Equal(t, int64(len(data)), stats.OriginalSize)
	assert.Less(t, stats.CompressedSize, stats.OriginalSize)

	out, err := codec.Decompress(compressed, codec.Gzip, codec.Digest(data))
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestCompressDecompress_None_IsPassthrough(t *testing.T) {
	data := []byte("unmodified")
	compressed, stats, err := codec.Compress(data, codec.None)
	require.NoError(t, err)
	assert.Equal(t, data, compressed)
	assert.Equal(t, 1.0, stats.CompressionRatio)

	out, err := codec.Decompress(compressed, codec.None, "")
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestDecompress_ChecksumMismatch(t *testing.T) {
	data := []byte("hello world")
	compressed, _, err := codec.Compress(data, codec.Gzip)
	require.NoError(t, err)

	_, err = codec.Decompress(compressed, codec.Gzip, "not-the-real-digest")
	require.Error(t, err)
	assert.True(t, engineerr.Is(err, engineerr.ChecksumMismatch))
}

func TestCompress_UnavailableAlgorithms(t *testing.T) {
	for _, algo := range []codec.Algorithm{codec.LZ4, codec.Brotli, codec.Zstd} {
		_, _, err := codec.Compress([]byte("x"), algo)
		require.Error(t, err)
		assert.True(t, engineerr.Is(err, engineerr.BackendUnavailable))
	}
}

func TestCompress_UnknownAlgorithm(t *testing.T) {
	_, _, err := codec.Compress([]byte("x"), codec.Algorithm("bogus"))
	require.Error(t, err)
	assert.True(t, engineerr.Is(err, engineerr.Validation))
}

func TestDigest_Deterministic(t *testing.T) {
	assert.Equal(t, codec.Digest([]byte("a")), codec.Digest([]byte("a")))
	assert.NotEqual(t, codec.Digest([]byte("a")), codec.Digest([]byte("b")))
}
