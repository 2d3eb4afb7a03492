package codec

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIdentityRoundTrip(t *testing.T) {
	src := []byte("mark5xfer identity codec round trip")
	var c Identity

	compressed, err := c.Compress(nil, src)
	require.NoError(t, err)

	dst := make([]byte, len(src))
	got, err := c.Decompress(dst, compressed)
	require.NoError(t, err)
	require.True(t, bytes.Equal(src, got))
}

func TestLZ4RoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	src := make([]byte, 64*1024)
	// Repetitive-enough payload that lz4 actually compresses it, matching
	// the compressibility of real sampled VLBI data rather than noise.
	pattern := make([]byte, 256)
	r.Read(pattern)
	for i := range src {
		src[i] = pattern[i%len(pattern)]
	}

	c := NewLZ4()
	compressed, err := c.Compress(nil, src)
	require.NoError(t, err)
	require.Less(t, len(compressed), len(src))

	dst := make([]byte, len(src))
	got, err := c.Decompress(dst, compressed)
	require.NoError(t, err)
	require.True(t, bytes.Equal(src, got))
}
