// Package codec is the opaque compression "codec" contract the engine
// treats as an external collaborator (the real code generator lives
// outside this repo's scope). It ships one concrete implementation,
// backed by github.com/pierrec/lz4/v3's block API, grounded on aistore's
// transport-sendobj.go stream-compression usage pattern, plus a trivial
// identity codec for tests.
package codec

import (
	"fmt"

	"github.com/pierrec/lz4/v3"
)

// Codec is the contract the Block/Frame compressor and decompressor
// transform stages are written against: compress(buf) -> buf
// and decompress(buf) -> buf, with the caller responsible for framing
// (compress_offset, write_size) around it.
type Codec interface {
	// Compress writes a compressed representation of src into dst (reused
	// when its capacity suffices, otherwise a new slice is allocated;
	// Compress may reslice and return a differently-lengthed result) and
	// returns it.
	Compress(dst, src []byte) ([]byte, error)

	// Decompress is Compress's inverse: given previously compressed bytes,
	// it reconstructs exactly len(dst) bytes of original payload into dst.
	Decompress(dst, src []byte) ([]byte, error)

	// Name identifies the codec for logging and the `constraints?` query.
	Name() string
}

// Identity is a no-op Codec. When compression is off the Chain builder adds
// no compressor stage at all rather than constructing one of these, but
// it's useful in tests that want
// to exercise the compressor stage's framing logic without lz4's
// variable-length output complicating offsets.
type Identity struct{}

func (Identity) Name() string { return "identity" }

func (Identity) Compress(dst, src []byte) ([]byte, error) {
	dst = growTo(dst, len(src))
	copy(dst, src)
	return dst, nil
}

func (Identity) Decompress(dst, src []byte) ([]byte, error) {
	if len(src) < len(dst) {
		return nil, fmt.Errorf("codec: identity decompress: src %d bytes shorter than dst %d", len(src), len(dst))
	}
	copy(dst, src[:len(dst)])
	return dst, nil
}

// LZ4 implements Codec using lz4's block-level (not frame-streaming)
// compression, matching the fixed-size region-at-a-time usage the Block/
// Frame compressor stages need.
type LZ4 struct {
	hashTable []int // reused across calls to avoid per-Block allocation
}

// NewLZ4 constructs an LZ4 codec.
func NewLZ4() *LZ4 {
	return &LZ4{hashTable: make([]int, 1<<16)}
}

func (c *LZ4) Name() string { return "lz4" }

// Compress runs lz4's block compressor. If the input doesn't compress at
// all (incompressible data, e.g. already-dense sample bits)
// lz4.CompressBlock reports n==0 and Compress returns an error; the
// compressor stage surfaces that as a codec failure rather than emitting a
// region it cannot fit. The returned slice is the authoritative output and
// may differ from dst; callers must copy it into their own framing.
func (c *LZ4) Compress(dst, src []byte) ([]byte, error) {
	dst = growTo(dst, lz4.CompressBlockBound(len(src)))
	for i := range c.hashTable {
		c.hashTable[i] = 0
	}
	n, err := lz4.CompressBlock(src, dst, c.hashTable)
	if err != nil {
		return nil, fmt.Errorf("codec: lz4 compress: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("codec: lz4 block incompressible")
	}
	return dst[:n], nil
}

// Decompress runs lz4's block decompressor. dst's length tells the decoder
// how many bytes of original payload to expect.
func (c *LZ4) Decompress(dst, src []byte) ([]byte, error) {
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return nil, fmt.Errorf("codec: lz4 decompress: %w", err)
	}
	if n != len(dst) {
		return nil, fmt.Errorf("codec: lz4 decompress produced %d bytes, want %d", n, len(dst))
	}
	return dst, nil
}

func growTo(buf []byte, n int) []byte {
	if cap(buf) >= n {
		return buf[:n]
	}
	return make([]byte, n)
}
