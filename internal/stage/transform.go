package stage

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/jive-vlbi/mark5xfer/internal/codec"
	"github.com/jive-vlbi/mark5xfer/internal/constants"
	"github.com/jive-vlbi/mark5xfer/internal/headerfmt"

	mark5xfer "github.com/jive-vlbi/mark5xfer"
)

// Framer locates and extracts Frames from a byte stream of arbitrary-sized
// Blocks given a format descriptor.
type Framer struct {
	Format headerfmt.Format
	Strict bool // stored only; Run does not read it and makes no CRC check

	mu    sync.Mutex
	cache []byte
}

func NewFramer(format headerfmt.Format) *Framer {
	return &Framer{Format: format}
}

func (f *Framer) Name() string { return "framer" }

// SetStrict sets Strict via the Chain's communicate side channel.
func (f *Framer) SetStrict(strict bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Strict = strict
}

func (f *Framer) Run(ctx context.Context, sio mark5xfer.StageIO) error {
	defer sio.Out.Disable()

	syncword := f.Format.SyncWord()
	frameSize := f.Format.FrameSize()
	syncOffset := f.Format.SyncWordOffset()
	syncArea := syncOffset + len(syncword)

	for {
		blk, err := sio.In.Pop()
		if err != nil {
			return nil
		}

		f.mu.Lock()
		f.cache = append(f.cache, blk.Bytes()...)
		blk.Release()

		for len(f.cache) >= syncArea {
			p := bytes.Index(f.cache, syncword)
			if p < 0 {
				if len(f.cache) > syncArea-1 {
					f.cache = f.cache[len(f.cache)-(syncArea-1):]
				}
				break
			}
			if p < syncOffset {
				// Mal-aligned: pre-syncword bytes are missing. Discard
				// and keep scanning past this false match.
				f.cache = f.cache[p+1:]
				continue
			}
			start := p - syncOffset
			if start > 0 {
				f.cache = f.cache[start:]
			}
			if len(f.cache) < frameSize {
				break
			}
			frameBytes := append([]byte(nil), f.cache[:frameSize]...)
			f.cache = f.cache[frameSize:]

			ft, decErr := f.Format.DecodeTimestamp(frameBytes[:f.Format.HeaderSize()])
			if decErr != nil {
				continue
			}
			fblk := sio.Pool.Get(frameSize)
			copy(fblk.Bytes(), frameBytes)
			frame := mark5xfer.Frame{
				FormatTag: f.Format.Name(),
				Timestamp: mark5xfer.FrameTimestamp{Seconds: ft.Time.Unix(), FrameNumber: ft.FrameNumber},
				Block:     fblk,
			}
			if err := pushBlock(sio, frame.Block); err != nil {
				f.mu.Unlock()
				return nil
			}
		}
		f.mu.Unlock()
	}
}

// compressedLenSize is the little-endian uint32 length marker stored right
// after the untouched header of each compressed region. The codec's output
// is variable-length; the marker tells the decompressor how much of the
// fixed write_size region is real compressed stream and how much is
// zero padding.
const compressedLenSize = 4

// Compressor wraps an opaque codec.Codec, rewriting [compress_offset,
// read_size) of each region as [compress_offset, write_size) bytes: the
// header verbatim, a length marker, the codec's output, then zero padding.
type Compressor struct {
	Codec          codec.Codec
	ReadSize       int
	WriteSize      int
	CompressOffset int
}

func NewCompressor(c codec.Codec, readSize, writeSize, compressOffset int) *Compressor {
	return &Compressor{Codec: c, ReadSize: readSize, WriteSize: writeSize, CompressOffset: compressOffset}
}

func (c *Compressor) Name() string { return "compressor" }

func (c *Compressor) Run(ctx context.Context, sio mark5xfer.StageIO) error {
	defer sio.Out.Disable()
	var scratch []byte
	for {
		blk, err := sio.In.Pop()
		if err != nil {
			return nil
		}
		out := sio.Pool.Get(c.WriteSize * (blk.Len() / c.ReadSize))
		src := blk.Bytes()
		dst := out.Bytes()
		for off, dstOff := 0, 0; off+c.ReadSize <= len(src); off, dstOff = off+c.ReadSize, dstOff+c.WriteSize {
			region := dst[dstOff : dstOff+c.WriteSize]
			copy(region[:c.CompressOffset], src[off:off+c.CompressOffset])

			// The codec may return a slice other than the one handed in, so
			// its result is copied into the region explicitly.
			compressed, cErr := c.Codec.Compress(scratch, src[off+c.CompressOffset:off+c.ReadSize])
			if cErr != nil {
				blk.Release()
				out.Release()
				return mark5xfer.NewStageError(c.Name(), 0, mark5xfer.ErrCodeCodec, cErr.Error())
			}
			scratch = compressed[:cap(compressed)]

			body := region[c.CompressOffset:]
			if len(compressed) > len(body)-compressedLenSize {
				blk.Release()
				out.Release()
				return mark5xfer.NewStageError(c.Name(), 0, mark5xfer.ErrCodeCodec,
					fmt.Sprintf("compressed region %d bytes exceeds write_size budget %d", len(compressed), len(body)-compressedLenSize))
			}
			binary.LittleEndian.PutUint32(body[:compressedLenSize], uint32(len(compressed)))
			n := copy(body[compressedLenSize:], compressed)
			for i := compressedLenSize + n; i < len(body); i++ {
				body[i] = 0
			}
		}
		blk.Release()
		if err := pushBlock(sio, out); err != nil {
			return nil
		}
	}
}

// Decompressor is Compressor's inverse: it reads each region's length
// marker and feeds exactly that many compressed bytes to the codec. A
// region whose first 8 bytes equal the fill-pattern constant is re-filled
// with fill pattern instead of being fed to the codec: a missing datagram
// carries no compression state.
type Decompressor struct {
	Codec          codec.Codec
	ReadSize       int
	WriteSize      int
	CompressOffset int
}

func NewDecompressor(c codec.Codec, readSize, writeSize, compressOffset int) *Decompressor {
	return &Decompressor{Codec: c, ReadSize: readSize, WriteSize: writeSize, CompressOffset: compressOffset}
}

func (d *Decompressor) Name() string { return "decompressor" }

func (d *Decompressor) Run(ctx context.Context, sio mark5xfer.StageIO) error {
	defer sio.Out.Disable()
	for {
		blk, err := sio.In.Pop()
		if err != nil {
			return nil
		}
		src := blk.Bytes()
		out := sio.Pool.Get(d.ReadSize * (blk.Len() / d.WriteSize))
		dst := out.Bytes()
		for off, dstOff := 0, 0; off+d.WriteSize <= len(src); off, dstOff = off+d.WriteSize, dstOff+d.ReadSize {
			region := src[off : off+d.WriteSize]
			copy(dst[dstOff:dstOff+d.CompressOffset], region[:d.CompressOffset])
			if len(region) >= 8 && isFillPattern(region[:8]) {
				for j := dstOff; j+8 <= dstOff+d.ReadSize; j += 8 {
					putLE64(dst[j:j+8], constants.FillPattern)
				}
				continue
			}
			body := region[d.CompressOffset:]
			clen := int(binary.LittleEndian.Uint32(body[:compressedLenSize]))
			if clen > len(body)-compressedLenSize {
				blk.Release()
				out.Release()
				return mark5xfer.NewStageError(d.Name(), 0, mark5xfer.ErrCodeCodec,
					fmt.Sprintf("compressed-length marker %d exceeds region body %d", clen, len(body)-compressedLenSize))
			}
			_, dErr := d.Codec.Decompress(dst[dstOff+d.CompressOffset:dstOff+d.ReadSize], body[compressedLenSize:compressedLenSize+clen])
			if dErr != nil {
				blk.Release()
				out.Release()
				return mark5xfer.NewStageError(d.Name(), 0, mark5xfer.ErrCodeCodec, dErr.Error())
			}
		}
		blk.Release()
		if err := pushBlock(sio, out); err != nil {
			return nil
		}
	}
}

func isFillPattern(region []byte) bool {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(region[i])
	}
	return v == constants.FillPattern
}

// Bufferer is a configurable elasticity buffer holding at most
// BytesToBuffer worth of Blocks.
type Bufferer struct {
	mu            sync.Mutex
	bytesToBuffer int
	buffered      []mark5xfer.Block
	currentBytes  int
}

func NewBufferer(bytesToBuffer int) *Bufferer {
	return &Bufferer{bytesToBuffer: bytesToBuffer}
}

func (b *Bufferer) Name() string { return "bufferer" }

// AddBufsize / DecBufsize / GetBufsize implement the online resize
// side-channel operations this stage supports.
func (b *Bufferer) AddBufsize(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bytesToBuffer += n
}

func (b *Bufferer) DecBufsize(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bytesToBuffer -= n
	if b.bytesToBuffer < 0 {
		b.bytesToBuffer = 0
	}
}

func (b *Bufferer) GetBufsize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bytesToBuffer
}

func (b *Bufferer) Run(ctx context.Context, sio mark5xfer.StageIO) error {
	defer sio.Out.Disable()
	defer func() {
		b.mu.Lock()
		for _, blk := range b.buffered {
			blk.Release()
		}
		b.buffered = nil
		b.mu.Unlock()
	}()

	for {
		blk, err := sio.In.Pop()
		if err != nil {
			b.mu.Lock()
			rest := b.buffered
			b.buffered = nil
			b.mu.Unlock()
			for _, r := range rest {
				if pushErr := pushBlock(sio, r); pushErr != nil {
					return nil
				}
			}
			return nil
		}

		b.mu.Lock()
		b.buffered = append(b.buffered, blk)
		b.currentBytes += blk.Len()
		var toEmit []mark5xfer.Block
		for b.currentBytes > b.bytesToBuffer && len(b.buffered) > 0 {
			head := b.buffered[0]
			b.buffered = b.buffered[1:]
			b.currentBytes -= head.Len()
			toEmit = append(toEmit, head)
		}
		b.mu.Unlock()

		for _, e := range toEmit {
			if pushErr := pushBlock(sio, e); pushErr != nil {
				return nil
			}
		}
	}
}

// Timegrabber is a pure observer extracting frame timestamps via a format
// descriptor and exposing the (os_time, data_time) pair of the last frame.
type Timegrabber struct {
	Format headerfmt.Format

	mu       sync.Mutex
	osTime   time.Time
	dataTime time.Time
}

func NewTimegrabber(format headerfmt.Format) *Timegrabber {
	return &Timegrabber{Format: format}
}

func (t *Timegrabber) Name() string { return "timegrabber" }

// Last returns the (os_time, data_time) pair of the most recently observed
// frame, answering the "mem2time?" query.
func (t *Timegrabber) Last() (osTime, dataTime time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.osTime, t.dataTime
}

func (t *Timegrabber) Run(ctx context.Context, sio mark5xfer.StageIO) error {
	defer sio.Out.Disable()
	headerSize := t.Format.HeaderSize()
	for {
		blk, err := sio.In.Pop()
		if err != nil {
			return nil
		}
		if blk.Len() >= headerSize {
			if ft, decErr := t.Format.DecodeTimestamp(blk.Bytes()[:headerSize]); decErr == nil {
				t.mu.Lock()
				t.osTime = time.Now()
				t.dataTime = ft.Time
				t.mu.Unlock()
			}
		}
		if pushErr := pushBlock(sio, blk); pushErr != nil {
			return nil
		}
	}
}
