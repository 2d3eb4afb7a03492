package stage

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jive-vlbi/mark5xfer/internal/blockdev"
	"github.com/jive-vlbi/mark5xfer/internal/headerfmt"

	mark5xfer "github.com/jive-vlbi/mark5xfer"
)

func newTestIO(cap int) (mark5xfer.StageIO, *mark5xfer.Blockpool) {
	pool := mark5xfer.NewBlockpool()
	return mark5xfer.StageIO{
		In:   mark5xfer.NewQueue[mark5xfer.Block](cap),
		Out:  mark5xfer.NewQueue[mark5xfer.Block](cap),
		Pool: pool,
	}, pool
}

func TestDiskReaderReadsUntilEnd(t *testing.T) {
	dev := blockdev.NewMemory(1 << 20)
	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i)
	}
	_, err := dev.Append(payload)
	require.NoError(t, err)

	sio, _ := newTestIO(4)
	r := NewDiskReader(dev, 1024, 0, 4096)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, sio) }()

	r.SetRun(true)

	total := 0
	for {
		blk, err := sio.Out.Pop()
		if err != nil {
			break
		}
		total += blk.Len()
		blk.Release()
	}
	require.Equal(t, 4096, total)
	require.NoError(t, <-done)
}

func TestFillPatternGeneratorFillsWords(t *testing.T) {
	sio, _ := newTestIO(4)
	g := NewFillPatternGenerator(64, 0x1122334411223344, 0)
	g.SetRun(true)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = g.Run(ctx, sio) }()

	blk, err := sio.Out.Pop()
	require.NoError(t, err)
	// The fill word travels little-endian, so 0x...44 is the first byte.
	require.Equal(t, byte(0x44), blk.Bytes()[0])
	blk.Release()
	cancel()
}

func TestFillPatternGeneratorAdvancesPerBlockNotPerWord(t *testing.T) {
	g := NewFillPatternGenerator(32, 0, 5)

	buf := make([]byte, 32)
	g.fillBlock(buf)
	for off := 0; off+8 <= len(buf); off += 8 {
		require.Equal(t, uint64(0), binary.LittleEndian.Uint64(buf[off:off+8]), "the first block carries the initial fill value")
	}

	buf2 := make([]byte, 32)
	g.fillBlock(buf2)
	for off := 0; off+8 <= len(buf2); off += 8 {
		require.Equal(t, uint64(5), binary.LittleEndian.Uint64(buf2[off:off+8]), "fill state advances once per block, not once per word")
	}
}

func TestFillPatternGeneratorFramedModeUsesEncodeHeaderAndIncrementsFrameNumber(t *testing.T) {
	format, err := headerfmt.NewMark5B(32) // 16-byte header + 16-byte payload
	require.NoError(t, err)

	g := NewFillPatternGenerator(64, 0, 7)
	g.FrameSize = 32
	g.Format = format
	g.Syncword = format.SyncWord()
	g.SyncOffset = format.SyncWordOffset()

	buf := make([]byte, 64) // two frames
	g.fillBlock(buf)

	frame0, frame1 := buf[0:32], buf[32:64]

	require.Equal(t, headerfmt.Mark5BSyncWord, []byte(frame0[0:4]))
	require.Equal(t, headerfmt.Mark5BSyncWord, []byte(frame1[0:4]))

	require.Equal(t, uint32(0), binary.BigEndian.Uint32(frame0[4:8])&0x7FFF, "first frame's frame-number word starts at 0")
	require.Equal(t, uint32(1), binary.BigEndian.Uint32(frame1[4:8])&0x7FFF, "frame-number word increments 0->1 across frames")

	require.Equal(t, uint64(0), binary.LittleEndian.Uint64(frame0[16:24]), "the first frame carries the initial fill value")
	require.Equal(t, uint64(7), binary.LittleEndian.Uint64(frame1[16:24]), "fill state advances once per frame")
}

func TestFifoReaderDrainsOnHighWater(t *testing.T) {
	fifo := blockdev.NewMemoryFIFO(1024)
	_, err := fifo.Write(make([]byte, 900))
	require.NoError(t, err)

	sio, _ := newTestIO(4)
	r := NewFifoReader(fifo, 128, 0.5)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = r.Run(ctx, sio)

	require.Greater(t, r.Discarded.Load(), uint64(0))
}
