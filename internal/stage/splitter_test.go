package stage

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jive-vlbi/mark5xfer/internal/headerfmt"
)

func TestCoalescingSplitterSplitsAndTags(t *testing.T) {
	split, err := LookupSplitFunc("extract_4Ch2bit1to2")
	require.NoError(t, err)

	s := NewCoalescingSplitter(split, 2, 10, 4)
	sio, _ := newTestIO(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, sio) }()

	src := sio.Pool.Get(8)
	copy(src.Bytes(), []byte{1, 2, 3, 4, 5, 6, 7, 8})
	require.NoError(t, sio.In.Push(src))

	first, err := sio.Out.Pop()
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, first.Bytes())
	tag, ok := s.TagOf(first.Seq())
	require.True(t, ok)
	require.Equal(t, uint(0), tag)
	first.Release()

	second, err := sio.Out.Pop()
	require.NoError(t, err)
	require.Equal(t, []byte{5, 6, 7, 8}, second.Bytes())
	tag, ok = s.TagOf(second.Seq())
	require.True(t, ok)
	require.Equal(t, uint(1), tag)
	second.Release()

	sio.In.Disable()
	require.NoError(t, <-done)
}

func TestVDIFReframerEmitsValidFrames(t *testing.T) {
	source, err := headerfmt.NewMark5B(32)
	require.NoError(t, err)
	reframer, err := NewVDIFReframer(source, 1, 0, 2, 24)
	require.NoError(t, err)

	sio, _ := newTestIO(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- reframer.Run(ctx, sio) }()

	blk := sio.Pool.Get(32)
	buf := blk.Bytes()
	ft := headerfmt.FrameTime{Time: time.Date(2026, time.January, 1, 0, 0, 1, 0, time.UTC)}
	require.NoError(t, source.EncodeHeader(buf[:16], ft))
	require.NoError(t, sio.In.Push(blk))

	out, err := sio.Out.Pop()
	require.NoError(t, err)
	require.Equal(t, 16+reframer.dataFrameLength, out.Len())
	out.Release()

	sio.In.Disable()
	require.NoError(t, <-done)
}

func TestFakerInjectsFrameAfterSilence(t *testing.T) {
	format, err := headerfmt.NewMark5B(32)
	require.NoError(t, err)
	f := NewFaker(format, 5*time.Millisecond)

	sio, _ := newTestIO(4)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f.Run(ctx, sio) }()

	blk, err := sio.Out.Pop()
	require.NoError(t, err)
	require.Equal(t, 32, blk.Len())
	gotFT, decErr := format.DecodeTimestamp(blk.Bytes()[:16])
	require.NoError(t, decErr)
	require.NotZero(t, gotFT.Time)
	blk.Release()

	cancel()
	require.NoError(t, <-done)
}

type fakeWriteCloser struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *fakeWriteCloser) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *fakeWriteCloser) Close() error { return nil }

func (w *fakeWriteCloser) Bytes() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]byte(nil), w.buf.Bytes()...)
}

func TestMultiDestinationWriterRoutesByTag(t *testing.T) {
	dstA := &fakeWriteCloser{}
	dstB := &fakeWriteCloser{}

	tags := make(map[uint64]uint)
	var mu sync.Mutex
	lookup := func(seq uint64) (uint, bool) {
		mu.Lock()
		defer mu.Unlock()
		tag, ok := tags[seq]
		return tag, ok
	}

	w := NewMultiDestinationWriter(map[uint]io.Writer{0: dstA, 1: dstB}, lookup)

	sio, _ := newTestIO(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, sio) }()

	blkA := sio.Pool.Get(4)
	copy(blkA.Bytes(), []byte{1, 1, 1, 1})
	mu.Lock()
	tags[blkA.Seq()] = 0
	mu.Unlock()
	require.NoError(t, sio.In.Push(blkA))

	blkB := sio.Pool.Get(4)
	copy(blkB.Bytes(), []byte{2, 2, 2, 2})
	mu.Lock()
	tags[blkB.Seq()] = 1
	mu.Unlock()
	require.NoError(t, sio.In.Push(blkB))

	require.Eventually(t, func() bool {
		return len(dstA.Bytes()) == 4 && len(dstB.Bytes()) == 4
	}, time.Second, 5*time.Millisecond)

	sio.In.Disable()
	require.NoError(t, <-done)
}
