package mark5xfer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlockpoolGetRelease(t *testing.T) {
	p := NewBlockpool()

	blk := p.Get(1024)
	require.Equal(t, 1024, blk.Len())

	blk.Bytes()[0] = 0xAB
	blk.Release()

	blk2 := p.Get(1024)
	require.Equal(t, 1024, blk2.Len())
}

func TestBlockRefCounting(t *testing.T) {
	p := NewBlockpool()
	blk := p.Get(512)

	blk.AddRef()
	blk.Release() // ref count now 1, buffer must not yet be recycled

	buf := blk.Bytes()
	buf[0] = 0x7F

	blk.Release() // ref count now 0, buffer recycled

	require.Equal(t, byte(0x7F), buf[0], "buffer contents survive until the final Release")
}

func TestBlockpoolSizeBucketing(t *testing.T) {
	p := NewBlockpool()

	small := p.Get(100)
	require.Equal(t, 100, small.Len())
	small.Release()

	large := p.Get(100000)
	require.Equal(t, 100000, large.Len())
	large.Release()
}

func TestBlockpoolResetDropsStaleBuffers(t *testing.T) {
	p := NewBlockpool()

	blk := p.Get(4096)
	p.Reset()
	blk.Release() // must not panic, and must not land in the new generation's free list

	fresh := p.Get(4096)
	require.Equal(t, 4096, fresh.Len())
	require.Equal(t, uint64(1), p.Generation())
}
