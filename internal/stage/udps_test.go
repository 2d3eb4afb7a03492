package stage

import (
	"context"
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUDPSReaderFillsMissingSlotWithFillPattern(t *testing.T) {
	sio, _ := newTestIO(4)
	r := NewUDPSReader(nil, 16, 8, 2)

	// The ring starts empty; the first datagram seeds ring.first.
	r.ring = udpsRing{datagramsPerBlock: r.datagramsPerBlock(), writeSize: r.WriteSize}

	r.handleDatagram(sio, 0, []byte{1, 1, 1, 1, 1, 1, 1, 1})
	require.Equal(t, uint64(0), r.ring.first)
	require.Equal(t, uint64(1), r.pktIn)

	r.flushFront(sio)

	out, err := sio.Out.Pop()
	require.NoError(t, err)
	buf := out.Bytes()
	require.Equal(t, []byte{1, 1, 1, 1, 1, 1, 1, 1}, buf[0:8])

	var want [8]byte
	binary.LittleEndian.PutUint64(want[:], 0x1122334411223344)
	require.Equal(t, want[:], buf[8:16])
}

func TestUDPSReaderOutOfOrderAndLossCounters(t *testing.T) {
	sio, _ := newTestIO(8)
	r := NewUDPSReader(nil, 16, 8, 4)
	r.ring = udpsRing{datagramsPerBlock: r.datagramsPerBlock(), writeSize: r.WriteSize}

	r.handleDatagram(sio, 0, []byte{0, 0, 0, 0, 0, 0, 0, 0})
	r.handleDatagram(sio, 2, []byte{0, 0, 0, 0, 0, 0, 0, 0})
	r.handleDatagram(sio, 1, []byte{0, 0, 0, 0, 0, 0, 0, 0})

	in, lost, ooo, _ := r.Stats()
	require.Equal(t, uint64(3), in)
	require.Equal(t, uint64(0), lost)
	require.Equal(t, uint64(1), ooo)
	require.Equal(t, uint64(1), r.ReorderExtent())
}

func TestUDPSReaderLateDatagramDiscarded(t *testing.T) {
	sio, _ := newTestIO(8)
	r := NewUDPSReader(nil, 16, 8, 4)
	r.ring = udpsRing{datagramsPerBlock: r.datagramsPerBlock(), writeSize: r.WriteSize}
	r.allocateRingBlock(sio)
	r.ring.first = 10

	// One datagram behind within a single block (datagramsPerBlock=2): late,
	// discarded outright rather than triggering a resync.
	r.handleDatagram(sio, 9, []byte{0, 0, 0, 0, 0, 0, 0, 0})

	require.Equal(t, uint64(1), r.pktDisc)
	require.Equal(t, uint64(0), r.pktIn)
}

func TestUDPSReaderRunOverLoopback(t *testing.T) {
	serverConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)

	clientConn, err := net.DialUDP("udp", nil, serverConn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer clientConn.Close()

	r := NewUDPSReader(serverConn, 16, 8, 2)
	sio, _ := newTestIO(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, sio) }()

	// Senders start their counter at a random value; the reader must seed
	// its ring from the first datagram rather than assuming zero.
	base := uint64(0xDEADBEEF12345678)

	// Six datagrams: two fill the first block, the rest push the ring's
	// write position past Readahead blocks, flushing the first.
	for i := uint64(0); i < 6; i++ {
		pkt := make([]byte, 8+8)
		binary.LittleEndian.PutUint64(pkt[:8], base+i)
		for j := range pkt[8:] {
			pkt[8+j] = byte(base + i)
		}
		_, err := clientConn.Write(pkt)
		require.NoError(t, err)
	}

	blk, err := sio.Out.Pop()
	require.NoError(t, err)
	require.Equal(t, 16, blk.Len())
	for j := 0; j < 8; j++ {
		require.Equal(t, byte(base), blk.Bytes()[j], "first payload lands in slot 0")
		require.Equal(t, byte(base+1), blk.Bytes()[8+j], "second payload lands in slot 1")
	}
	blk.Release()

	cancel()
	serverConn.Close()
	<-done

	in, lost, ooo, disc := r.Stats()
	require.GreaterOrEqual(t, in, uint64(2))
	require.Equal(t, uint64(0), lost)
	require.Equal(t, uint64(0), ooo)
	require.Equal(t, uint64(0), disc)
}

func TestSocketReaderReadsFixedSizeBlocks(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	r := NewSocketReader(serverConn, 8, 4)
	sio, _ := newTestIO(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, sio) }()

	go func() {
		_, _ = clientConn.Write([]byte{1, 2, 3, 4, 5, 6, 7, 8})
	}()

	blk, err := sio.Out.Pop()
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, blk.Bytes())
	blk.Release()

	clientConn.Close()
	<-done
}

func TestPlainUDPReaderReadsDatagram(t *testing.T) {
	serverConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)

	clientConn, err := net.DialUDP("udp", nil, serverConn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer clientConn.Close()

	r := NewPlainUDPReader(serverConn, 64)
	sio, _ := newTestIO(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, sio) }()

	_, err = clientConn.Write([]byte{9, 9, 9, 9})
	require.NoError(t, err)

	blk, err := sio.Out.Pop()
	require.NoError(t, err)
	require.Equal(t, []byte{9, 9, 9, 9}, blk.Bytes())
	blk.Release()

	serverConn.Close()
	<-done
}
