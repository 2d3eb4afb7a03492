package stage

import (
	"context"
	"encoding/binary"
	"net"

	"github.com/jive-vlbi/mark5xfer/internal/constants"

	mark5xfer "github.com/jive-vlbi/mark5xfer"
)

// SocketReader reads a stream-oriented connection (TCP, UNIX, reverse-TCP)
// in write_size-sized inner reads, filling successive Block positions
// before pushing.
type SocketReader struct {
	Conn      net.Conn
	BlockSize int
	WriteSize int
}

func NewSocketReader(conn net.Conn, blockSize, writeSize int) *SocketReader {
	return &SocketReader{Conn: conn, BlockSize: blockSize, WriteSize: writeSize}
}

func (r *SocketReader) Name() string { return "socket_reader" }

func (r *SocketReader) Run(ctx context.Context, sio mark5xfer.StageIO) error {
	defer sio.Out.Disable()
	defer r.Conn.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		blk := sio.Pool.Get(r.BlockSize)
		buf := blk.Bytes()
		filled := 0
		for filled < len(buf) {
			n, err := readFull(r.Conn, buf[filled:filled+min(r.WriteSize, len(buf)-filled)])
			filled += n
			if err != nil {
				blk.Release()
				if isClosedErr(err) {
					return nil
				}
				return mark5xfer.NewStageError(r.Name(), 0, mark5xfer.ErrCodeIO, err.Error())
			}
		}
		if err := pushBlock(sio, blk); err != nil {
			return nil
		}
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	got := 0
	for got < len(buf) {
		n, err := conn.Read(buf[got:])
		got += n
		if err != nil {
			return got, err
		}
	}
	return got, nil
}

func isClosedErr(err error) bool {
	return err != nil && (err.Error() == "EOF" || net.ErrClosed != nil && isNetClosed(err))
}

func isNetClosed(err error) bool {
	for e := err; e != nil; {
		if e == net.ErrClosed {
			return true
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// PlainUDPReader reads datagrams with no sequencing or loss recovery: the same shape as SocketReader
// but over a connectionless datagram socket, one ReadFromUDP per Block.
type PlainUDPReader struct {
	Conn      *net.UDPConn
	BlockSize int
}

func NewPlainUDPReader(conn *net.UDPConn, blockSize int) *PlainUDPReader {
	return &PlainUDPReader{Conn: conn, BlockSize: blockSize}
}

func (r *PlainUDPReader) Name() string { return "udp_reader" }

func (r *PlainUDPReader) Run(ctx context.Context, sio mark5xfer.StageIO) error {
	defer sio.Out.Disable()
	defer r.Conn.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		blk := sio.Pool.Get(r.BlockSize)
		n, _, err := r.Conn.ReadFromUDP(blk.Bytes())
		if err != nil {
			blk.Release()
			if isNetClosed(err) {
				return nil
			}
			return mark5xfer.NewStageError(r.Name(), 0, mark5xfer.ErrCodeIO, err.Error())
		}
		sub := blk.Sub(0, n)
		blk.Release()
		if err := pushBlock(sio, sub); err != nil {
			return nil
		}
	}
}

// udpsRing holds the Blocks the bottom half is filling, one write_size slot
// per datagram. Ring Blocks carry payload only: each Block's per-slot
// arrival flags (1 arrived, 0 missing) live in the parallel flags slice, and
// flushFront hands them to the top half. A pushed Block carries no flag bytes.
type udpsRing struct {
	blocks            []mark5xfer.Block
	flags             [][]byte
	first             uint64 // sequence number expected at slot 0 of blocks[0]
	datagramsPerBlock int
	writeSize         int
}

// UDPSReader implements the sequence-tagged UDP reader, split into a
// bottom half (receive, in Run) and a top half (fill-pattern insertion, in
// fillMissing), jive5ab-style: the bottom half touches memory once per
// arriving datagram, the top half touches every slot once to either do
// nothing or a small memcpy.
type UDPSReader struct {
	Conn        *net.UDPConn
	BlockSize   int
	WriteSize   int
	ReadSize    int // if > WriteSize, the tail [WriteSize:ReadSize) is zeroed per slot (compressed transport)
	Readahead   int
	VDIFAware   bool // when true, missing-slot replacement writes a minimal invalid VDIF header instead of raw fill
	SuppressACK bool // when true, withhold the keepalive back-traffic entirely

	ring          udpsRing
	minSeq        uint64
	maxSeq        uint64
	expectSeq     uint64 // one past the highest sequence number accepted so far
	pktIn         uint64
	pktLost       uint64
	pktOOO        uint64
	pktDisc       uint64
	reorderExtent uint64   // accumulated RFC 4737 §4.2.2 reordering extent
	recentPSN     []uint64 // ReorderingWindow-sized ring for RFC 4737 extent
	sinceAck      int
	ackIdx        int
	lastSender    *net.UDPAddr
}

func NewUDPSReader(conn *net.UDPConn, blockSize, writeSize, readahead int) *UDPSReader {
	return &UDPSReader{
		Conn:      conn,
		BlockSize: blockSize,
		WriteSize: writeSize,
		ReadSize:  writeSize,
		Readahead: readahead,
		recentPSN: make([]uint64, 0, constants.ReorderingWindow),
	}
}

func (r *UDPSReader) Name() string { return "udps_reader" }

const udpsHeaderSize = 8

func (r *UDPSReader) datagramsPerBlock() int {
	return r.BlockSize / r.WriteSize
}

func (r *UDPSReader) Run(ctx context.Context, sio mark5xfer.StageIO) error {
	defer sio.Out.Disable()
	defer r.Conn.Close()

	// The ring starts empty: the first datagram's sequence number seeds
	// ring.first in handleDatagram, since senders start their counter at a
	// random value.
	r.ring = udpsRing{datagramsPerBlock: r.datagramsPerBlock(), writeSize: r.WriteSize}

	pktBuf := make([]byte, udpsHeaderSize+r.WriteSize)

	for {
		select {
		case <-ctx.Done():
			r.drain(sio, false)
			return nil
		default:
		}

		// Read the whole datagram; its first 8 bytes are the sequence number.
		n, addr, err := r.Conn.ReadFromUDP(pktBuf)
		if err != nil {
			if isNetClosed(err) {
				r.drain(sio, false)
				return nil
			}
			return mark5xfer.NewStageError(r.Name(), 0, mark5xfer.ErrCodeIO, err.Error())
		}
		if n < udpsHeaderSize {
			r.pktDisc++
			continue
		}
		r.lastSender = addr
		seq := binary.LittleEndian.Uint64(pktBuf[:8])
		payload := pktBuf[8:n]

		r.handleDatagram(sio, seq, payload)
		r.maybeAck()
	}
}

func (r *UDPSReader) allocateRingBlock(sio mark5xfer.StageIO) {
	blk := sio.Pool.Get(r.BlockSize)
	flags := make([]byte, r.ring.datagramsPerBlock)
	r.ring.blocks = append(r.ring.blocks, blk)
	r.ring.flags = append(r.ring.flags, flags)
}

func (r *UDPSReader) handleDatagram(sio mark5xfer.StageIO, seq uint64, payload []byte) {
	if len(r.ring.blocks) == 0 {
		r.ring.first = seq
		r.allocateRingBlock(sio)
	}

	if seq < r.ring.first {
		behindBy := r.ring.first - seq
		if behindBy <= uint64(r.ring.datagramsPerBlock) {
			// Late by at most one block: discard.
			r.pktDisc++
			return
		}
		// Stream resync: flush any partial blocks and restart.
		for len(r.ring.blocks) > 0 {
			r.flushFront(sio)
		}
		r.ring.first = seq
		r.pktIn = 0
		r.allocateRingBlock(sio)
	}

	offset := seq - r.ring.first
	blockIdx := int(offset) / r.ring.datagramsPerBlock
	pktIdx := int(offset) % r.ring.datagramsPerBlock

	if blockIdx >= r.Readahead {
		if blockIdx >= r.Readahead+len(r.ring.blocks) {
			// A forward jump at least as large as the whole ring: resync
			// forward rather than flushing one slot at a time. The datagram
			// lands at slot 0 of a fresh ring.
			for len(r.ring.blocks) > 0 {
				r.flushFront(sio)
			}
			r.ring.first = seq
			blockIdx = 0
			pktIdx = 0
			r.allocateRingBlock(sio)
		} else {
			for blockIdx >= r.Readahead {
				r.flushFront(sio)
				blockIdx--
			}
		}
	}

	for blockIdx >= len(r.ring.blocks) {
		r.allocateRingBlock(sio)
	}

	dst := r.ring.blocks[blockIdx].Bytes()[pktIdx*r.WriteSize : pktIdx*r.WriteSize+len(payload)]
	copy(dst, payload)
	r.ring.flags[blockIdx][pktIdx] = 1

	r.pktIn++
	if r.pktIn == 1 {
		r.minSeq, r.maxSeq = seq, seq
		r.expectSeq = seq + 1
	} else {
		if seq < r.minSeq {
			r.minSeq = seq
		}
		if seq > r.maxSeq {
			r.maxSeq = seq
		}
		// jive5ab's udpsreader_bh tracks expectseqnr (max-seen + 1) and
		// flags anything arriving below it as out of order, rather than
		// only catching new-maximum arrivals.
		if seq < r.expectSeq {
			r.pktOOO++
			r.reorderExtent += r.reorderingExtent(seq)
		}
		if seq+1 > r.expectSeq {
			r.expectSeq = seq + 1
		}
	}
	r.recentPSN = append(r.recentPSN, seq)
	if len(r.recentPSN) > constants.ReorderingWindow {
		r.recentPSN = r.recentPSN[1:]
	}
	r.pktLost = r.maxSeq - r.minSeq + 1 - r.pktIn
}

// reorderingExtent returns how many already-recorded sequence numbers in the
// recent-PSN window are greater than seq, RFC 4737 §4.2.2's "Reordering
// Extent" for one out-of-order arrival: the number of packets that would
// have to be buffered to re-sort seq into place relative to what's already
// been seen.
func (r *UDPSReader) reorderingExtent(seq uint64) uint64 {
	var extent uint64
	for i := len(r.recentPSN) - 1; i >= 0; i-- {
		if r.recentPSN[i] <= seq {
			break
		}
		extent++
	}
	return extent
}

// flushFront pops the oldest ring Block downstream, filling missing slots
// with fill pattern (the "top half") first.
func (r *UDPSReader) flushFront(sio mark5xfer.StageIO) {
	if len(r.ring.blocks) == 0 {
		return
	}
	blk := r.ring.blocks[0]
	flags := r.ring.flags[0]
	r.fillMissing(blk, flags)
	r.ring.blocks = r.ring.blocks[1:]
	r.ring.flags = r.ring.flags[1:]
	r.ring.first += uint64(r.ring.datagramsPerBlock)
	if pushErr := pushBlock(sio, blk); pushErr != nil {
		return
	}
}

// fillMissing is the top half: every slot whose flag is 0 gets its payload
// overwritten with fill pattern (or a minimal invalid VDIF header), and if
// ReadSize > WriteSize the decompression tail is zeroed unconditionally.
func (r *UDPSReader) fillMissing(blk mark5xfer.Block, flags []byte) {
	buf := blk.Bytes()
	for i, flag := range flags {
		off := i * r.WriteSize
		if off+r.WriteSize > len(buf) {
			break
		}
		slot := buf[off : off+r.WriteSize]
		if flag == 0 {
			if r.VDIFAware && r.WriteSize >= 16 {
				for j := range slot[:16] {
					slot[j] = 0
				}
				// Legacy-mode bit clear + invalid-data bit (bit 31 of word 0) set.
				slot[3] |= 0x80
			} else {
				for off2 := 0; off2+8 <= len(slot); off2 += 8 {
					putLE64(slot[off2:off2+8], constants.FillPattern)
				}
			}
		}
		if r.ReadSize > r.WriteSize {
			tailOff := off + r.WriteSize
			tailEnd := off + r.ReadSize
			if tailEnd <= len(buf) {
				for j := tailOff; j < tailEnd; j++ {
					buf[j] = 0
				}
			}
		}
	}
}

// drain flushes any remaining partial ring Blocks on shutdown, pushing them
// downstream only if allowVariableBlockSize.
func (r *UDPSReader) drain(sio mark5xfer.StageIO, allowVariableBlockSize bool) {
	for len(r.ring.blocks) > 0 {
		blk := r.ring.blocks[0]
		flags := r.ring.flags[0]
		r.ring.blocks = r.ring.blocks[1:]
		r.ring.flags = r.ring.flags[1:]
		if allowVariableBlockSize {
			r.fillMissing(blk, flags)
			_ = pushBlock(sio, blk)
		} else {
			blk.Release()
		}
	}
}

// maybeAck sends the periodic keepalive back-traffic that keeps switch and
// NAT state warm on the return path, from the jive5ab-compatible token table.
func (r *UDPSReader) maybeAck() {
	if r.SuppressACK {
		return
	}
	r.sinceAck++
	if r.sinceAck < constants.AckPeriod || r.lastSender == nil {
		return
	}
	r.sinceAck = 0
	token := constants.AckTable[r.ackIdx%len(constants.AckTable)]
	r.ackIdx++
	_, _ = r.Conn.WriteToUDP([]byte(token), r.lastSender)
}

// Stats returns the bottom half's running packet counters.
func (r *UDPSReader) Stats() (in, lost, ooo, disc uint64) {
	return r.pktIn, r.pktLost, r.pktOOO, r.pktDisc
}

// ReorderExtent returns the accumulated RFC 4737 §4.2.2 reordering extent
// across every out-of-order datagram seen so far.
func (r *UDPSReader) ReorderExtent() uint64 {
	return r.reorderExtent
}
