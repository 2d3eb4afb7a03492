package stage

import (
	"context"
	"encoding/binary"
	"io"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jive-vlbi/mark5xfer/internal/blockdev"

	mark5xfer "github.com/jive-vlbi/mark5xfer"
)

// FdWriter blocking-writes each whole Block; a short write is treated as
// fatal.
type FdWriter struct {
	File io.Writer
}

func NewFdWriter(w io.Writer) *FdWriter { return &FdWriter{File: w} }

func (w *FdWriter) Name() string { return "fd_writer" }

func (w *FdWriter) Run(ctx context.Context, sio mark5xfer.StageIO) error {
	for {
		blk, err := sio.In.Pop()
		if err != nil {
			return nil
		}
		n, werr := w.File.Write(blk.Bytes())
		if werr == nil && n != blk.Len() {
			werr = io.ErrShortWrite
		}
		blk.Release()
		if werr != nil {
			return mark5xfer.NewStageError(w.Name(), 0, mark5xfer.ErrCodeIO, werr.Error())
		}
	}
}

// DiskWriter appends each incoming Block to a blockdev.Device, the
// recording-side counterpart of DiskReader. It is not separately named in
// the classic stage list ("record to disk" is the block-device contract's
// own Append primitive) but every recording transfer mode (net2disk,
// in2disk, file2disk) needs a sink stage that drives it.
type DiskWriter struct {
	Device blockdev.Device
}

func NewDiskWriter(dev blockdev.Device) *DiskWriter { return &DiskWriter{Device: dev} }

func (w *DiskWriter) Name() string { return "disk_writer" }

func (w *DiskWriter) Run(ctx context.Context, sio mark5xfer.StageIO) error {
	for {
		blk, err := sio.In.Pop()
		if err != nil {
			return nil
		}
		_, werr := w.Device.Append(blk.Bytes())
		blk.Release()
		if werr != nil {
			return mark5xfer.NewStageError(w.Name(), 0, mark5xfer.ErrCodeIO, werr.Error())
		}
	}
}

// ipdPacer implements the inter-packet-delay discipline the UDP
// sequenced writer and VTP writer share: busy-wait until wallclock reaches
// a running "start-of-packet-time" that advances by ipd each send.
type ipdPacer struct {
	ipd          time.Duration
	nextSendTime time.Time
}

func newIPDPacer(ipd time.Duration) *ipdPacer {
	return &ipdPacer{ipd: ipd, nextSendTime: time.Now()}
}

// wait blocks until the scheduled send time, then advances the schedule by
// one period. A zero or negative ipd disables pacing.
func (p *ipdPacer) wait() {
	if p.ipd <= 0 {
		return
	}
	for time.Now().Before(p.nextSendTime) {
		// Busy-wait rather than time.Sleep: IPD is a hard real-time
		// pacing discipline, and Sleep's scheduler granularity is too
		// coarse at multi-gigabit packet rates.
	}
	p.nextSendTime = p.nextSendTime.Add(p.ipd)
}

// TheoreticalIPD computes the "administrator sets IPD < 0" fallback:
// trackbitrate * ntrack * compressionFactor / mtu, expressed
// as a per-packet duration.
func TheoreticalIPD(trackBitrate int64, ntrack int, compressionFactor float64, mtu int) time.Duration {
	bitsPerSecond := float64(trackBitrate) * float64(ntrack) * compressionFactor
	if bitsPerSecond <= 0 {
		return 0
	}
	bytesPerSecond := bitsPerSecond / 8
	packetsPerSecond := bytesPerSecond / float64(mtu)
	if packetsPerSecond <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / packetsPerSecond)
}

// UDPSequencedWriter is the inverse of UDPSReader: for every WriteSize
// chunk of each incoming Block, sends an 8-byte little-endian sequence
// counter followed by the chunk, paced by IPD.
type UDPSequencedWriter struct {
	Conn      *net.UDPConn
	WriteSize int
	IPD       time.Duration

	seq atomic.Uint64
}

func NewUDPSequencedWriter(conn *net.UDPConn, writeSize int, ipd time.Duration) *UDPSequencedWriter {
	w := &UDPSequencedWriter{Conn: conn, WriteSize: writeSize, IPD: ipd}
	w.seq.Store(rand.Uint64())
	return w
}

func (w *UDPSequencedWriter) Name() string { return "udps_writer" }

func (w *UDPSequencedWriter) Run(ctx context.Context, sio mark5xfer.StageIO) error {
	pacer := newIPDPacer(w.IPD)
	header := make([]byte, 8)
	for {
		blk, err := sio.In.Pop()
		if err != nil {
			return nil
		}
		buf := blk.Bytes()
		for off := 0; off+w.WriteSize <= len(buf); off += w.WriteSize {
			pacer.wait()
			binary.LittleEndian.PutUint64(header, w.seq.Add(1))
			if _, werr := w.Conn.Write(append(append([]byte(nil), header...), buf[off:off+w.WriteSize]...)); werr != nil {
				blk.Release()
				return mark5xfer.NewStageError(w.Name(), 0, mark5xfer.ErrCodeIO, werr.Error())
			}
		}
		blk.Release()
	}
}

// VTPWriter sends each whole Block as one datagram with an 8-byte sequence
// prefix, no sub-chunking (used when
// the payload is already a framed unit, e.g. a VDIF frame).
type VTPWriter struct {
	Conn *net.UDPConn
	IPD  time.Duration

	seq atomic.Uint64
}

func NewVTPWriter(conn *net.UDPConn, ipd time.Duration) *VTPWriter {
	w := &VTPWriter{Conn: conn, IPD: ipd}
	w.seq.Store(rand.Uint64())
	return w
}

func (w *VTPWriter) Name() string { return "vtp_writer" }

func (w *VTPWriter) Run(ctx context.Context, sio mark5xfer.StageIO) error {
	pacer := newIPDPacer(w.IPD)
	for {
		blk, err := sio.In.Pop()
		if err != nil {
			return nil
		}
		pacer.wait()
		header := make([]byte, 8)
		binary.LittleEndian.PutUint64(header, w.seq.Add(1))
		_, werr := w.Conn.Write(append(header, blk.Bytes()...))
		blk.Release()
		if werr != nil {
			return mark5xfer.NewStageError(w.Name(), 0, mark5xfer.ErrCodeIO, werr.Error())
		}
	}
}

// FifoWriter writes each Block into the vendor FIFO, skipping the write
// entirely (and accumulating a skipped-bytes counter) once occupancy
// exceeds the high-water fraction.
type FifoWriter struct {
	Device    blockdev.FIFO
	HighWater float64

	mu           sync.Mutex
	skipped      uint64
	lastWarnTime time.Time
}

func NewFifoWriter(dev blockdev.FIFO, highWater float64) *FifoWriter {
	return &FifoWriter{Device: dev, HighWater: highWater}
}

func (w *FifoWriter) Name() string { return "fifo_writer" }

// Skipped reports the cumulative number of bytes dropped due to FIFO
// back-pressure.
func (w *FifoWriter) Skipped() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.skipped
}

func (w *FifoWriter) Run(ctx context.Context, sio mark5xfer.StageIO) error {
	for {
		blk, err := sio.In.Pop()
		if err != nil {
			return nil
		}
		if w.Device.Occupancy() > w.HighWater {
			w.mu.Lock()
			w.skipped += uint64(blk.Len())
			warn := time.Since(w.lastWarnTime) > 2*time.Second
			if warn {
				w.lastWarnTime = time.Now()
			}
			w.mu.Unlock()
			blk.Release()
			continue
		}
		_, werr := w.Device.Write(blk.Bytes())
		blk.Release()
		if werr != nil {
			return mark5xfer.NewStageError(w.Name(), 0, mark5xfer.ErrCodeIO, werr.Error())
		}
	}
}

// MultiDestinationWriter routes each incoming tagged Block to the writer
// registered for its tag, running one inner sub-chain per distinct
// destination. Since the
// Chain's Queue carries plain Blocks, the tag lookup is supplied externally
// via TagLookup (e.g. CoalescingSplitter.TagOf).
type MultiDestinationWriter struct {
	Destinations map[uint]io.Writer
	TagLookup    func(seq uint64) (uint, bool)

	mu     sync.Mutex
	queues map[uint]*mark5xfer.Queue[mark5xfer.Block]
	wg     sync.WaitGroup
}

func NewMultiDestinationWriter(destinations map[uint]io.Writer, tagLookup func(seq uint64) (uint, bool)) *MultiDestinationWriter {
	return &MultiDestinationWriter{Destinations: destinations, TagLookup: tagLookup, queues: make(map[uint]*mark5xfer.Queue[mark5xfer.Block])}
}

func (w *MultiDestinationWriter) Name() string { return "multi_destination_writer" }

func (w *MultiDestinationWriter) Run(ctx context.Context, sio mark5xfer.StageIO) error {
	w.mu.Lock()
	for tag, dst := range w.Destinations {
		q := mark5xfer.NewQueue[mark5xfer.Block](sio.In.Capacity())
		w.queues[tag] = q
		w.wg.Add(1)
		go func(dst io.Writer, q *mark5xfer.Queue[mark5xfer.Block]) {
			defer w.wg.Done()
			for {
				blk, err := q.Pop()
				if err != nil {
					return
				}
				_, _ = dst.Write(blk.Bytes())
				blk.Release()
			}
		}(dst, q)
	}
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		for _, q := range w.queues {
			q.Disable()
		}
		w.mu.Unlock()
		w.wg.Wait()
		for _, dst := range w.Destinations {
			if wc, ok := dst.(io.Closer); ok {
				_ = wc.Close()
			}
		}
	}()

	for {
		blk, err := sio.In.Pop()
		if err != nil {
			return nil
		}
		tag, ok := w.TagLookup(blk.Seq())
		if !ok {
			blk.Release()
			continue
		}
		w.mu.Lock()
		q, ok := w.queues[tag]
		w.mu.Unlock()
		if !ok {
			blk.Release()
			continue
		}
		if err := q.TryPush(blk); err != nil {
			blk.Release()
			return mark5xfer.NewStageError(w.Name(), 0, mark5xfer.ErrCodeExhausted, "destination queue full for tag")
		}
	}
}
