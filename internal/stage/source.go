package stage

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jive-vlbi/mark5xfer/internal/blockdev"
	"github.com/jive-vlbi/mark5xfer/internal/constants"
	"github.com/jive-vlbi/mark5xfer/internal/headerfmt"

	mark5xfer "github.com/jive-vlbi/mark5xfer"
)

// DiskReader plays back a byte range of a blockdev.Device at the current
// play pointer, in blocksize-sized units, with optional repeat. Run suspends until SetRun(true) is called,
// so the Transfer Supervisor can fully wire a Chain's downstream stages
// before data starts flowing.
type DiskReader struct {
	Device    blockdev.Device
	BlockSize int

	mu      sync.Mutex
	startPP int64
	endPP   int64
	pos     int64
	repeat  bool
	running bool
}

// NewDiskReader constructs a DiskReader over dev, positioned at [start,end).
func NewDiskReader(dev blockdev.Device, blockSize int, start, end int64) *DiskReader {
	return &DiskReader{Device: dev, BlockSize: blockSize, startPP: start, endPP: end, pos: start}
}

func (r *DiskReader) Name() string { return "disk_reader" }

// SetRun communicates the `= on` command's run flag down to the stage,
// unblocking Run's initial wait.
func (r *DiskReader) SetRun(run bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = run
}

// SetRepeat toggles whether reaching endPP resets to startPP instead of
// finishing the transfer.
func (r *DiskReader) SetRepeat(repeat bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.repeat = repeat
}

// SetRange communicates `= on:<start>[:<end>]` down to a connected-but-idle
// reader, re-seating the play pointer. end <= 0 leaves the end pointer
// untouched.
func (r *DiskReader) SetRange(start, end int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startPP = start
	r.pos = start
	if end > 0 {
		r.endPP = end
	}
}

// Position reports the current play pointer.
func (r *DiskReader) Position() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pos
}

// waitForRun polls until SetRun(true) is called or ctx is cancelled. A
// short poll interval is cheap here: a disk transfer sits in this state for
// at most the gap between `connect` and `on`, never in the hot path.
func (r *DiskReader) waitForRun(ctx context.Context) bool {
	ticker := time.NewTicker(constants.StagePollInterval)
	defer ticker.Stop()
	for {
		r.mu.Lock()
		running := r.running
		r.mu.Unlock()
		if running {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (r *DiskReader) Run(ctx context.Context, sio mark5xfer.StageIO) error {
	defer sio.Out.Disable()

	if !r.waitForRun(ctx) {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		r.mu.Lock()
		pos, end, repeat := r.pos, r.endPP, r.repeat
		r.mu.Unlock()
		if pos >= end {
			if !repeat {
				return nil
			}
			r.mu.Lock()
			r.pos = r.startPP
			r.mu.Unlock()
			continue
		}

		blk := sio.Pool.Get(r.BlockSize)
		n, err := r.Device.ReadAt(blk.Bytes(), pos)
		if err != nil && err != io.EOF {
			blk.Release()
			return mark5xfer.NewStageError(r.Name(), 0, mark5xfer.ErrCodeIO, err.Error())
		}
		r.mu.Lock()
		r.pos += int64(n)
		r.mu.Unlock()
		if n == 0 {
			blk.Release()
			return nil
		}
		if pushErr := pushBlock(sio, blk); pushErr != nil {
			return nil
		}
	}
}

// pushBlock pushes blk downstream, treating a closed/disabled queue as a
// clean shutdown rather than an error: every source stage's Run loop ends
// this way once the Chain starts stopping. A successful push is accounted
// against the stage's counter for the `tstat?` rate machinery.
func pushBlock(sio mark5xfer.StageIO, blk mark5xfer.Block) error {
	n := blk.Len()
	if err := sio.Out.Push(blk); err != nil {
		blk.Release()
		return err
	}
	if sio.Stat != nil {
		sio.Stat.AddBytes(uint64(n))
		sio.Stat.AddPackets(1)
	}
	return nil
}

// FdReader does a plain blocking read of BlockSize bytes per Block from an
// already-open file. EOF closes
// the output queue.
type FdReader struct {
	File      *os.File
	BlockSize int
}

func NewFdReader(f *os.File, blockSize int) *FdReader {
	return &FdReader{File: f, BlockSize: blockSize}
}

func (r *FdReader) Name() string { return "fd_reader" }

func (r *FdReader) Run(ctx context.Context, sio mark5xfer.StageIO) error {
	defer sio.Out.Disable()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		blk := sio.Pool.Get(r.BlockSize)
		n, err := io.ReadFull(r.File, blk.Bytes())
		if n > 0 {
			sub := blk.Sub(0, n)
			blk.Release()
			if pushErr := pushBlock(sio, sub); pushErr != nil {
				return nil
			}
		} else {
			blk.Release()
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil
		}
		if err != nil {
			return mark5xfer.NewStageError(r.Name(), 0, mark5xfer.ErrCodeIO, err.Error())
		}
	}
}

// OpenFile implements the "path,mode" convention shared by the
// fd/file reader and writer: "a" appends, "w" truncates-and-creates, "r"
// reads.
func OpenFile(path string, mode string) (*os.File, error) {
	switch mode {
	case "r":
		return os.Open(path)
	case "w":
		return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	case "a":
		return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	default:
		return nil, mark5xfer.NewError("open_file", mark5xfer.ErrCodeArgument, "unknown file mode "+mode)
	}
}

// FillPatternGenerator produces Blocks of a running 64-bit fill value,
// optionally framed with a format's syncword at the right offset.
type FillPatternGenerator struct {
	BlockSize  int
	Inc        uint64
	FrameSize  int    // 0 means anonymous (unframed) mode
	Syncword   []byte // overwritten at SyncOffset inside each frame-sized region when FrameSize > 0 and Format is nil
	SyncOffset int
	Format     headerfmt.Format // when set alongside FrameSize, EncodeHeader replaces the raw syncword stamp
	Realtime   bool
	BitRate    int64 // ntrack * trackbitrate, used to pace Realtime output

	fill      atomic.Uint64
	frameNum  atomic.Uint32
	frameTime time.Time // fixed reference timestamp stamped into every Format-framed header

	mu           sync.Mutex
	running      bool
	wordLimit    int64 // 0 means unlimited, matching `= on` with no count argument
	emittedBytes int64
}

func NewFillPatternGenerator(blockSize int, initial, inc uint64) *FillPatternGenerator {
	g := &FillPatternGenerator{BlockSize: blockSize, Inc: inc, frameTime: time.Now().UTC()}
	g.fill.Store(initial)
	return g
}

func (g *FillPatternGenerator) Name() string { return "fill_pattern_generator" }

// SetRun communicates the `= on` command's run flag down to the stage,
// matching DiskReader's run-gating so `connect` can wire the Chain without
// data flowing until `on` is received.
func (g *FillPatternGenerator) SetRun(run bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.running = run
}

// SetCount sets the number of 64-bit fill words to emit before finishing,
// matching `= on:<nword>`; 0 means unlimited. In framed mode the total is
// rounded up to whole frames.
func (g *FillPatternGenerator) SetCount(n int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.wordLimit = n
}

func (g *FillPatternGenerator) waitForRun(ctx context.Context) bool {
	ticker := time.NewTicker(constants.StagePollInterval)
	defer ticker.Stop()
	for {
		g.mu.Lock()
		running := g.running
		g.mu.Unlock()
		if running {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (g *FillPatternGenerator) Run(ctx context.Context, sio mark5xfer.StageIO) error {
	defer sio.Out.Disable()

	if !g.waitForRun(ctx) {
		return nil
	}

	var pacer <-chan time.Time
	var ticker *time.Ticker
	if g.Realtime && g.BitRate > 0 {
		blockDur := time.Duration(float64(g.BlockSize) * 8 / float64(g.BitRate) * float64(time.Second))
		ticker = time.NewTicker(blockDur)
		defer ticker.Stop()
		pacer = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		g.mu.Lock()
		limit := g.wordLimit * 8
		remaining := int64(g.BlockSize)
		if limit > 0 {
			remaining = limit - g.emittedBytes
		}
		g.mu.Unlock()
		if remaining <= 0 {
			return nil
		}
		if pacer != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-pacer:
			}
		}

		size := g.BlockSize
		if remaining < int64(size) {
			size = int(remaining)
		}
		if g.FrameSize > 0 {
			// Whole frames only: a bounded framed run rounds its tail up to
			// one more complete frame rather than emitting a torn one.
			if size < g.FrameSize {
				size = g.FrameSize
			} else {
				size -= size % g.FrameSize
			}
		}

		blk := sio.Pool.Get(size)
		g.fillBlock(blk.Bytes())
		if err := pushBlock(sio, blk); err != nil {
			return nil
		}
		g.mu.Lock()
		g.emittedBytes += int64(size)
		g.mu.Unlock()
	}
}

// fillBlock stamps buf with the generator's fill pattern, one Block at a
// time in anonymous mode or one frame at a time in framed mode. Either way,
// the fill state (and, in framed mode, the frame-number word) advances once
// per Block/frame rather than once per word, matching jive5ab's
// evlbi5a/threadfns.cc fill-pattern generator: a whole unit is stamped with
// one constant value before the generator state moves on.
func (g *FillPatternGenerator) fillBlock(buf []byte) {
	if g.FrameSize > 0 {
		for off := 0; off+g.FrameSize <= len(buf); off += g.FrameSize {
			g.fillFrame(buf[off : off+g.FrameSize])
		}
		return
	}
	g.fillFrame(buf)
}

// fillFrame fills one Block (anonymous mode) or one frame (framed mode)
// with a single constant fill value and, in framed mode, writes a real
// header via Format.EncodeHeader when a Format is configured, or just the
// raw syncword otherwise.
func (g *FillPatternGenerator) fillFrame(frame []byte) {
	// Post-increment: the first unit carries the initial fill value.
	v := g.fill.Add(g.Inc) - g.Inc

	headerLen := 0
	if g.FrameSize > 0 && g.Format != nil {
		headerLen = g.Format.HeaderSize()
	}
	for off := headerLen; off+8 <= len(frame); off += 8 {
		putLE64(frame[off:off+8], v)
	}

	if g.FrameSize == 0 {
		return
	}
	if g.Format != nil {
		fn := g.frameNum.Add(1) - 1
		ft := headerfmt.FrameTime{Time: g.frameTime, FrameNumber: fn}
		_ = g.Format.EncodeHeader(frame, ft)
		return
	}
	if len(g.Syncword) > 0 {
		copy(frame[g.SyncOffset:], g.Syncword)
	}
}

// putLE64 stores v little-endian, the byte order the fill pattern travels
// in on the wire and on disk.
func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v)
		v >>= 8
	}
}

// FifoReader reads from the vendor streaming-storage FIFO, emergency
// draining under a high-water threshold.
type FifoReader struct {
	Device       blockdev.FIFO
	BlockSize    int
	HighWater    float64 // fraction of FIFO capacity that triggers emergency drain
	discardBuf   []byte
	lastWarnTime time.Time

	Discarded atomic.Uint64
}

func NewFifoReader(dev blockdev.FIFO, blockSize int, highWater float64) *FifoReader {
	return &FifoReader{Device: dev, BlockSize: blockSize, HighWater: highWater, discardBuf: make([]byte, blockSize)}
}

func (r *FifoReader) Name() string { return "fifo_reader" }

func (r *FifoReader) Run(ctx context.Context, sio mark5xfer.StageIO) error {
	defer sio.Out.Disable()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if r.Device.Occupancy() > r.HighWater {
			n, err := r.Device.Read(r.discardBuf)
			if err != nil {
				return mark5xfer.NewStageError(r.Name(), 0, mark5xfer.ErrCodeIO, err.Error())
			}
			r.Discarded.Add(uint64(n))
			if time.Since(r.lastWarnTime) > 2*time.Second {
				r.lastWarnTime = time.Now()
			}
			continue
		}

		blk := sio.Pool.Get(r.BlockSize)
		got := 0
		for got < r.BlockSize {
			n, err := r.Device.Read(blk.Bytes()[got:])
			got += n
			if err != nil && err != io.EOF {
				blk.Release()
				return mark5xfer.NewStageError(r.Name(), 0, mark5xfer.ErrCodeIO, err.Error())
			}
			if n == 0 {
				select {
				case <-ctx.Done():
					blk.Release()
					return nil
				case <-time.After(time.Millisecond):
				}
			}
		}
		if pushErr := pushBlock(sio, blk); pushErr != nil {
			return nil
		}
	}
}

// QueueReader sources a Chain from another Chain's output queue. Reuse controls the "stupid_queue_reader"
// variant that passes Blocks through without re-blocking (i.e. without
// copying into a freshly-owned Block first).
type QueueReader struct {
	Source *mark5xfer.Queue[mark5xfer.Block]
	Reuse  bool
}

func NewQueueReader(source *mark5xfer.Queue[mark5xfer.Block], reuse bool) *QueueReader {
	return &QueueReader{Source: source, Reuse: reuse}
}

func (r *QueueReader) Name() string { return "queue_reader" }

func (r *QueueReader) Run(ctx context.Context, sio mark5xfer.StageIO) error {
	defer sio.Out.Disable()
	for {
		// Source is owned by the Runtime, not this Chain, so Chain.Stop
		// never disables it; poll with a deadline so cancellation is
		// observed even when the producing chain has gone quiet.
		blk, err := r.Source.PopDeadline(constants.StagePollInterval * 20)
		if err == mark5xfer.ErrQueueTimeout {
			select {
			case <-ctx.Done():
				return nil
			default:
				continue
			}
		}
		if err != nil {
			return nil
		}
		if !r.Reuse {
			fresh := sio.Pool.Get(blk.Len())
			copy(fresh.Bytes(), blk.Bytes())
			blk.Release()
			blk = fresh
		}
		if pushErr := pushBlock(sio, blk); pushErr != nil {
			return nil
		}
	}
}
