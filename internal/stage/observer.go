package stage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jive-vlbi/mark5xfer/internal/blockdev"
	"github.com/jive-vlbi/mark5xfer/internal/headerfmt"
	"github.com/jive-vlbi/mark5xfer/internal/logging"

	mark5xfer "github.com/jive-vlbi/mark5xfer"
)

// QueueWriter is the sink side of an interchain boundary: it pushes every
// incoming Block onto an externally owned Queue so a second Chain (or the
// supervisor itself) can consume them. The *2mem transfer modes end here;
// QueueReader is the matching source on the other side. The Target queue is
// owned by the Runtime and outlives this stage, so the stage never disables
// it; it only marks no-more-producers on a clean drain.
type QueueWriter struct {
	Target *mark5xfer.Queue[mark5xfer.Block]

	// DrainOnExit delayed-disables Target when the input side closes, so a
	// consumer chain blocked in Pop finishes instead of waiting forever.
	// The supervisor leaves it false for every *2mem mode: the Runtime's
	// queue outlives each chain, and a consumer chain may be connected later.
	DrainOnExit bool
}

func NewQueueWriter(target *mark5xfer.Queue[mark5xfer.Block]) *QueueWriter {
	return &QueueWriter{Target: target}
}

func (w *QueueWriter) Name() string { return "queue_writer" }

func (w *QueueWriter) Run(ctx context.Context, sio mark5xfer.StageIO) error {
	for {
		blk, err := sio.In.Pop()
		if err != nil {
			if w.DrainOnExit {
				w.Target.DelayedDisable()
			}
			return nil
		}
		if perr := w.Target.Push(blk); perr != nil {
			blk.Release()
			return nil
		}
	}
}

// DiscardSink consumes and releases every Block, counting bytes. The
// observer-terminated modes (file2check, net2check, mem2time, condition)
// end in it: the interesting work happens in the framer/timedecoder stages
// upstream, and the payload itself has nowhere to go.
type DiscardSink struct {
	bytes atomic.Uint64
}

func NewDiscardSink() *DiscardSink { return &DiscardSink{} }

func (s *DiscardSink) Name() string { return "discard_sink" }

// Bytes reports the total payload consumed so far.
func (s *DiscardSink) Bytes() uint64 { return s.bytes.Load() }

func (s *DiscardSink) Run(ctx context.Context, sio mark5xfer.StageIO) error {
	for {
		blk, err := sio.In.Pop()
		if err != nil {
			return nil
		}
		s.bytes.Add(uint64(blk.Len()))
		blk.Release()
	}
}

// DiskTee appends every Block to the block device before forwarding it
// downstream unchanged. The *fork modes (in2fork, in2memfork, net2fork,
// net2sfxcfork) insert it between their source and their named sink, so the
// stream is recorded while it flows.
type DiskTee struct {
	Device blockdev.Device

	recorded atomic.Uint64
}

func NewDiskTee(dev blockdev.Device) *DiskTee { return &DiskTee{Device: dev} }

func (t *DiskTee) Name() string { return "disk_tee" }

// Recorded reports the total bytes appended to the device so far.
func (t *DiskTee) Recorded() uint64 { return t.recorded.Load() }

func (t *DiskTee) Run(ctx context.Context, sio mark5xfer.StageIO) error {
	defer sio.Out.Disable()
	for {
		blk, err := sio.In.Pop()
		if err != nil {
			return nil
		}
		n, werr := t.Device.Append(blk.Bytes())
		if werr != nil {
			blk.Release()
			return mark5xfer.NewStageError(t.Name(), 0, mark5xfer.ErrCodeIO, werr.Error())
		}
		t.recorded.Add(uint64(n))
		if perr := pushBlock(sio, blk); perr != nil {
			return nil
		}
	}
}

// Timedecoder decodes every frame's timestamp and counts decodable versus
// undecodable headers, passing the Blocks through untouched. The *2check
// modes use it as their verdict: a healthy stream decodes every frame.
type Timedecoder struct {
	Format headerfmt.Format

	ok   atomic.Uint64
	fail atomic.Uint64

	mu   sync.Mutex
	last headerfmt.FrameTime
}

func NewTimedecoder(format headerfmt.Format) *Timedecoder {
	return &Timedecoder{Format: format}
}

func (t *Timedecoder) Name() string { return "timedecoder" }

// Counts reports (decoded, failed) frame totals.
func (t *Timedecoder) Counts() (ok, fail uint64) { return t.ok.Load(), t.fail.Load() }

// Last reports the most recently decoded frame time.
func (t *Timedecoder) Last() headerfmt.FrameTime {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

func (t *Timedecoder) Run(ctx context.Context, sio mark5xfer.StageIO) error {
	defer sio.Out.Disable()
	headerSize := t.Format.HeaderSize()
	for {
		blk, err := sio.In.Pop()
		if err != nil {
			return nil
		}
		if blk.Len() >= headerSize {
			ft, decErr := t.Format.DecodeTimestamp(blk.Bytes()[:headerSize])
			if decErr != nil {
				t.fail.Add(1)
			} else {
				t.ok.Add(1)
				t.mu.Lock()
				t.last = ft
				t.mu.Unlock()
			}
		} else {
			t.fail.Add(1)
		}
		if perr := pushBlock(sio, blk); perr != nil {
			return nil
		}
	}
}

// Timeprinter logs every Nth frame's decoded timestamp and passes the
// Blocks through, the human-eyeball variant of Timedecoder.
type Timeprinter struct {
	Format headerfmt.Format
	Every  int
	Log    *logging.Logger

	seen uint64
}

func NewTimeprinter(format headerfmt.Format, every int) *Timeprinter {
	if every <= 0 {
		every = 1
	}
	return &Timeprinter{Format: format, Every: every, Log: logging.Default()}
}

func (t *Timeprinter) Name() string { return "timeprinter" }

func (t *Timeprinter) Run(ctx context.Context, sio mark5xfer.StageIO) error {
	defer sio.Out.Disable()
	headerSize := t.Format.HeaderSize()
	for {
		blk, err := sio.In.Pop()
		if err != nil {
			return nil
		}
		t.seen++
		if t.seen%uint64(t.Every) == 0 && blk.Len() >= headerSize {
			if ft, decErr := t.Format.DecodeTimestamp(blk.Bytes()[:headerSize]); decErr == nil {
				t.Log.WithStage(t.Name()).Info("frame time",
					"data_time", ft.Time.Format(time.RFC3339Nano), "frame", ft.FrameNumber)
			}
		}
		if perr := pushBlock(sio, blk); perr != nil {
			return nil
		}
	}
}
