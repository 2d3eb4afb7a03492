package stage

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jive-vlbi/mark5xfer/internal/headerfmt"

	mark5xfer "github.com/jive-vlbi/mark5xfer"
)

// SplitFunc is a named splitter function, e.g. "extract_4Ch2bit1to2": given
// one input region it writes into nchunk output sub-regions of equal size.
type SplitFunc func(dst [][]byte, src []byte)

// splitters is the fixed registry of named splitter functions this repo
// ships, mirroring jive5ab's channel-extraction function table.
var splitters = map[string]SplitFunc{
	"extract_4Ch2bit1to2": splitExtract4Ch2Bit1to2,
}

// LookupSplitFunc resolves a named splitter, erroring if unknown.
func LookupSplitFunc(name string) (SplitFunc, error) {
	f, ok := splitters[name]
	if !ok {
		return nil, mark5xfer.NewError("lookup_split_func", mark5xfer.ErrCodeArgument, "unknown splitter "+name)
	}
	return f, nil
}

// splitExtract4Ch2Bit1to2 is the 2-output splitter registered for a
// 4-channel, 2-bit-per-sample stream: it copies the first half of src to
// dst[0] and the second half to dst[1]. Samples are not separated by channel.
func splitExtract4Ch2Bit1to2(dst [][]byte, src []byte) {
	if len(dst) != 2 {
		return
	}
	half := len(src) / 2
	copy(dst[0], src[:half])
	copy(dst[1], src[half:])
}

// CoalescingSplitter takes one input Block at a time, applies a named
// splitter to divide it into Nchunk equal regions, and emits one Block per
// region, tagged 0..Nchunk-1. It does not coalesce several input Blocks, and
// Run does not use Multiplier or NTrack.
// Since Chain queues carry plain Blocks, the tag is kept in a side map keyed
// by Block.Seq() and read back with TagOf.
type CoalescingSplitter struct {
	Split      SplitFunc
	Nchunk     int
	Multiplier int
	NTrack     int

	mu   sync.Mutex
	tags map[uint64]uint
}

func NewCoalescingSplitter(split SplitFunc, nchunk, multiplier, ntrack int) *CoalescingSplitter {
	return &CoalescingSplitter{Split: split, Nchunk: nchunk, Multiplier: multiplier, NTrack: ntrack, tags: make(map[uint64]uint)}
}

func (s *CoalescingSplitter) Name() string { return "coalescing_splitter" }

// TagOf looks up (and forgets) the tag a previously emitted Block carries,
// for a downstream multi-destination writer keyed on tag.
func (s *CoalescingSplitter) TagOf(seq uint64) (uint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tags[seq]
	if ok {
		delete(s.tags, seq)
	}
	return t, ok
}

func (s *CoalescingSplitter) Run(ctx context.Context, sio mark5xfer.StageIO) error {
	defer sio.Out.Disable()
	for {
		blk, err := sio.In.Pop()
		if err != nil {
			return nil
		}
		src := blk.Bytes()
		regionLen := len(src) / s.Nchunk
		outs := make([]mark5xfer.Block, s.Nchunk)
		dsts := make([][]byte, s.Nchunk)
		for i := range outs {
			outs[i] = sio.Pool.Get(regionLen)
			dsts[i] = outs[i].Bytes()
		}
		s.Split(dsts, src)
		blk.Release()

		for i, o := range outs {
			s.mu.Lock()
			s.tags[o.Seq()] = uint(i)
			s.mu.Unlock()
			if err := pushBlock(sio, o); err != nil {
				return nil
			}
		}
	}
}

// VDIFReframer takes the native format's Frames and emits one VDIF data
// frame per output Block.
type VDIFReframer struct {
	Source           headerfmt.Format
	StationID        uint16
	ThreadIDBase     uint16
	BitsPerSample    uint8
	OutputSize       int
	dataFrameLength  int
	frameNumInSecond uint32
	lastSecond       int64
}

func NewVDIFReframer(source headerfmt.Format, stationID, threadIDBase uint16, bitsPerSample uint8, outputSize int) (*VDIFReframer, error) {
	inputSize := source.FrameSize()
	maxLen := outputSize - 16
	if maxLen <= 0 {
		return nil, fmt.Errorf("stage: vdif reframer output size %d too small for a 16-byte header", outputSize)
	}
	best := 0
	for l := (maxLen / 8) * 8; l > 0; l -= 8 {
		if inputSize%l == 0 {
			best = l
			break
		}
	}
	if best == 0 {
		return nil, fmt.Errorf("stage: vdif reframer found no dataframe_length dividing input size %d", inputSize)
	}
	return &VDIFReframer{Source: source, StationID: stationID, ThreadIDBase: threadIDBase, BitsPerSample: bitsPerSample, OutputSize: outputSize, dataFrameLength: best}, nil
}

func (r *VDIFReframer) Name() string { return "vdif_reframer" }

func (r *VDIFReframer) Run(ctx context.Context, sio mark5xfer.StageIO) error {
	defer sio.Out.Disable()
	vdif, err := headerfmt.NewVDIF(16+r.dataFrameLength, r.StationID, r.ThreadIDBase, r.BitsPerSample)
	if err != nil {
		return mark5xfer.NewStageError(r.Name(), 0, mark5xfer.ErrCodeArgument, err.Error())
	}

	headerSize := r.Source.HeaderSize()
	for {
		blk, err := sio.In.Pop()
		if err != nil {
			return nil
		}
		if blk.Len() < headerSize {
			blk.Release()
			continue
		}
		ft, decErr := r.Source.DecodeTimestamp(blk.Bytes()[:headerSize])
		if decErr != nil {
			blk.Release()
			continue
		}

		sec := ft.Time.Unix()
		if sec != r.lastSecond {
			r.frameNumInSecond = 0
			r.lastSecond = sec
		}

		payload := blk.Bytes()
		for off := 0; off+r.dataFrameLength <= len(payload); off += r.dataFrameLength {
			out := sio.Pool.Get(16 + r.dataFrameLength)
			buf := out.Bytes()
			vft := headerfmt.FrameTime{Time: ft.Time, FrameNumber: r.frameNumInSecond}
			if encErr := vdif.EncodeHeader(buf[:16], vft); encErr != nil {
				out.Release()
				blk.Release()
				return mark5xfer.NewStageError(r.Name(), 0, mark5xfer.ErrCodeArgument, encErr.Error())
			}
			copy(buf[16:], payload[off:off+r.dataFrameLength])
			r.frameNumInSecond++
			if pushErr := pushBlock(sio, out); pushErr != nil {
				blk.Release()
				return nil
			}
		}
		blk.Release()
	}
}

// Faker periodically injects synthesised valid frames downstream once the
// input queue has been silent for more than two pop timeouts.
type Faker struct {
	Format      headerfmt.Format
	PopTimeout  time.Duration
	rng         *rand.Rand
	frameNumber uint32
}

func NewFaker(format headerfmt.Format, popTimeout time.Duration) *Faker {
	return &Faker{Format: format, PopTimeout: popTimeout, rng: rand.New(rand.NewSource(1))}
}

func (f *Faker) Name() string { return "faker" }

func (f *Faker) Run(ctx context.Context, sio mark5xfer.StageIO) error {
	defer sio.Out.Disable()
	silentPops := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		blk, err := sio.In.PopDeadline(f.PopTimeout)
		switch err {
		case nil:
			silentPops = 0
			if pushErr := pushBlock(sio, blk); pushErr != nil {
				return nil
			}
		case mark5xfer.ErrQueueTimeout:
			silentPops++
			if silentPops >= 2 {
				done, fakeErr := f.injectFrame(sio)
				if fakeErr != nil {
					return fakeErr
				}
				if done {
					return nil
				}
				silentPops = 0
			}
		default:
			return nil
		}
	}
}

// injectFrame synthesises one frame and pushes it downstream. done reports
// whether the output queue has closed (a clean shutdown, not a failure).
func (f *Faker) injectFrame(sio mark5xfer.StageIO) (done bool, err error) {
	frameSize := f.Format.FrameSize()
	blk := sio.Pool.Get(frameSize)
	buf := blk.Bytes()
	for i := range buf {
		buf[i] = byte(f.rng.Intn(256))
	}
	f.frameNumber++
	ft := headerfmt.FrameTime{Time: time.Now(), FrameNumber: f.frameNumber}
	if encErr := f.Format.EncodeHeader(buf[:f.Format.HeaderSize()], ft); encErr != nil {
		blk.Release()
		return false, mark5xfer.NewStageError(f.Name(), 0, mark5xfer.ErrCodeArgument, encErr.Error())
	}
	if pushErr := pushBlock(sio, blk); pushErr != nil {
		return true, nil
	}
	return false, nil
}
