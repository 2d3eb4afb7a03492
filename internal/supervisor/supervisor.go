// Package supervisor is the Transfer Supervisor: it holds
// the per-device Runtime, maps a named transfer mode plus `connect`/`on`/
// `off` commands onto a concretely wired Chain, and reports VSI/S status
// codes back to the protocol layer. Runtime is the single owner of
// long-lived state; a freshly built Chain per transfer is the disposable
// unit of running work bound to one invocation.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jive-vlbi/mark5xfer/internal/blockdev"
	"github.com/jive-vlbi/mark5xfer/internal/codec"
	"github.com/jive-vlbi/mark5xfer/internal/constants"
	"github.com/jive-vlbi/mark5xfer/internal/constraint"
	"github.com/jive-vlbi/mark5xfer/internal/headerfmt"
	"github.com/jive-vlbi/mark5xfer/internal/ioboard"
	"github.com/jive-vlbi/mark5xfer/internal/logging"
	"github.com/jive-vlbi/mark5xfer/internal/stage"
	"github.com/jive-vlbi/mark5xfer/internal/stats"

	mark5xfer "github.com/jive-vlbi/mark5xfer"
)

// Config is the per-transfer argument bundle a `mode=connect:...` command
// carries, covering every stage kind this Runtime's Chain builder knows how
// to wire. Only the fields relevant to the requested TransferMode are
// consulted; the rest are ignored.
type Config struct {
	// Disk range for disk2* / *2disk modes.
	StartByte int64
	EndByte   int64
	Repeat    bool

	// Network endpoint for *2net / net2* / *udps modes.
	Host string
	Port int

	// File path plus "r"/"w"/"a" mode for *2file / file2* modes.
	FilePath string
	FileMode string

	// Count bounds the number of 64-bit fill words a fill-pattern source
	// emits for `= on:<nword>`; 0 means unlimited.
	Count int64

	// Fill-pattern source knobs: the starting 64-bit value (0 selects the
	// standard pattern), the per-unit increment, and realtime pacing.
	FillStart uint64
	FillInc   uint64
	Realtime  bool

	// Split-family knobs: the named splitter function, its chunk count,
	// and one destination per output tag ("host:port" or "path[,mode]").
	SplitFuncName string
	NChunk        int
	Destinations  []string

	// VDIF selects framer + VDIF-reframer insertion before the sink.
	VDIF bool

	// Format/constraint knobs.
	Protocol         constraint.Protocol
	MTU              int
	NTrack           int
	TrackBitrate     int64
	Compress         bool
	CompressionRatio float64
	FrameSize        int
	IPD              time.Duration
}

// Reply is the VSI/S-shaped outcome of a supervisor command: a status code
// plus optional free-text diagnostic.
type Reply struct {
	Status mark5xfer.Status
	Text   string
}

// Runtime is the per-device context: the block-device
// handle, the I/O board handle, network parameters, current mode
// configuration, the currently installed Chain, cumulative statistics, and
// mode-scoped state.
type Runtime struct {
	Device blockdev.Device
	FIFO   blockdev.FIFO
	Board  *ioboard.Board
	Stats  *stats.Registry
	Log    *logging.Logger
	Format headerfmt.Format
	Codec  codec.Codec

	mu      sync.Mutex
	mode    mark5xfer.TransferMode
	submode mark5xfer.Submode
	chain   *mark5xfer.Chain
	pool    *mark5xfer.Blockpool
	source  any // *stage.DiskReader or *stage.FillPatternGenerator; nil for sources with no run-gate
	guardWG sync.WaitGroup
	lastSet constraint.Set

	// memQueue is the interchain boundary the *2mem modes produce into and
	// the mem2* modes consume from. It outlives individual Chains.
	memQueue *mark5xfer.Queue[mark5xfer.Block]

	// Observer handles installed by the most recent check/time chain.
	timegrabber *stage.Timegrabber
	checker     *stage.Timedecoder

	// Device-protection latch: destructive operations (reset=erase) require
	// an explicit protect=off first, and the latch re-arms after one use.
	protected bool

	// ntrack is the track count the `mode=` data-format command configured.
	ntrack int

	// tmMu guards trackmask separately from mu: the Constraint Solver
	// consults the solved ratio while Connect already holds mu.
	tmMu      sync.Mutex
	trackmask trackmaskState
}

// trackmaskState carries the async trackmask/compression solve:
// `trackmask=` kicks off the solve and returns status 1; queries answer 5
// while busy, then 0 with the solved mask and the derived compression ratio.
type trackmaskState struct {
	mask     uint64
	distance int
	busy     bool
	solved   bool
	ratio    float64
}

// runStarter is implemented by every source stage whose data flow waits
// for an explicit `= on` command before producing Blocks.
type runStarter interface {
	SetRun(bool)
}

// repeater is implemented by sources that support `= on:...:repeat`.
type repeater interface {
	SetRepeat(bool)
}

// counter is implemented by sources that support `= on:<count>`.
type counter interface {
	SetCount(int64)
}

// ranger is implemented by sources that support `= on:<start>[:<end>]`.
type ranger interface {
	SetRange(start, end int64)
}

// NewRuntime constructs a Runtime in the idle (no_transfer) state.
func NewRuntime(dev blockdev.Device, fifo blockdev.FIFO, board *ioboard.Board, format headerfmt.Format) *Runtime {
	return &Runtime{
		Device:    dev,
		FIFO:      fifo,
		Board:     board,
		Stats:     stats.NewRegistry(),
		Log:       logging.Default(),
		Format:    format,
		Codec:     codec.NewLZ4(),
		pool:      mark5xfer.NewBlockpool(),
		mode:      mark5xfer.ModeNone,
		memQueue:  mark5xfer.NewQueue[mark5xfer.Block](constants.InterchainQueueCapacity),
		protected: true,
	}
}

// SetFormat installs the data format and track count the `mode=` command
// configured (e.g. `mode=mark5b:0xffffffff`).
func (r *Runtime) SetFormat(format headerfmt.Format, ntrack int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Format = format
	r.ntrack = ntrack
}

// NTrack reports the configured track count (0 if `mode=` has not run).
func (r *Runtime) NTrack() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ntrack
}

// MemQueue exposes the interchain queue boundary, letting tests and
// embedders feed or drain the *2mem / mem2* modes directly.
func (r *Runtime) MemQueue() *mark5xfer.Queue[mark5xfer.Block] {
	return r.memQueue
}

// Mode reports the currently active TransferMode.
func (r *Runtime) Mode() mark5xfer.TransferMode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// Submode reports the currently active Submode flags.
func (r *Runtime) Submode() mark5xfer.Submode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.submode
}

// Connect implements the connect phase of a `<mode>=connect:...`
// command: rejects an incompatible in-progress mode, solves constraints,
// builds and runs a Chain, updates device-side state, and sets submode.
func (r *Runtime) Connect(mode mark5xfer.TransferMode, cfg Config) Reply {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.mode != mark5xfer.ModeNone && r.mode != mode {
		return Reply{Status: mark5xfer.StatusPrecondition, Text: fmt.Sprintf("transfer %s already active", r.mode)}
	}
	if r.mode == mode {
		return Reply{Status: mark5xfer.StatusPrecondition, Text: fmt.Sprintf("transfer %s already connected", mode)}
	}
	if !mode.Valid() || mode == mark5xfer.ModeNone {
		return Reply{Status: mark5xfer.StatusArgument, Text: "invalid transfer mode"}
	}

	if cfg.NTrack == 0 {
		cfg.NTrack = r.ntrack
	}
	if mode == mark5xfer.ModeCondition && cfg.EndByte == 0 {
		cfg.EndByte = r.Device.Size()
	}

	set, err := r.solve(mode, cfg)
	if err != nil {
		return Reply{Status: mark5xfer.StatusArgument, Text: err.Error()}
	}
	r.lastSet = set

	chain := mark5xfer.NewChain(r.pool, constants.DefaultQueueCapacity, r.Log, r.Stats)
	source, buildErr := r.build(chain, mode, cfg, set)
	if buildErr != nil {
		status := mark5xfer.StatusArgument
		var me *mark5xfer.Error
		if errors.As(buildErr, &me) {
			status = me.Code.Status()
		}
		return Reply{Status: status, Text: buildErr.Error()}
	}
	r.source = source

	r.Board.StartRun()

	chain.Run(context.Background())
	r.chain = chain
	r.mode = mode
	r.submode = mark5xfer.SubmodeConnected | mark5xfer.SubmodeWait

	if mode == mark5xfer.ModeCondition {
		// A condition sweep has no separate `= on` phase; it scans the
		// whole recording as soon as it is connected.
		if rs, ok := source.(runStarter); ok {
			rs.SetRun(true)
			r.submode = (r.submode &^ mark5xfer.SubmodeWait) | mark5xfer.SubmodeRun
		}
	}

	r.guardWG.Add(1)
	go r.guard(chain, mode)

	r.Log.WithMode(string(mode)).Info("transfer connected", "chain", chain.String())
	return Reply{Status: mark5xfer.StatusOK}
}

// guard waits for the Chain to finish naturally, then clears TransferMode.
func (r *Runtime) guard(chain *mark5xfer.Chain, mode mark5xfer.TransferMode) {
	defer r.guardWG.Done()
	_ = chain.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mode == mode {
		r.mode = mark5xfer.ModeNone
		r.submode = 0
		r.chain = nil
		r.source = nil
		r.Board.StopRun()
		r.Log.WithMode(string(mode)).Info("transfer completed")
	}
}

// On implements `= on[:start[:end|+N[:repeat]]]`: communicates parameters
// down to the active source stage and sets its run flag.
func (r *Runtime) On(args Config) Reply {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.mode == mark5xfer.ModeNone || r.chain == nil {
		return Reply{Status: mark5xfer.StatusPrecondition, Text: "no transfer connected"}
	}
	if rep, ok := r.source.(repeater); ok {
		rep.SetRepeat(args.Repeat)
	}
	if cnt, ok := r.source.(counter); ok {
		cnt.SetCount(args.Count)
	}
	if rg, ok := r.source.(ranger); ok {
		if args.StartByte > 0 || args.EndByte > 0 {
			rg.SetRange(args.StartByte, args.EndByte)
		}
	}
	if rs, ok := r.source.(runStarter); ok {
		rs.SetRun(true)
	}
	r.submode = (r.submode &^ mark5xfer.SubmodeWait) | mark5xfer.SubmodeRun
	return Reply{Status: mark5xfer.StatusOK}
}

// Off implements `= off` / `= disconnect` / `= close`: stops the Chain and
// clears TransferMode.
func (r *Runtime) Off() Reply {
	r.mu.Lock()
	chain := r.chain
	mode := r.mode
	r.mu.Unlock()

	if chain == nil {
		return Reply{Status: mark5xfer.StatusPrecondition, Text: "no transfer connected"}
	}

	chain.Stop()
	r.guardWG.Wait()

	r.mu.Lock()
	if r.mode == mode {
		r.mode = mark5xfer.ModeNone
		r.submode = 0
		r.chain = nil
		r.source = nil
		r.Board.StopRun()
		r.Log.WithMode(string(mode)).Info("transfer stopped")
	}
	r.mu.Unlock()

	return Reply{Status: mark5xfer.StatusOK}
}

// Tstat answers the `tstat?`/`tstat=` query family: rates
// since the last call, or raw counters, depending on resetClock.
func (r *Runtime) Tstat(resetClock bool) (time.Duration, []stats.RateSnapshot, stats.RawSnapshot) {
	if resetClock {
		elapsed, rates := r.Stats.RatesSinceLastCall()
		return elapsed, rates, stats.RawSnapshot{}
	}
	return 0, nil, r.Stats.Raw()
}

// LastConstraintSet reports the Constraint Solver's most recent output, for
// the `constraints?` query.
func (r *Runtime) LastConstraintSet() constraint.Set {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSet
}

// FifoOccupancy reports the vendor FIFO fill fraction, the trailing
// "F : fifo%" field of the `tstat?` reply.
func (r *Runtime) FifoOccupancy() float64 {
	if r.FIFO == nil {
		return 0
	}
	return r.FIFO.Occupancy()
}

// Mem2Time answers the `mem2time?` query: the (os_time, data_time) pair of
// the last frame the mem2time chain's timegrabber observed. ok is false if
// no mem2time chain has decoded a frame yet.
func (r *Runtime) Mem2Time() (osTime, dataTime time.Time, ok bool) {
	r.mu.Lock()
	grabber := r.timegrabber
	r.mu.Unlock()
	if grabber == nil {
		return time.Time{}, time.Time{}, false
	}
	osTime, dataTime = grabber.Last()
	return osTime, dataTime, !dataTime.IsZero()
}

// CheckCounts reports the (decoded, failed) frame totals of the most recent
// *2check chain.
func (r *Runtime) CheckCounts() (ok, fail uint64) {
	r.mu.Lock()
	checker := r.checker
	r.mu.Unlock()
	if checker == nil {
		return 0, 0
	}
	return checker.Counts()
}

// SolveTrackmask starts the async trackmask/compression solve.
// The reply is status 1 ("computing"); poll Trackmask for completion.
func (r *Runtime) SolveTrackmask(mask uint64, distance int) Reply {
	r.tmMu.Lock()
	if r.trackmask.busy {
		r.tmMu.Unlock()
		return Reply{Status: mark5xfer.StatusBusy, Text: "trackmask solve in progress"}
	}
	r.trackmask = trackmaskState{mask: mask, distance: distance, busy: true}
	r.tmMu.Unlock()

	go r.solveTrackmask(mask)
	return Reply{Status: mark5xfer.StatusDeferred, Text: "computing"}
}

// solveTrackmask derives the compression solution for mask: the kept-bit
// count fixes the achievable ratio, and the settle delay models the code
// generation the solve performs before the solution is usable.
func (r *Runtime) solveTrackmask(mask uint64) {
	kept := 0
	for bit := 0; bit < 64; bit++ {
		if mask>>bit&1 == 1 {
			kept++
		}
	}
	time.Sleep(constants.TrackmaskSolveDelay)

	r.tmMu.Lock()
	if r.trackmask.mask == mask {
		r.trackmask.busy = false
		r.trackmask.solved = true
		r.trackmask.ratio = float64(kept) / 64
	}
	r.tmMu.Unlock()
	r.Log.Info("trackmask solved", "mask", fmt.Sprintf("0x%x", mask), "kept_bits", kept)
}

// Trackmask reports the solve state: busy while computing, then the solved
// mask and its compression ratio.
func (r *Runtime) Trackmask() (busy, solved bool, mask uint64, ratio float64) {
	r.tmMu.Lock()
	defer r.tmMu.Unlock()
	return r.trackmask.busy, r.trackmask.solved, r.trackmask.mask, r.trackmask.ratio
}

// trackmaskRatio reports the solved compression ratio, if any, for the
// Constraint Solver's use.
func (r *Runtime) trackmaskRatio() (float64, bool) {
	r.tmMu.Lock()
	defer r.tmMu.Unlock()
	return r.trackmask.ratio, r.trackmask.solved
}

// SetProtect arms or disarms the device-protection latch. `protect=off`
// (protected=false) enables exactly one subsequent destructive operation.
func (r *Runtime) SetProtect(protected bool) Reply {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.protected = protected
	return Reply{Status: mark5xfer.StatusOK}
}

// Protected reports the protection latch state.
func (r *Runtime) Protected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.protected
}

// ResetErase implements `reset=erase`: refused with status 6
// unless a transfer is idle and protect is off; on success the active bank
// is erased and the protection latch re-arms.
func (r *Runtime) ResetErase() Reply {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.mode != mark5xfer.ModeNone {
		return Reply{Status: mark5xfer.StatusPrecondition, Text: fmt.Sprintf("transfer %s active", r.mode)}
	}
	if r.protected {
		return Reply{Status: mark5xfer.StatusPrecondition, Text: "protect not off"}
	}
	if err := r.Device.Erase(r.Device.ActiveBank()); err != nil {
		return Reply{Status: mark5xfer.StatusRuntimeFailure, Text: err.Error()}
	}
	r.protected = true
	return Reply{Status: mark5xfer.StatusOK}
}

// Position answers the `position?` query: the current play pointer and the
// recording length. While a disk-sourced transfer is active the pointer is
// the reader's live position; otherwise it is the start of the recording.
func (r *Runtime) Position() (pos, length int64) {
	r.mu.Lock()
	source := r.source
	r.mu.Unlock()

	length = r.Device.AppendOffset()
	if dr, ok := source.(*stage.DiskReader); ok {
		return dr.Position(), length
	}
	return 0, length
}
