package mark5xfer

import (
	"context"
	"fmt"
	"sync"

	"github.com/jive-vlbi/mark5xfer/internal/logging"
	"github.com/jive-vlbi/mark5xfer/internal/stats"
)

// StageIO is the handle a Stage's Run method uses to move Blocks through
// its position in the Chain. A Source stage only writes Out; a Sink stage
// only reads In; a Transform stage does both. Stat, when non-nil, is the
// stage's own append-only counter in the Runtime's registry; the stage's
// thread is its only writer.
type StageIO struct {
	In   *Queue[Block]
	Out  *Queue[Block]
	Pool *Blockpool
	Stat *stats.Counter
}

// Stage is anything that can occupy one position in a Chain. Run must
// return when ctx is cancelled or when its input Queue reports
// ErrQueueDisabled, and must itself Disable its output Queue (directly or
// via the Chain's propagation) before returning so the next stage can also
// wind down. A Stage runs on its own goroutine for its entire lifetime; the
// only state it shares with its neighbors is the Queue between them.
type Stage interface {
	Name() string
	Run(ctx context.Context, io StageIO) error
}

// CancelFunc is a side-channel shutdown hook registered alongside a stage,
// invoked once when the Chain is stopped. It exists for stages that hold a
// resource Run's ctx-select loop can't interrupt on its own, e.g. a blocking
// read(2) on a socket or fifo fd: closing the fd is what actually unblocks
// it. Cancellation is therefore queue-disable plus fd-close rather than
// context alone.
type CancelFunc func() error

// stageEntry bundles one running stage with its bookkeeping.
type stageEntry struct {
	stage  Stage
	io     StageIO
	cancel CancelFunc
	err    error
}

// Chain is an ordered sequence of stages joined by bounded Queues, one
// goroutine per stage. It is the composition primitive every transfer mode
// builds its processing pipeline from: a Source, zero or more Transforms,
// and a Sink.
type Chain struct {
	mu       sync.Mutex
	pool     *Blockpool
	queueCap int
	log      *logging.Logger
	reg      *stats.Registry

	stages  []*stageEntry
	queues  []*Queue[Block] // len(stages)+1; queues[0] and queues[len-1] are Chain boundaries
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// NewChain constructs an empty Chain. queueCap bounds every inter-stage
// Queue; pool supplies the Blocks stages allocate from; reg, when non-nil,
// receives one named counter per added stage for the `tstat?` machinery.
func NewChain(pool *Blockpool, queueCap int, log *logging.Logger, reg *stats.Registry) *Chain {
	if log == nil {
		log = logging.Default()
	}
	return &Chain{
		pool:     pool,
		queueCap: queueCap,
		log:      log,
		reg:      reg,
		queues:   []*Queue[Block]{NewQueue[Block](queueCap)},
	}
}

// Add appends a stage to the end of the Chain, creating the Queue between
// it and the previous stage (or the Chain's input boundary, for the first
// stage added). register_cancel may be nil.
func (c *Chain) Add(s Stage, cancel CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := NewQueue[Block](c.queueCap)
	c.queues = append(c.queues, out)

	in := c.queues[len(c.queues)-2]
	var stat *stats.Counter
	if c.reg != nil {
		stat = c.reg.Step(s.Name())
	}
	c.stages = append(c.stages, &stageEntry{
		stage:  s,
		io:     StageIO{In: in, Out: out, Pool: c.pool, Stat: stat},
		cancel: cancel,
	})
}

// InputQueue returns the Chain's leading boundary Queue. A Source stage
// ignores it (its In is non-nil but unused); an external feeder (e.g. an
// interchain queue writer) pushes onto this
// queue directly when the first stage added is itself a Transform/Sink.
func (c *Chain) InputQueue() *Queue[Block] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queues[0]
}

// OutputQueue returns the Chain's trailing boundary Queue. A Sink stage
// ignores it; an external drain reads from this queue directly when the
// last stage added is itself a Source/Transform.
func (c *Chain) OutputQueue() *Queue[Block] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queues[len(c.queues)-1]
}

// Run starts every stage's goroutine. Run does not block; use Wait to block
// until every stage has exited.
func (c *Chain) Run(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(ctx)

	for _, entry := range c.stages {
		entry := entry
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer entry.io.Out.DelayedDisable()
			err := entry.stage.Run(c.ctx, entry.io)
			if err != nil && !IsCancellation(err) {
				entry.err = WrapError(entry.stage.Name(), err)
				c.log.WithStage(entry.stage.Name()).Error("stage failed", "err", entry.err)
				c.cancel()
			}
		}()
	}
}

// Stop cancels the Chain's context, invokes every stage's register_cancel
// hook (to unblock a stage parked in a blocking syscall the context alone
// can't interrupt), and disables every inter-stage Queue so stages waiting
// on Push/Pop unblock too.
func (c *Chain) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	cancel := c.cancel
	stages := c.stages
	queues := c.queues
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, q := range queues {
		q.Disable()
	}
	for _, entry := range stages {
		if entry.cancel == nil {
			continue
		}
		if err := entry.cancel(); err != nil {
			c.log.WithStage(entry.stage.Name()).Warn("stage cancel hook failed", "err", err)
		}
	}
}

// Wait blocks until every stage goroutine has returned, then returns the
// first non-cancellation error encountered, if any, in stage order.
func (c *Chain) Wait() error {
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range c.stages {
		if entry.err != nil {
			return entry.err
		}
	}
	return nil
}

// Stages returns the names of every stage in pipeline order, for logging
// and for the Transfer Supervisor's diagnostic queries.
func (c *Chain) Stages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, len(c.stages))
	for i, e := range c.stages {
		names[i] = e.stage.Name()
	}
	return names
}

// String renders the Chain as "source -> transform -> sink" for logs.
func (c *Chain) String() string {
	names := c.Stages()
	s := ""
	for i, n := range names {
		if i > 0 {
			s += " -> "
		}
		s += n
	}
	return fmt.Sprintf("chain[%s]", s)
}
