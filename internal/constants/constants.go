package constants

import "time"

// Default configuration constants for the transfer engine.
const (
	// DefaultQueueCapacity is the default number of Blocks buffered between
	// adjacent Chain stages.
	DefaultQueueCapacity = 16

	// DefaultBlockSize is the default amount of data moved as one unit
	// through a Chain when a transfer mode hasn't overridden it.
	DefaultBlockSize = 1 << 20 // 1 MiB, matches jive5ab's usual disk-transfer chunking

	// DefaultReadSize / DefaultWriteSize bound what a Source/Sink stage
	// requests from/writes to the wire per operation before the Constraint
	// Solver has run.
	DefaultReadSize  = 1 << 16 // 64 KiB
	DefaultWriteSize = 1 << 16

	// DefaultMTU is assumed when the supervisor hasn't been told a real one.
	DefaultMTU = 1500

	// AckPeriod is how many udps datagrams the reader's bottom half
	// processes between ACK back-traffic sends, matching jive5ab's
	// udpsreader_bh.
	AckPeriod = 100

	// FifoHighWater is the vendor FIFO occupancy fraction that triggers emergency draining on the read side
	// and skip-the-write on the write side.
	FifoHighWater = 0.6

	// DefaultReadahead is the udps reader's ring depth for typical
	// large-block transfers.
	DefaultReadahead = 2

	// InterchainQueueCapacity bounds the memory queue joining a *2mem
	// producer chain to its mem2* consumer chain. Deeper than an in-chain
	// queue because the two chains start and stop independently.
	InterchainQueueCapacity = 64
)

// FillPattern is the constant pattern the fill-pattern generator source and
// the udps reader's top half write into the gap of a short/missing read,
// reproduced from jive5ab (0x1122334411223344, written as eight
// little-endian bytes).
const FillPattern uint64 = 0x1122334411223344

// AckTable is the fixed rotating set of short opaque tokens jive5ab's
// udpsreader_bh sends back to the sender as ACK traffic, used verbatim so a
// real jive5ab sender on the other end of a udps link sees familiar
// back-traffic. The tokens carry no meaning beyond "keep ARP/NAT warm."
var AckTable = [...]string{
	"xhg",
	"xybbgmnx",
	"xyreryvwre",
	"tbqireqbzzr",
	"obxxryhy",
	"rvxryovwgre",
	"qebrsgbrgre",
	"",
}

// ReorderingWindow is the circular-buffer depth of recent sequence numbers
// the udps reader keeps (UDPSReader.recentPSN) to compute the RFC 4737
// §4.2.2 reordering-extent statistic it exposes via ReorderExtent.
const ReorderingWindow = 32

// Timing constants for the Transfer Supervisor's connect/on/off lifecycle,
// a transfer's stages
// need a moment to spin up their goroutines and open their descriptors
// before the supervisor can report "running" with confidence.
const (
	// ConnectSettleDelay is a settle time for a freshly built Chain's stages.
	// No code reads it; `connect=` returns without waiting on it.
	ConnectSettleDelay = 50 * time.Millisecond

	// StagePollInterval is how often a source stage polls its run gate, and
	// sets the QueueReader's pop timeout (20 intervals).
	StagePollInterval = 5 * time.Millisecond

	// TrackmaskSolveDelay models the compression code generation a
	// `trackmask=` solve performs; queries during this window answer
	// status 5 ("busy computing").
	TrackmaskSolveDelay = 100 * time.Millisecond
)
