// Package constraint is the Constraint Solver: given the
// knobs a transfer's `mode=`/`net_protocol=`/`mtu=` commands set, it derives
// a mutually consistent set of block/read/write/frame sizes every stage in
// the Chain is built against, and validates that set is internally
// consistent before the Transfer Supervisor commits to building a Chain.
package constraint

import "fmt"

// Protocol names the wire transport a networked transfer mode uses, which
// determines how much of the MTU budget is consumed by protocol headers
// before user payload (write_size) can fit.
type Protocol int

const (
	ProtocolNone Protocol = iota
	ProtocolTCP
	ProtocolUDP
	ProtocolUDPS // sequence-tagged UDP
	ProtocolUnix
)

func (p Protocol) String() string {
	switch p {
	case ProtocolTCP:
		return "tcp"
	case ProtocolUDP:
		return "udp"
	case ProtocolUDPS:
		return "udps"
	case ProtocolUnix:
		return "unix"
	default:
		return "none"
	}
}

// overheadBytes is the IPv4+transport header budget subtracted from MTU
// before computing the largest payload (write_size) a single datagram can
// carry. udps additionally reserves 8 bytes for its own sequence-number
// prefix.
func (p Protocol) overheadBytes() int {
	switch p {
	case ProtocolUDP:
		return 28 // 20-byte IPv4 + 8-byte UDP
	case ProtocolUDPS:
		return 28 + 8
	case ProtocolTCP:
		return 40 // 20-byte IPv4 + 20-byte TCP, no per-datagram framing
	default:
		return 0
	}
}

func (p Protocol) isDatagram() bool {
	return p == ProtocolUDP || p == ProtocolUDPS
}

// Params are the inputs the supervisor has gathered from `mode=`,
// `net_protocol=`, `mtu=`, and the active dataformat/compression solution
// by the time a `connect:` command needs a Set to build its Chain from.
type Params struct {
	Protocol Protocol
	MTU      int // 0 means "use constants.DefaultMTU"

	NTrack       int   // 0 if the mode doesn't involve a track-format source
	TrackBitrate int64 // bits/second per track; 0 if not applicable
	FrameSize    int   // 0 if the mode isn't frame-aligned (headerfmt.Format.FrameSize)
	HeaderSize   int   // bytes of each frame left untouched by compression

	Compress         bool
	CompressionRatio float64 // e.g. 2.0 for roughly 2:1; ignored if !Compress

	BlockSizeHint int // 0 means "use constants.DefaultBlockSize"

	// AllowVariableBlockSize resolves the open question: when true,
	// Validate accepts a write_size that does not evenly divide the block
	// size; when false (the default) a non-dividing write_size is an
	// argument error instead. It affects validation only: the udps reader
	// drops its partial ring Blocks at shutdown whether or not it is set.
	// See DESIGN.md.
	AllowVariableBlockSize bool
}

// Set is the resolved Constraint set
// every stage in a built Chain is constructed against.
type Set struct {
	BlockSize      int
	ReadSize       int
	WriteSize      int
	CompressOffset int
	FrameSize      int
	MTU            int
}

// Solve derives a Set from p, applying the size invariants below.
// It never returns a Set without also validating it; callers do not need to
// call Validate separately, but may (e.g. after a runtime override via
// `communicate`) to re-check consistency.
func Solve(p Params) (Set, error) {
	mtu := p.MTU
	if mtu <= 0 {
		mtu = 1500
	}
	blockHint := p.BlockSizeHint
	if blockHint <= 0 {
		blockHint = 1 << 20
	}

	readSize := chooseReadSize(p, blockHint)

	writeSize := readSize
	compressOffset := 0
	if p.Compress {
		ratio := p.CompressionRatio
		if ratio <= 1 {
			ratio = 2
		}
		compressOffset = p.HeaderSize
		body := readSize - compressOffset
		if body <= 0 {
			return Set{}, fmt.Errorf("constraint: header size %d leaves no room to compress within read_size %d", compressOffset, readSize)
		}
		writeSize = compressOffset + roundDown8(int(float64(body)/ratio))
		if writeSize <= compressOffset {
			return Set{}, fmt.Errorf("constraint: compression ratio %.2f leaves no payload within read_size %d", ratio, readSize)
		}
	}

	if p.Protocol.isDatagram() {
		cap := mtu - p.Protocol.overheadBytes()
		if cap <= 0 {
			return Set{}, fmt.Errorf("constraint: mtu %d too small for %s overhead", mtu, p.Protocol)
		}
		if writeSize > cap {
			if p.Compress {
				return Set{}, fmt.Errorf("constraint: compressed write_size %d exceeds %s payload budget %d for mtu %d", writeSize, p.Protocol, cap, mtu)
			}
			writeSize = roundDown8(cap)
			readSize = writeSize
		}
	}

	blockSize := lcm(readSize, writeSize)
	for blockSize < blockHint {
		blockSize += lcm(readSize, writeSize)
	}
	if p.FrameSize > 0 {
		for blockSize%p.FrameSize != 0 {
			blockSize += lcm(readSize, writeSize)
		}
	}

	s := Set{
		BlockSize:      blockSize,
		ReadSize:       readSize,
		WriteSize:      writeSize,
		CompressOffset: compressOffset,
		FrameSize:      p.FrameSize,
		MTU:            mtu,
	}
	if err := s.Validate(p); err != nil {
		return Set{}, err
	}
	return s, nil
}

// chooseReadSize picks the chunk size the first stage of the Chain produces.
// Without a FrameSize it is the nominal target. A FrameSize above the target
// gets its largest divisor not exceeding the target. A FrameSize at or below
// the target gets the target itself when FrameSize divides it, else
// FrameSize; in every case one of read_size and framesize divides the other,
// which is the compatibility Validate checks.
func chooseReadSize(p Params, blockHint int) int {
	target := 1 << 16 // 64 KiB nominal chunk
	if p.FrameSize > 0 {
		if p.FrameSize <= target {
			if target%p.FrameSize == 0 {
				return target
			}
			return p.FrameSize
		}
		return largestDivisorAtMost(p.FrameSize, target)
	}
	return target
}

func largestDivisorAtMost(n, max int) int {
	for d := max; d >= 1; d-- {
		if n%d == 0 {
			return d
		}
	}
	return 1
}

func roundDown8(n int) int {
	if n < 8 {
		return n
	}
	return n - n%8
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func lcm(a, b int) int {
	if a == 0 || b == 0 {
		return 1
	}
	return a / gcd(a, b) * b
}

// Validate checks s against the size invariants, given the
// original Params (needed for the protocol-specific MTU/TCP rules). It is
// a returned error rather than a panic, per this repo's convention of
// reserving panics for programmer errors only.
func (s Set) Validate(p Params) error {
	if s.ReadSize <= 0 || s.WriteSize <= 0 || s.BlockSize <= 0 {
		return fmt.Errorf("constraint: sizes must be positive: read=%d write=%d block=%d", s.ReadSize, s.WriteSize, s.BlockSize)
	}
	if s.BlockSize%s.ReadSize != 0 {
		return fmt.Errorf("constraint: read_size %d does not divide blocksize %d", s.ReadSize, s.BlockSize)
	}
	if s.BlockSize%s.WriteSize != 0 && !p.AllowVariableBlockSize {
		return fmt.Errorf("constraint: write_size %d does not divide blocksize %d (set AllowVariableBlockSize to permit a short terminal block)", s.WriteSize, s.BlockSize)
	}
	if s.FrameSize > 0 && s.FrameSize%s.ReadSize != 0 && s.ReadSize%s.FrameSize != 0 {
		return fmt.Errorf("constraint: read_size %d and framesize %d are not compatible (neither divides the other)", s.ReadSize, s.FrameSize)
	}
	if p.Protocol.isDatagram() {
		cap := s.MTU - p.Protocol.overheadBytes()
		if s.WriteSize > cap {
			return fmt.Errorf("constraint: write_size %d exceeds mtu %d minus %s overhead (%d)", s.WriteSize, s.MTU, p.Protocol, cap)
		}
	}
	if p.Protocol == ProtocolTCP && !(s.ReadSize == s.WriteSize && s.WriteSize == s.BlockSize) {
		// Acceptable but not required: TCP is a byte stream so any
		// read/write chunking that still divides blocksize works. Only flag
		// the degenerate case where chunking would force a zero-length copy.
		if s.ReadSize == 0 || s.WriteSize == 0 {
			return fmt.Errorf("constraint: tcp requires nonzero read/write sizes")
		}
	}
	return nil
}
