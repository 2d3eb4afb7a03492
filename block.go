package mark5xfer

import (
	"sync"
	"sync/atomic"
)

// Block is a refcounted view into a buffer owned by a Blockpool. A Block
// travels down a Chain by value (copied as a small struct); the underlying
// byte slice is shared, never copied, between stages. The producer that
// creates a Block via Blockpool.Get owns the initial reference; every stage
// that retains a Block past the point its Queue.Pop returns it must call
// AddRef, and every stage must call Release exactly once when it is done
// with a Block, whether or not it forwarded it downstream.
type Block struct {
	buf    []byte
	seq    uint64 // monotonic allocation sequence, for diagnostics/ordering checks
	pool   *Blockpool
	bucket *bucket // the specific bucket this buffer must return to
	ref    *int32
}

// Bytes returns the block's backing slice, length-bounded to what was
// requested at allocation time (not the pool bucket's full capacity).
func (b Block) Bytes() []byte { return b.buf }

// Len returns len(b.Bytes()).
func (b Block) Len() int { return len(b.buf) }

// Seq returns the block's allocation sequence number.
func (b Block) Seq() uint64 { return b.seq }

// Sub returns a Block sharing the same backing allocation, viewing
// b.Bytes()[offset:offset+length]. It increments the shared reference count
// rather than allocating.
// The caller must Release the returned Block independently of b.
func (b Block) Sub(offset, length int) Block {
	if b.ref != nil {
		atomic.AddInt32(b.ref, 1)
	}
	return Block{
		buf:    b.buf[offset : offset+length],
		seq:    b.seq,
		pool:   b.pool,
		bucket: b.bucket,
		ref:    b.ref,
	}
}

// AddRef increments the block's reference count. Call this before handing
// the same Block to more than one downstream consumer (e.g. a multi-
// destination sink fanning out to N writers).
func (b Block) AddRef() {
	if b.ref != nil {
		atomic.AddInt32(b.ref, 1)
	}
}

// Release decrements the block's reference count, returning the backing
// buffer to its Blockpool once the count reaches zero. Calling Release more
// times than AddRef (plus the implicit initial reference) is a programming
// error and will double-free the slab; callers must pair every retained
// reference with exactly one Release.
func (b Block) Release() {
	if b.ref == nil {
		return
	}
	if atomic.AddInt32(b.ref, -1) == 0 {
		b.pool.put(b.bucket, b.buf)
	}
}

// bucket is one size class of recycled buffers, tagged with the generation
// it belongs to so a Reset can retire it without racing in-flight Releases.
type bucket struct {
	size       int
	generation uint64
	mu         sync.Mutex
	free       [][]byte
}

// Blockpool is a generation-tagged slab allocator. Buffers are bucketed by
// size class (the nearest power-of-two at or above the requested size, with
// a floor) and recycled once every Block referencing them is Released.
// Buffers allocated before a Reset (a new "generation") are never handed
// back out by a later generation, preventing a slow, still-in-flight Block
// from a previous transfer from being silently reused by the next one.
type Blockpool struct {
	mu         sync.Mutex
	buckets    map[int]*bucket
	generation uint64
	nextSeq    uint64
}

// NewBlockpool constructs an empty Blockpool.
func NewBlockpool() *Blockpool {
	return &Blockpool{buckets: make(map[int]*bucket)}
}

func bucketSize(n int) int {
	size := 4096
	for size < n {
		size <<= 1
	}
	return size
}

// Get returns a Block of at least n bytes with a single reference held by
// the caller. The returned slice is NOT zeroed; stages that require zeroed
// memory (e.g. the udps reader's zeroeing top half padding past a short
// read) must zero it themselves.
func (p *Blockpool) Get(n int) Block {
	bs := bucketSize(n)

	p.mu.Lock()
	b, ok := p.buckets[bs]
	if !ok {
		b = &bucket{size: bs, generation: p.generation}
		p.buckets[bs] = b
	}
	p.nextSeq++
	seq := p.nextSeq
	p.mu.Unlock()

	b.mu.Lock()
	var buf []byte
	if len(b.free) > 0 {
		last := len(b.free) - 1
		buf = b.free[last]
		b.free = b.free[:last]
	}
	b.mu.Unlock()

	if buf == nil {
		buf = make([]byte, bs)
	}

	ref := int32(1)
	return Block{
		buf:    buf[:n],
		seq:    seq,
		pool:   p,
		bucket: b,
		ref:    &ref,
	}
}

// put returns buf to its bucket unless that bucket belongs to a generation
// the pool has since moved past (via Reset), in which case the buffer is
// dropped rather than recycled into the new generation's working set.
func (p *Blockpool) put(b *bucket, buf []byte) {
	p.mu.Lock()
	current := p.generation
	p.mu.Unlock()

	if b.generation != current {
		return
	}

	b.mu.Lock()
	b.free = append(b.free, buf[:cap(buf)])
	b.mu.Unlock()
}

// Reset advances the pool to a new generation. Buffers already checked out
// are still valid for their current holders and will be silently dropped
// (not recycled) on their final Release rather than being returned to the
// new generation's free lists. Use this between transfers so a stage that
// is slow to unwind from the previous transfer can't hand a stale buffer
// into the next one's working set.
func (p *Blockpool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.generation++
	p.buckets = make(map[int]*bucket)
}

// Generation reports the pool's current generation counter.
func (p *Blockpool) Generation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generation
}
