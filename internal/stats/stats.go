// Package stats is the per-stage statistics registry backing the `tstat?`/
// `tstat=` VSI/S queries and the udps reader's packet counters. Counters
// accumulate lock-free and live in a registry of named per-step entries
// rather than one fixed device-wide struct, since a Chain's stages are
// dynamic; each counter is append-only from the owning stage's own thread.
package stats

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Counter is a single named append-only byte counter plus packet counters,
// written only by the stage that owns it and read by the supervisor's
// tstat handling and (enrichment) the Prometheus exporter.
type Counter struct {
	name    string
	bytes   atomic.Uint64
	packets atomic.Uint64
}

// Name returns the counter's step name, e.g. "disk_reader" or "udps_sink".
func (c *Counter) Name() string { return c.name }

// AddBytes accumulates n bytes moved through this stage.
func (c *Counter) AddBytes(n uint64) { c.bytes.Add(n) }

// AddPackets accumulates n discrete units (frames, datagrams) through this
// stage, independent of byte count.
func (c *Counter) AddPackets(n uint64) { c.packets.Add(n) }

// Bytes reports the cumulative byte count.
func (c *Counter) Bytes() uint64 { return c.bytes.Load() }

// Packets reports the cumulative packet count.
func (c *Counter) Packets() uint64 { return c.packets.Load() }

// Registry holds one Counter per Chain step name, plus the udps-specific
// packet-loss/reorder counters, and answers
// the elapsed-time bookkeeping `tstat?` needs to turn raw counters into
// rates.
type Registry struct {
	mu        sync.Mutex
	counters  map[string]*Counter
	lastCall  time.Time
	lastBytes map[string]uint64

	PktIn   atomic.Uint64
	PktLost atomic.Uint64
	PktOOO  atomic.Uint64
	PktDisc atomic.Uint64

	FIFOHighWaterSkipped atomic.Uint64 // bytes dropped by the fifo writer's high-water gate
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		counters:  make(map[string]*Counter),
		lastCall:  time.Now(),
		lastBytes: make(map[string]uint64),
	}
}

// Step returns the Counter for name, creating it on first use.
func (r *Registry) Step(name string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.counters[name]
	if !ok {
		c = &Counter{name: name}
		r.counters[name] = c
	}
	return c
}

// StepNames returns every registered step name in a stable (sorted) order,
// for deterministic `tstat?` replies.
func (r *Registry) StepNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.counters))
	for n := range r.counters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// RateSnapshot is one step's average throughput since the registry's last
// RatesSinceLastCall call, in bits per second.
type RateSnapshot struct {
	Name          string
	BitsPerSecond float64
}

// RatesSinceLastCall computes each step's byte-rate since the previous call
// to this method (or since NewRegistry, for the first call), resetting the
// elapsed-time clock. This matches the description of `tstat?`:
// "returns elapsed seconds since last call... then pairs stepname :
// rate-in-bps."
func (r *Registry) RatesSinceLastCall() (elapsed time.Duration, rates []RateSnapshot) {
	r.mu.Lock()
	now := time.Now()
	elapsed = now.Sub(r.lastCall)
	r.lastCall = now
	counters := make([]*Counter, 0, len(r.counters))
	for _, c := range r.counters {
		counters = append(counters, c)
	}
	sort.Slice(counters, func(i, j int) bool { return counters[i].name < counters[j].name })

	secs := elapsed.Seconds()
	for _, c := range counters {
		cur := c.Bytes()
		delta := cur - r.lastBytes[c.name]
		r.lastBytes[c.name] = cur
		var bps float64
		if secs > 0 {
			bps = float64(delta) * 8 / secs
		}
		rates = append(rates, RateSnapshot{Name: c.Name(), BitsPerSecond: bps})
	}
	r.mu.Unlock()
	return elapsed, rates
}

// RawSnapshot is the commanded form (`tstat=`):
// "returns raw counters and a UNIX timestamp; the caller computes rates."
type RawSnapshot struct {
	UnixTime                        int64
	Bytes                           map[string]uint64
	Packets                         map[string]uint64
	PktIn, PktLost, PktOOO, PktDisc uint64
}

// Raw returns the current raw counter values without resetting the elapsed
// timer RatesSinceLastCall uses.
func (r *Registry) Raw() RawSnapshot {
	r.mu.Lock()
	counters := make([]*Counter, 0, len(r.counters))
	for _, c := range r.counters {
		counters = append(counters, c)
	}
	r.mu.Unlock()

	snap := RawSnapshot{
		UnixTime: time.Now().Unix(),
		Bytes:    make(map[string]uint64, len(counters)),
		Packets:  make(map[string]uint64, len(counters)),
		PktIn:    r.PktIn.Load(),
		PktLost:  r.PktLost.Load(),
		PktOOO:   r.PktOOO.Load(),
		PktDisc:  r.PktDisc.Load(),
	}
	for _, c := range counters {
		snap.Bytes[c.Name()] = c.Bytes()
		snap.Packets[c.Name()] = c.Packets()
	}
	return snap
}
