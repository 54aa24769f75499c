// Package arena provides the dedicated node storage behind a concurrent stack.
//
// Nodes are addressed by stable uint32 indices instead of pointers. Index 0
// is reserved as "none". Storage is a fixed table of chunks published through
// atomic pointers, so resolving an index never takes a lock; the mutex only
// guards publishing a new chunk. Freed indices go onto a lock-free free list
// whose head carries a stamp to rule out ABA on the free list itself. An
// arena never hands out an index that has not been explicitly freed, which
// is what lets hazard protection on indices stand in for protection on
// addresses.
package arena

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"sync"
	"sync/atomic"

	hperrors "github.com/23skdu/hazardstack/internal/errors"
	"github.com/23skdu/hazardstack/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultChunkSize = 1024
	DefaultMaxNodes  = 1 << 24

	// MaxNodes is the largest usable node count; index 0 is reserved.
	MaxNodes = math.MaxUint32 - 1
)

var (
	ErrExhausted         = errors.New("node arena exhausted")
	ErrIllegalTransition = errors.New("illegal node state transition")
	ErrInvalidIndex      = errors.New("invalid node index")
)

// Config sizes an arena.
type Config struct {
	// ChunkSize is the number of nodes per chunk; must be a power of two.
	ChunkSize int
	// MaxNodes caps the number of simultaneously allocated nodes.
	MaxNodes int
}

func DefaultConfig() Config {
	return Config{
		ChunkSize: DefaultChunkSize,
		MaxNodes:  DefaultMaxNodes,
	}
}

func (c Config) Validate() error {
	if c.ChunkSize <= 0 || c.ChunkSize&(c.ChunkSize-1) != 0 {
		return hperrors.NewConfigurationError("arena_config", "chunk size must be a positive power of two").
			WithContext("chunk_size", c.ChunkSize)
	}
	if c.MaxNodes <= 0 || uint64(c.MaxNodes) > MaxNodes {
		return hperrors.NewConfigurationError("arena_config", fmt.Sprintf("max nodes must be in [1, %d]", uint64(MaxNodes))).
			WithContext("max_nodes", c.MaxNodes)
	}
	return nil
}

// Arena stores nodes of a single value type for a single owner.
type Arena[T any] struct {
	domain uint32

	chunkShift uint32
	chunkMask  uint32
	chunkSize  int
	maxNodes   uint32

	chunks []atomic.Pointer[[]Node[T]]
	mu     sync.Mutex // protects publishing new chunks

	// hwm is the highest index ever handed out from fresh storage.
	hwm atomic.Uint32
	// free is the free list head: stamp<<32 | index.
	free atomic.Uint64

	live    atomic.Int64
	freeLen atomic.Int64
	nchunks atomic.Int64
	poison  func(*T)
	liveG   prometheus.Gauge
	freeG   prometheus.Gauge
}

// Option configures an arena.
type Option[T any] func(*Arena[T])

// WithPoison sets the function applied to a node's value when it is freed.
// Without it the value is reset to the zero value so the arena does not pin
// garbage.
func WithPoison[T any](fn func(*T)) Option[T] {
	return func(a *Arena[T]) {
		a.poison = fn
	}
}

// New builds an arena for the given domain. The chunk table is sized up
// front; chunks themselves are allocated on demand.
func New[T any](domain uint32, cfg Config, opts ...Option[T]) (*Arena[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// +1 because index 0 is reserved and still lives in chunk 0.
	numChunks := (cfg.MaxNodes + cfg.ChunkSize) / cfg.ChunkSize

	a := &Arena[T]{
		domain:     domain,
		chunkShift: uint32(bits.TrailingZeros(uint(cfg.ChunkSize))),
		chunkMask:  uint32(cfg.ChunkSize - 1),
		chunkSize:  cfg.ChunkSize,
		maxNodes:   uint32(cfg.MaxNodes),
		chunks:     make([]atomic.Pointer[[]Node[T]], numChunks),
		liveG:      metrics.ArenaNodes.WithLabelValues("live"),
		freeG:      metrics.ArenaNodes.WithLabelValues("free"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Domain returns the id the arena's node Refs are tagged with.
func (a *Arena[T]) Domain() uint32 { return a.domain }

// Alloc takes a free index, stores value in it and returns the index with
// the node in StateAllocated, exclusively owned by the caller.
func (a *Arena[T]) Alloc(value T) (uint32, error) {
	idx, ok := a.popFree()
	if !ok {
		var err error
		idx, err = a.grow()
		if err != nil {
			return 0, err
		}
	}

	n := a.Node(idx)
	if !n.state.CompareAndSwap(uint32(StateFreed), uint32(StateAllocated)) {
		a.illegal(StateAllocated)
		return 0, hperrors.WrapStateError(ErrIllegalTransition, "alloc",
			fmt.Sprintf("node %d is %s, want %s", idx, n.State(), StateFreed))
	}
	n.value = value
	n.next.Store(0)

	a.live.Add(1)
	a.liveG.Add(1)
	return idx, nil
}

// Free returns a retired node to the free list. The value is poisoned or
// zeroed before the index becomes reusable.
func (a *Arena[T]) Free(idx uint32) error {
	n := a.lookup(idx)
	if n == nil {
		return hperrors.WrapStateError(ErrInvalidIndex, "free", fmt.Sprintf("index %d", idx))
	}
	if !n.state.CompareAndSwap(uint32(StateRetired), uint32(StateFreed)) {
		a.illegal(StateFreed)
		return hperrors.WrapStateError(ErrIllegalTransition, "free",
			fmt.Sprintf("node %d is %s, want %s", idx, n.State(), StateRetired))
	}

	if a.poison != nil {
		a.poison(&n.value)
	} else {
		var zero T
		n.value = zero
	}

	a.live.Add(-1)
	a.liveG.Add(-1)
	a.pushFree(idx)
	return nil
}

// Transition moves node idx from one state to another, failing if the node
// is not currently in from.
func (a *Arena[T]) Transition(idx uint32, from, to State) error {
	n := a.lookup(idx)
	if n == nil {
		return hperrors.WrapStateError(ErrInvalidIndex, "transition", fmt.Sprintf("index %d", idx))
	}
	if !n.state.CompareAndSwap(uint32(from), uint32(to)) {
		a.illegal(to)
		return hperrors.WrapStateError(ErrIllegalTransition, "transition",
			fmt.Sprintf("node %d is %s, want %s before %s", idx, n.State(), from, to))
	}
	return nil
}

func (a *Arena[T]) illegal(to State) {
	metrics.ArenaIllegalTransitionsTotal.WithLabelValues(to.String()).Inc()
}

// Node resolves an index without locking. The index must have been handed
// out by Alloc.
func (a *Arena[T]) Node(idx uint32) *Node[T] {
	chunk := a.chunks[idx>>a.chunkShift].Load()
	return &(*chunk)[idx&a.chunkMask]
}

// lookup is Node with bounds and publication checks.
func (a *Arena[T]) lookup(idx uint32) *Node[T] {
	if idx == 0 || idx > a.hwm.Load() {
		return nil
	}
	c := int(idx >> a.chunkShift)
	if c >= len(a.chunks) {
		return nil
	}
	chunk := a.chunks[c].Load()
	if chunk == nil {
		return nil
	}
	return &(*chunk)[idx&a.chunkMask]
}

// grow hands out the next never-used index, publishing its chunk first if
// needed.
func (a *Arena[T]) grow() (uint32, error) {
	for {
		cur := a.hwm.Load()
		// Every index has been handed out and the free list was empty.
		if cur >= a.maxNodes {
			metrics.ArenaExhaustedTotal.Inc()
			return 0, hperrors.WrapAllocationError(ErrExhausted, "alloc",
				fmt.Sprintf("all %d nodes are in use", a.maxNodes)).
				WithContext("domain", a.domain)
		}
		idx := cur + 1
		a.ensureChunk(idx >> a.chunkShift)
		if a.hwm.CompareAndSwap(cur, idx) {
			return idx, nil
		}
	}
}

func (a *Arena[T]) ensureChunk(c uint32) {
	if a.chunks[c].Load() != nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.chunks[c].Load() != nil {
		return
	}
	chunk := make([]Node[T], a.chunkSize)
	a.chunks[c].Store(&chunk)
	a.nchunks.Add(1)
	metrics.ArenaChunksTotal.Inc()
}

func (a *Arena[T]) pushFree(idx uint32) {
	n := a.Node(idx)
	for {
		old := a.free.Load()
		n.next.Store(uint32(old))
		tag := (old>>32+1)<<32 | uint64(idx)
		if a.free.CompareAndSwap(old, tag) {
			a.freeLen.Add(1)
			a.freeG.Add(1)
			return
		}
	}
}

func (a *Arena[T]) popFree() (uint32, bool) {
	for {
		old := a.free.Load()
		idx := uint32(old)
		if idx == 0 {
			return 0, false
		}
		next := a.Node(idx).next.Load()
		tag := (old>>32+1)<<32 | uint64(next)
		if a.free.CompareAndSwap(old, tag) {
			a.freeLen.Add(-1)
			a.freeG.Add(-1)
			return idx, true
		}
	}
}

// Stats is a point-in-time view of an arena.
type Stats struct {
	Live     int64
	Free     int64
	Chunks   int64
	HighMark uint32
	MaxNodes uint32
}

func (a *Arena[T]) Stats() Stats {
	return Stats{
		Live:     a.live.Load(),
		Free:     a.freeLen.Load(),
		Chunks:   a.nchunks.Load(),
		HighMark: a.hwm.Load(),
		MaxNodes: a.maxNodes,
	}
}

// Live returns the number of allocated, not yet freed nodes.
func (a *Arena[T]) Live() int64 { return a.live.Load() }
