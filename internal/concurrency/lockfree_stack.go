package concurrency

import (
	"sync/atomic"

	"github.com/23skdu/hazardstack/internal/arena"
	hperrors "github.com/23skdu/hazardstack/internal/errors"
	"github.com/23skdu/hazardstack/internal/hazard"
	"github.com/23skdu/hazardstack/internal/metrics"
	"github.com/rs/zerolog"
)

var (
	popHits        = metrics.StackPopTotal.WithLabelValues("hit")
	popEmpty       = metrics.StackPopTotal.WithLabelValues("empty")
	pushCASRetries = metrics.CASRetriesTotal.WithLabelValues("push")
	popCASRetries  = metrics.CASRetriesTotal.WithLabelValues("pop")
)

// ConcurrentStack is an unbounded lock-free LIFO stack. Nodes live in a
// dedicated arena and are addressed by index; popped nodes are retired
// through the caller's hazard handle and only freed once no hazard slot
// holds them.
type ConcurrentStack[T any] struct {
	head   atomic.Uint32
	length atomic.Int64

	mgr    *hazard.Manager
	arena  *arena.Arena[T]
	domain uint32
	logger zerolog.Logger
}

type stackOptions[T any] struct {
	arenaOpts []arena.Option[T]
	logger    zerolog.Logger
}

// Option configures a ConcurrentStack.
type Option[T any] func(*stackOptions[T])

// WithPoison applies fn to every node value as it is freed.
func WithPoison[T any](fn func(*T)) Option[T] {
	return func(o *stackOptions[T]) {
		o.arenaOpts = append(o.arenaOpts, arena.WithPoison(fn))
	}
}

// WithLogger sets the stack's logger.
func WithLogger[T any](logger zerolog.Logger) Option[T] {
	return func(o *stackOptions[T]) {
		o.logger = logger
	}
}

// NewConcurrentStack creates an empty stack whose nodes are protected
// through mgr.
func NewConcurrentStack[T any](mgr *hazard.Manager, cfg arena.Config, opts ...Option[T]) (*ConcurrentStack[T], error) {
	if mgr == nil {
		return nil, hperrors.NewConfigurationError("new_stack", "hazard manager is required")
	}

	o := stackOptions[T]{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	domain, err := mgr.RegisterDomain()
	if err != nil {
		return nil, err
	}
	a, err := arena.New[T](domain, cfg, o.arenaOpts...)
	if err != nil {
		return nil, err
	}

	s := &ConcurrentStack[T]{
		mgr:    mgr,
		arena:  a,
		domain: domain,
		logger: o.logger.With().Str("component", "stack").Uint32("domain", domain).Logger(),
	}
	s.logger.Debug().
		Int("chunk_size", cfg.ChunkSize).
		Int("max_nodes", cfg.MaxNodes).
		Msg("concurrent stack created")
	return s, nil
}

// Push links value on top of the stack. It only fails when the node arena
// is exhausted, in which case nothing has been linked.
func (s *ConcurrentStack[T]) Push(value T) error {
	idx, err := s.arena.Alloc(value)
	if err != nil {
		metrics.StackPushErrorsTotal.Inc()
		return hperrors.WrapAllocationError(err, "push", "failed to allocate stack node").
			WithContext("domain", s.domain)
	}
	s.mustTransition(idx, arena.StateAllocated, arena.StateLinked)

	n := s.arena.Node(idx)
	for retries := 0; ; retries++ {
		head := s.head.Load()
		n.SetNext(head)
		if s.head.CompareAndSwap(head, idx) {
			s.length.Add(1)
			metrics.StackPushTotal.Inc()
			if retries > 0 {
				pushCASRetries.Add(float64(retries))
			}
			return nil
		}
	}
}

// Pop removes and returns the top value. The second result is false when
// the stack was observed empty. h must be an open handle from the stack's
// manager and must not be used concurrently by another goroutine.
func (s *ConcurrentStack[T]) Pop(h *hazard.Handle) (T, bool) {
	s.checkHandle(h)

	var zero T
	for retries := 0; ; retries++ {
		head := s.head.Load()
		if head == 0 {
			h.Clear()
			popEmpty.Inc()
			return zero, false
		}

		ref := hazard.MakeRef(s.domain, head)
		h.Protect(ref)
		if s.head.Load() != head {
			// head moved before the protection was known to be visible
			metrics.StaleProtectionsTotal.Inc()
			continue
		}

		n := s.arena.Node(head)
		next := n.Next()
		value := n.Value()

		if !s.head.CompareAndSwap(head, next) {
			continue
		}

		h.Clear()
		s.mustTransition(head, arena.StateLinked, arena.StateUnlinked)
		s.mustTransition(head, arena.StateUnlinked, arena.StateRetired)
		h.Retire(ref, s)

		s.length.Add(-1)
		popHits.Inc()
		if retries > 0 {
			popCASRetries.Add(float64(retries))
		}
		return value, true
	}
}

// Reclaim frees a retired node of this stack. It is invoked by hazard scans.
func (s *ConcurrentStack[T]) Reclaim(ref hazard.Ref) {
	if ref.Domain() != s.domain {
		panic(hperrors.NewStateError("reclaim", "ref belongs to another stack").
			WithContext("ref", ref.String()).
			WithContext("domain", s.domain))
	}
	if err := s.arena.Free(ref.Index()); err != nil {
		panic(err)
	}
}

// Len returns the number of values on the stack. It is exact only while no
// push or pop is in flight.
func (s *ConcurrentStack[T]) Len() int {
	return int(s.length.Load())
}

func (s *ConcurrentStack[T]) IsEmpty() bool {
	return s.head.Load() == 0
}

// Domain returns the hazard domain the stack's nodes are tagged with.
func (s *ConcurrentStack[T]) Domain() uint32 { return s.domain }

// Manager returns the hazard manager protecting the stack's nodes.
func (s *ConcurrentStack[T]) Manager() *hazard.Manager { return s.mgr }

// Arena exposes the node arena for instrumentation.
func (s *ConcurrentStack[T]) Arena() *arena.Arena[T] { return s.arena }

func (s *ConcurrentStack[T]) checkHandle(h *hazard.Handle) {
	switch {
	case h == nil:
		panic(hperrors.NewStateError("pop", "nil hazard handle"))
	case h.Closed():
		panic(hperrors.WrapStateError(hazard.ErrHandleClosed, "pop", "pop with a closed hazard handle"))
	case h.Manager() != s.mgr:
		panic(hperrors.NewStateError("pop", "hazard handle belongs to another manager"))
	}
}

// mustTransition enforces the node lifecycle. A failure means a node was
// linked or popped twice, which the algorithm rules out.
func (s *ConcurrentStack[T]) mustTransition(idx uint32, from, to arena.State) {
	if err := s.arena.Transition(idx, from, to); err != nil {
		s.logger.Error().Err(err).Uint32("index", idx).Msg("node lifecycle violated")
		panic(err)
	}
}
