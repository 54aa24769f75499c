// Package hazard implements hazard-pointer based safe memory reclamation.
//
// A Manager owns a fixed table of hazard slots. Each participating goroutine
// acquires a Handle once; the Handle caches its slot and keeps a private
// retire list. Before dereferencing a shared node a participant publishes the
// node's Ref with Protect, and a node that has been unlinked is handed to
// Retire instead of being freed. When a retire list reaches the configured
// threshold its owner snapshots every slot and reclaims only those entries no
// slot holds. The table never grows, shrinks or compacts.
package hazard

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	hperrors "github.com/23skdu/hazardstack/internal/errors"
	"github.com/23skdu/hazardstack/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	DefaultMaxSlots        = 128
	DefaultRetireThreshold = 64
)

var (
	ErrCapacityExceeded = errors.New("hazard slot table is full")
	ErrHandleClosed     = errors.New("hazard handle is closed")
	ErrDomainsExhausted = errors.New("hazard domain ids exhausted")
)

// Config holds the only two tunables of the reclamation scheme.
type Config struct {
	// MaxSlots is the fixed number of hazard slots, i.e. the maximum number
	// of concurrently registered participants.
	MaxSlots int
	// RetireThreshold is the retire list length that triggers a scan.
	RetireThreshold int
}

// DefaultConfig returns 128 slots and a retire threshold of 64.
func DefaultConfig() Config {
	return Config{
		MaxSlots:        DefaultMaxSlots,
		RetireThreshold: DefaultRetireThreshold,
	}
}

// Validate reports whether the configuration can build a manager.
func (c Config) Validate() error {
	if c.MaxSlots <= 0 {
		return hperrors.NewConfigurationError("hazard_config", "max slots must be positive").
			WithContext("max_slots", c.MaxSlots)
	}
	if c.RetireThreshold <= 0 {
		return hperrors.NewConfigurationError("hazard_config", "retire threshold must be positive").
			WithContext("retire_threshold", c.RetireThreshold)
	}
	return nil
}

// slot is one hazard table entry. Padded so owners publishing protections do
// not false-share with neighbouring slots.
type slot struct {
	ptr  atomic.Uint64
	used atomic.Bool
	_    [48]byte
}

// ReclaimHook observes every reclamation decision just before the deleter
// runs. inSnapshot reports whether the scan's hazard snapshot contained ref.
type ReclaimHook func(ref Ref, inSnapshot bool)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used for slot lifecycle events.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger.With().Str("component", "hazard").Logger()
	}
}

// WithReclaimHook installs an instrumentation hook on the reclaim path.
func WithReclaimHook(hook ReclaimHook) Option {
	return func(m *Manager) {
		m.hook = hook
	}
}

// Manager owns the hazard slot table.
type Manager struct {
	cfg   Config
	slots []slot

	mu      sync.Mutex // slot acquisition/release and the orphan list
	orphans []retired

	inUse       atomic.Int32
	orphanCount atomic.Int64
	reclaimed   atomic.Uint64
	domains     atomic.Uint32

	logger zerolog.Logger
	hook   ReclaimHook
}

// NewManager builds a manager with a zeroed, fixed-size slot table.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:    cfg,
		slots:  make([]slot, cfg.MaxSlots),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

var (
	defaultOnce    sync.Once
	defaultManager *Manager
)

// Default returns the process-wide manager, built with DefaultConfig on
// first use. It is never torn down.
func Default() *Manager {
	defaultOnce.Do(func() {
		m, err := NewManager(DefaultConfig())
		if err != nil {
			panic(err)
		}
		defaultManager = m
	})
	return defaultManager
}

// Config returns the manager's configuration.
func (m *Manager) Config() Config { return m.cfg }

// RegisterDomain hands out a fresh non-zero domain id. Every arena whose
// nodes are protected through this manager needs its own domain so Refs
// from different arenas never compare equal.
func (m *Manager) RegisterDomain() (uint32, error) {
	for {
		cur := m.domains.Load()
		if cur == math.MaxUint32 {
			return 0, hperrors.WrapCapacityError(ErrDomainsExhausted, "register_domain", "no domain ids left")
		}
		if m.domains.CompareAndSwap(cur, cur+1) {
			return cur + 1, nil
		}
	}
}

// Acquire assigns a free hazard slot to the caller and returns the Handle
// that owns it. It is the single blocking point of the scheme and is meant
// to be called once per participant lifetime. When every slot is owned it
// fails with an error wrapping ErrCapacityExceeded.
func (m *Manager) Acquire() (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.slots {
		s := &m.slots[i]
		if s.used.Load() {
			continue
		}
		s.used.Store(true)
		s.ptr.Store(0)
		m.inUse.Add(1)
		metrics.HazardSlotsInUse.Inc()

		m.logger.Debug().Int("slot", i).Int32("in_use", m.inUse.Load()).Msg("hazard slot acquired")

		return &Handle{
			m:       m,
			slot:    s,
			index:   i,
			retired: make([]retired, 0, m.cfg.RetireThreshold),
			snap:    make(map[Ref]struct{}, len(m.slots)),
		}, nil
	}

	metrics.HazardSlotExhaustedTotal.Inc()
	m.logger.Warn().Int("capacity", len(m.slots)).Msg("hazard slot table exhausted")

	return nil, hperrors.WrapCapacityError(ErrCapacityExceeded, "acquire_slot",
		fmt.Sprintf("all %d hazard slots are in use", len(m.slots))).
		WithContext("capacity", len(m.slots))
}

// release returns a closed handle's slot to the free pool.
func (m *Manager) release(h *Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h.slot.ptr.Store(0)
	h.slot.used.Store(false)
	m.inUse.Add(-1)
	metrics.HazardSlotsInUse.Dec()
}

// orphan takes ownership of retired entries a closing handle could not free.
func (m *Manager) orphan(entries []retired) {
	if len(entries) == 0 {
		return
	}
	m.mu.Lock()
	m.orphans = append(m.orphans, entries...)
	m.mu.Unlock()

	m.orphanCount.Add(int64(len(entries)))
	metrics.OrphanedNodes.Add(float64(len(entries)))
}

// adopt moves every orphan into dst. The lock is only taken when the atomic
// counter says there is something to take.
func (m *Manager) adopt(dst []retired) []retired {
	if m.orphanCount.Load() == 0 {
		return dst
	}

	m.mu.Lock()
	taken := m.orphans
	m.orphans = nil
	m.mu.Unlock()

	if len(taken) == 0 {
		return dst
	}
	m.orphanCount.Add(-int64(len(taken)))
	metrics.OrphanedNodes.Sub(float64(len(taken)))
	return append(dst, taken...)
}

// snapshot fills into with every non-null Ref currently published.
func (m *Manager) snapshot(into map[Ref]struct{}) {
	clear(into)
	for i := range m.slots {
		if p := Ref(m.slots[i].ptr.Load()); !p.IsNil() {
			into[p] = struct{}{}
		}
	}
}

// IsProtected reports whether any slot currently publishes ref.
func (m *Manager) IsProtected(ref Ref) bool {
	if ref.IsNil() {
		return false
	}
	for i := range m.slots {
		if Ref(m.slots[i].ptr.Load()) == ref {
			return true
		}
	}
	return false
}

// Stats is a point-in-time view of a manager.
type Stats struct {
	Capacity        int
	InUse           int
	RetireThreshold int
	Orphaned        int
	Reclaimed       uint64
}

func (m *Manager) Stats() Stats {
	return Stats{
		Capacity:        len(m.slots),
		InUse:           int(m.inUse.Load()),
		RetireThreshold: m.cfg.RetireThreshold,
		Orphaned:        int(m.orphanCount.Load()),
		Reclaimed:       m.reclaimed.Load(),
	}
}
