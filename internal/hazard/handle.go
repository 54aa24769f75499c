package hazard

import (
	"context"
	"runtime"
	"time"

	hperrors "github.com/23skdu/hazardstack/internal/errors"
	"github.com/23skdu/hazardstack/internal/metrics"
)

type retired struct {
	ref Ref
	r   Reclaimer
}

// Handle is a participant's thread context: the slot it owns and the
// entries it has retired but not yet reclaimed. A Handle must be used by one
// goroutine at a time; it keeps its slot until Close.
type Handle struct {
	m       *Manager
	slot    *slot
	index   int
	retired []retired
	snap    map[Ref]struct{}
	closed  bool
}

// Manager returns the manager that owns the handle's slot.
func (h *Handle) Manager() *Manager { return h.m }

// Slot returns the index of the owned hazard slot.
func (h *Handle) Slot() int { return h.index }

// Closed reports whether Close has been called.
func (h *Handle) Closed() bool { return h.closed }

// Protect publishes ref in the handle's slot. The caller must re-validate
// that ref is still reachable before dereferencing it.
func (h *Handle) Protect(ref Ref) {
	h.slot.ptr.Store(uint64(ref))
}

// Clear withdraws the current protection.
func (h *Handle) Clear() {
	h.slot.ptr.Store(0)
}

// Protected returns the Ref currently published by this handle.
func (h *Handle) Protected() Ref {
	return Ref(h.slot.ptr.Load())
}

// Pending returns the number of retired entries awaiting reclamation.
func (h *Handle) Pending() int { return len(h.retired) }

// Retire defers reclamation of an unlinked node. Once the private list
// reaches the retire threshold a scan runs over this handle's list only.
func (h *Handle) Retire(ref Ref, r Reclaimer) {
	if h.closed {
		panic(hperrors.WrapStateError(ErrHandleClosed, "retire", "retire on a closed handle"))
	}

	h.retired = append(h.retired, retired{ref: ref, r: r})
	metrics.RetiredNodes.Inc()

	if len(h.retired) >= h.m.cfg.RetireThreshold {
		metrics.ReclaimScansTotal.WithLabelValues("threshold").Inc()
		h.scan()
	}
}

// scan snapshots the hazard table and partitions the retire list: entries
// present in the snapshot are kept for the next scan, the rest are handed to
// their reclaimer. A protection published after the snapshot is not seen,
// which is safe because the protecting reader re-validates the head and
// retries instead of dereferencing.
func (h *Handle) scan() int {
	start := time.Now()

	h.retired = h.m.adopt(h.retired)
	h.m.snapshot(h.snap)

	n := len(h.retired)
	kept := h.retired[:0]
	freed := 0
	for _, e := range h.retired {
		_, held := h.snap[e.ref]
		if held {
			kept = append(kept, e)
			continue
		}
		if h.m.hook != nil {
			h.m.hook(e.ref, held)
		}
		e.r.Reclaim(e.ref)
		freed++
	}
	for i := len(kept); i < n; i++ {
		h.retired[i] = retired{}
	}
	h.retired = kept

	h.m.reclaimed.Add(uint64(freed))
	metrics.ReclaimedNodesTotal.Add(float64(freed))
	metrics.ReclaimKeptTotal.Add(float64(len(kept)))
	metrics.RetiredNodes.Sub(float64(freed))
	metrics.ReclaimScanDuration.Observe(time.Since(start).Seconds())

	return freed
}

// Reclaim runs one scan regardless of the threshold and returns the number
// of entries freed.
func (h *Handle) Reclaim() int {
	if h.closed {
		return 0
	}
	metrics.ReclaimScansTotal.WithLabelValues("manual").Inc()
	return h.scan()
}

// Drain scans repeatedly, yielding between passes, until the retire list is
// empty or ctx is done. It returns the number of entries still pending.
func (h *Handle) Drain(ctx context.Context) (int, error) {
	if h.closed {
		return 0, hperrors.WrapStateError(ErrHandleClosed, "drain", "drain on a closed handle")
	}

	for {
		metrics.ReclaimScansTotal.WithLabelValues("drain").Inc()
		h.scan()
		if len(h.retired) == 0 {
			return 0, nil
		}

		select {
		case <-ctx.Done():
			return len(h.retired), ctx.Err()
		default:
		}
		runtime.Gosched()
	}
}

// Close ends the participant's lifetime. It clears the slot, drains the
// retire list until ctx is done, transfers whatever is still protected to
// the manager's orphan list and returns the slot to the free pool. Orphans
// are adopted by the next scan of any live handle.
func (h *Handle) Close(ctx context.Context) error {
	if h.closed {
		return hperrors.WrapStateError(ErrHandleClosed, "close", "handle already closed")
	}

	h.Clear()
	remaining, err := h.Drain(ctx)
	if remaining > 0 {
		h.m.orphan(h.retired)
		h.m.logger.Warn().
			Int("slot", h.index).
			Int("orphaned", remaining).
			AnErr("drain_error", err).
			Msg("closing handle with protected retired nodes")
	}

	h.retired = nil
	h.snap = nil
	h.closed = true
	h.m.release(h)

	h.m.logger.Debug().Int("slot", h.index).Msg("hazard slot released")
	return nil
}
