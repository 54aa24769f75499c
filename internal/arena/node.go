package arena

import "sync/atomic"

// State is a node's position in its lifecycle:
//
//	Freed -> Allocated -> Linked -> Unlinked -> Retired -> Freed
type State uint32

const (
	// StateFreed nodes sit on the free list (or were never used).
	StateFreed State = iota
	// StateAllocated nodes hold a value and are owned by their creator.
	StateAllocated
	// StateLinked nodes are reachable from the stack head.
	StateLinked
	// StateUnlinked nodes were removed by a winning pop and are owned by it.
	StateUnlinked
	// StateRetired nodes wait in a retire list for a hazard scan.
	StateRetired
)

func (s State) String() string {
	switch s {
	case StateFreed:
		return "freed"
	case StateAllocated:
		return "allocated"
	case StateLinked:
		return "linked"
	case StateUnlinked:
		return "unlinked"
	case StateRetired:
		return "retired"
	default:
		return "unknown"
	}
}

// Node is one arena slot. next links to another index in the same arena,
// either down the stack or along the free list.
type Node[T any] struct {
	next  atomic.Uint32
	state atomic.Uint32
	value T
}

func (n *Node[T]) Next() uint32 { return n.next.Load() }

// SetNext must only be called by the node's exclusive owner.
func (n *Node[T]) SetNext(idx uint32) { n.next.Store(idx) }

func (n *Node[T]) State() State { return State(n.state.Load()) }

// Value returns the stored value. Callers must hold the node exclusively or
// have it hazard-protected and validated.
func (n *Node[T]) Value() T { return n.value }
