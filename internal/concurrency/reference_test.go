package concurrency

import "sync"

// sequentialStack is the single-threaded baseline.
type sequentialStack[T any] struct {
	items []T
}

func (s *sequentialStack[T]) Push(v T) { s.items = append(s.items, v) }

func (s *sequentialStack[T]) Pop() (T, bool) {
	var zero T
	if len(s.items) == 0 {
		return zero, false
	}
	v := s.items[len(s.items)-1]
	s.items[len(s.items)-1] = zero
	s.items = s.items[:len(s.items)-1]
	return v, true
}

// lockedStack is the mutex-guarded baseline.
type lockedStack[T any] struct {
	mu    sync.Mutex
	inner sequentialStack[T]
}

func (s *lockedStack[T]) Push(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inner.Push(v)
}

func (s *lockedStack[T]) Pop() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Pop()
}
