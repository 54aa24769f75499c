package concurrency

import (
	"context"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/23skdu/hazardstack/internal/arena"
	hperrors "github.com/23skdu/hazardstack/internal/errors"
	"github.com/23skdu/hazardstack/internal/hazard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const poisoned = -0x5ca1ab1e

func newTestManager(t testing.TB, slots, threshold int, opts ...hazard.Option) *hazard.Manager {
	t.Helper()
	m, err := hazard.NewManager(hazard.Config{MaxSlots: slots, RetireThreshold: threshold}, opts...)
	require.NoError(t, err)
	return m
}

func newTestStack(t testing.TB, m *hazard.Manager, opts ...Option[int]) *ConcurrentStack[int] {
	t.Helper()
	s, err := NewConcurrentStack[int](m, arena.Config{ChunkSize: 256, MaxNodes: 1 << 20}, opts...)
	require.NoError(t, err)
	return s
}

func acquire(t testing.TB, m *hazard.Manager) *hazard.Handle {
	t.Helper()
	h, err := m.Acquire()
	require.NoError(t, err)
	return h
}

func TestLockFreeStack_BasicOperations(t *testing.T) {
	m := newTestManager(t, 4, 64)
	s := newTestStack(t, m)
	h := acquire(t, m)

	require.NoError(t, s.Push(42))
	require.NoError(t, s.Push(17))
	require.NoError(t, s.Push(89))
	assert.Equal(t, 3, s.Len())

	val, ok := s.Pop(h)
	if !ok {
		t.Error("Pop failed")
	}
	if val != 89 {
		t.Errorf("Expected 89 (LIFO), got %d", val)
	}

	val, ok = s.Pop(h)
	if !ok {
		t.Error("Second pop failed")
	}
	if val != 17 {
		t.Errorf("Expected 17 (LIFO), got %d", val)
	}

	val, ok = s.Pop(h)
	if !ok {
		t.Error("Third pop failed")
	}
	if val != 42 {
		t.Errorf("Expected 42 (LIFO), got %d", val)
	}

	if _, ok := s.Pop(h); ok {
		t.Error("Stack should be empty after popping all items")
	}
	assert.True(t, s.IsEmpty())
	assert.Equal(t, 0, s.Len())
	assert.True(t, h.Protected().IsNil(), "pop must leave the hazard slot clear")
}

func TestLockFreeStack_NilManager(t *testing.T) {
	_, err := NewConcurrentStack[int](nil, arena.DefaultConfig())
	require.Error(t, err)
	assert.True(t, hperrors.IsType(err, hperrors.ErrorTypeConfiguration))

	_, err = NewConcurrentStack[int](newTestManager(t, 1, 1), arena.Config{ChunkSize: 3, MaxNodes: 8})
	require.Error(t, err)
	assert.True(t, hperrors.IsType(err, hperrors.ErrorTypeConfiguration))
}

// push(1), push(2), push(3) on one goroutine; pop on another yields 3 then
// 2; a third goroutine drains and a later pop sees empty.
func TestLockFreeStack_CrossGoroutineScenario(t *testing.T) {
	m := newTestManager(t, 4, 64)
	s := newTestStack(t, m)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, v := range []int{1, 2, 3} {
			assert.NoError(t, s.Push(v))
		}
	}()
	<-done

	popper := acquire(t, m)
	results := make(chan int, 2)
	go func() {
		for i := 0; i < 2; i++ {
			v, ok := s.Pop(popper)
			assert.True(t, ok)
			results <- v
		}
		close(results)
	}()
	var got []int
	for v := range results {
		got = append(got, v)
	}
	assert.Equal(t, []int{3, 2}, got)

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		h := acquire(t, m)
		defer func() { assert.NoError(t, h.Close(context.Background())) }()
		for {
			if _, ok := s.Pop(h); !ok {
				return
			}
		}
	}()
	<-drained

	_, ok := s.Pop(popper)
	assert.False(t, ok)
}

func TestLockFreeStack_EmptyPopIdempotent(t *testing.T) {
	const workers = 8
	m := newTestManager(t, workers, 64)
	s := newTestStack(t, m)

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			h, err := m.Acquire()
			if err != nil {
				return err
			}
			for i := 0; i < 1000; i++ {
				if v, ok := s.Pop(h); ok {
					t.Errorf("pop on never-pushed stack returned %d", v)
				}
			}
			return h.Close(context.Background())
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(0), s.Arena().Live())
}

// N goroutines each pop M times from a stack holding exactly N*M values:
// every value comes back exactly once.
func TestLockFreeStack_NoDoublePop(t *testing.T) {
	const workers = 8
	const perWorker = 5000

	m := newTestManager(t, workers, 64)
	s := newTestStack(t, m)
	for i := 0; i < workers*perWorker; i++ {
		require.NoError(t, s.Push(i))
	}

	results := make([][]int, workers)
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			h, err := m.Acquire()
			if err != nil {
				return err
			}
			out := make([]int, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				v, ok := s.Pop(h)
				if !ok {
					t.Errorf("worker %d: pop %d saw an empty stack", w, i)
					break
				}
				out = append(out, v)
			}
			results[w] = out
			return h.Close(context.Background())
		})
	}
	require.NoError(t, g.Wait())

	seen := make([]bool, workers*perWorker)
	total := 0
	for _, out := range results {
		for _, v := range out {
			require.False(t, seen[v], "value %d popped twice", v)
			seen[v] = true
			total++
		}
	}
	assert.Equal(t, workers*perWorker, total)
	assert.True(t, s.IsEmpty())
	assert.Equal(t, int64(0), s.Arena().Live(), "every node should be reclaimed after all handles closed")
}

// Randomized push/pop interleavings with a poisoning reclaimer. A value that
// was poisoned by Free would only surface if a node were freed while a
// popper still dereferenced it. Pushed and popped values must balance.
func TestLockFreeStack_StressPoison(t *testing.T) {
	workers := 4
	if n := runtime.GOMAXPROCS(0); n > workers {
		workers = n
	}
	const opsPerWorker = 20000

	var hookCalls, hookViolations atomic.Int64
	m := newTestManager(t, workers, 8, hazard.WithReclaimHook(func(ref hazard.Ref, inSnapshot bool) {
		hookCalls.Add(1)
		if inSnapshot {
			hookViolations.Add(1)
		}
	}))
	s := newTestStack(t, m, WithPoison(func(v *int) { *v = poisoned }))

	pushed := make([][]int, workers)
	popped := make([][]int, workers)

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			h, err := m.Acquire()
			if err != nil {
				return err
			}
			rng := rand.New(rand.NewSource(int64(w) + 1))
			next := w * opsPerWorker
			for i := 0; i < opsPerWorker; i++ {
				if rng.Intn(2) == 0 {
					if err := s.Push(next); err != nil {
						return err
					}
					pushed[w] = append(pushed[w], next)
					next++
					continue
				}
				if v, ok := s.Pop(h); ok {
					if v == poisoned {
						t.Errorf("worker %d observed a poisoned value", w)
					}
					popped[w] = append(popped[w], v)
				}
			}
			return h.Close(context.Background())
		})
	}
	require.NoError(t, g.Wait())

	// drain what is left
	h := acquire(t, m)
	var rest []int
	for {
		v, ok := s.Pop(h)
		if !ok {
			break
		}
		rest = append(rest, v)
	}
	require.NoError(t, h.Close(context.Background()))

	counts := make(map[int]int)
	totalPushed := 0
	for _, vs := range pushed {
		for _, v := range vs {
			counts[v]++
			totalPushed++
		}
	}
	all := append([]int(nil), rest...)
	for _, vs := range popped {
		all = append(all, vs...)
	}
	for _, v := range all {
		counts[v]--
	}
	for v, c := range counts {
		if c != 0 {
			t.Errorf("value %d: pushed minus popped = %d", v, c)
		}
	}
	assert.Equal(t, totalPushed, len(all))
	assert.Equal(t, int64(0), hookViolations.Load())
	assert.Positive(t, hookCalls.Load())
	assert.Equal(t, int64(0), s.Arena().Live())
}

// Pushers and poppers run at the same time; nothing is lost or duplicated.
func TestLockFreeStack_ConcurrentPushPop(t *testing.T) {
	const pushers = 4
	const poppers = 4
	const perPusher = 10000

	m := newTestManager(t, poppers+1, 32)
	s := newTestStack(t, m)

	var popCount atomic.Int64
	var pushWG sync.WaitGroup
	for p := 0; p < pushers; p++ {
		pushWG.Add(1)
		go func() {
			defer pushWG.Done()
			for i := 0; i < perPusher; i++ {
				assert.NoError(t, s.Push(p*perPusher+i))
			}
		}()
	}

	stop := make(chan struct{})
	var g errgroup.Group
	seen := make([]atomic.Bool, pushers*perPusher)
	for c := 0; c < poppers; c++ {
		g.Go(func() error {
			h, err := m.Acquire()
			if err != nil {
				return err
			}
			for {
				v, ok := s.Pop(h)
				if ok {
					if seen[v].Swap(true) {
						t.Errorf("value %d popped twice", v)
					}
					popCount.Add(1)
					continue
				}
				select {
				case <-stop:
					if s.IsEmpty() {
						return h.Close(context.Background())
					}
				default:
					runtime.Gosched()
				}
			}
		})
	}

	pushWG.Wait()
	close(stop)
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(pushers*perPusher), popCount.Load())
	assert.Equal(t, int64(0), s.Arena().Live())
}

func TestLockFreeStack_SlotExhaustion(t *testing.T) {
	const capacity = 4
	m := newTestManager(t, capacity, 8)
	s := newTestStack(t, m)
	require.NoError(t, s.Push(1))

	handles := make([]*hazard.Handle, 0, capacity)
	for i := 0; i < capacity; i++ {
		handles = append(handles, acquire(t, m))
	}

	// The capacity+1-th participant cannot obtain a context to pop with
	_, err := m.Acquire()
	require.Error(t, err)
	assert.ErrorIs(t, err, hazard.ErrCapacityExceeded)

	// Existing participants are unaffected
	v, ok := s.Pop(handles[capacity-1])
	assert.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestLockFreeStack_PopHandleChecks(t *testing.T) {
	m := newTestManager(t, 2, 8)
	other := newTestManager(t, 2, 8)
	s := newTestStack(t, m)
	require.NoError(t, s.Push(1))

	assert.Panics(t, func() { s.Pop(nil) })

	foreign := acquire(t, other)
	assert.Panics(t, func() { s.Pop(foreign) })

	closed := acquire(t, m)
	require.NoError(t, closed.Close(context.Background()))
	assert.Panics(t, func() { s.Pop(closed) })

	// the stack is untouched by rejected pops
	assert.Equal(t, 1, s.Len())
}

func TestLockFreeStack_PushExhaustion(t *testing.T) {
	m := newTestManager(t, 2, 64)
	s, err := NewConcurrentStack[int](m, arena.Config{ChunkSize: 4, MaxNodes: 3})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Push(i))
	}
	err = s.Push(3)
	require.Error(t, err)
	assert.ErrorIs(t, err, arena.ErrExhausted)
	assert.True(t, hperrors.IsType(err, hperrors.ErrorTypeAllocation))
	assert.Equal(t, 3, s.Len(), "a failed push links nothing")

	// Popped nodes only return to the arena once reclaimed
	h := acquire(t, m)
	v, ok := s.Pop(h)
	require.True(t, ok)
	assert.Equal(t, 2, v)
	assert.ErrorIs(t, s.Push(4), arena.ErrExhausted)

	_, err = h.Drain(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Push(4))

	v, ok = s.Pop(h)
	require.True(t, ok)
	assert.Equal(t, 4, v)
}

func TestLockFreeStack_SharedManagerSeparateDomains(t *testing.T) {
	m := newTestManager(t, 4, 1)
	a := newTestStack(t, m)
	b := newTestStack(t, m)
	assert.NotEqual(t, a.Domain(), b.Domain())
	assert.Same(t, m, a.Manager())

	h := acquire(t, m)
	require.NoError(t, a.Push(1))
	require.NoError(t, b.Push(2))

	v, ok := a.Pop(h)
	require.True(t, ok)
	assert.Equal(t, 1, v)
	v, ok = b.Pop(h)
	require.True(t, ok)
	assert.Equal(t, 2, v)

	// threshold 1 means each pop reclaimed its node into the right arena
	assert.Equal(t, int64(0), a.Arena().Live())
	assert.Equal(t, int64(0), b.Arena().Live())
}

func TestLockFreeStack_ReclaimForeignRefPanics(t *testing.T) {
	m := newTestManager(t, 2, 8)
	s := newTestStack(t, m)
	assert.Panics(t, func() { s.Reclaim(hazard.MakeRef(s.Domain()+1, 1)) })
}

func BenchmarkLockFreeStack_PushPop(b *testing.B) {
	m := newTestManager(b, 4, 64)
	s := newTestStack(b, m)
	h := acquire(b, m)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := s.Push(i); err != nil {
			b.Fatal(err)
		}
		_, ok := s.Pop(h)
		if !ok {
			b.Fatalf("Pop failed")
		}
	}
}

func BenchmarkLockFreeStack_Parallel(b *testing.B) {
	m := newTestManager(b, hazard.DefaultMaxSlots, hazard.DefaultRetireThreshold)
	s := newTestStack(b, m)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		h, err := m.Acquire()
		if err != nil {
			b.Error(err)
			return
		}
		defer h.Close(context.Background()) //nolint:errcheck // benchmark cleanup
		i := 0
		for pb.Next() {
			if i%2 == 0 {
				_ = s.Push(i)
			} else {
				s.Pop(h)
			}
			i++
		}
	})
}

func BenchmarkLockedStack_Parallel(b *testing.B) {
	s := &lockedStack[int]{}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			if i%2 == 0 {
				s.Push(i)
			} else {
				s.Pop()
			}
			i++
		}
	})
}
