package fiber

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResumeYieldRoundTrip(t *testing.T) {
	var trace []string
	f := New(func() {
		trace = append(trace, "a")
		Yield()
		trace = append(trace, "b")
	}, 0, false)

	assert.Equal(t, Ready, f.State())

	f.Resume()
	assert.Equal(t, []string{"a"}, trace)
	assert.Equal(t, Ready, f.State())

	f.Resume()
	assert.Equal(t, []string{"a", "b"}, trace)
	assert.Equal(t, Term, f.State())
}

func TestResumeOnNonReadyPanics(t *testing.T) {
	f := New(func() {}, 0, false)
	f.Resume()
	assert.Panics(t, func() { f.Resume() })
}

func TestResetAllowsReuseAfterTerm(t *testing.T) {
	f := New(func() {}, 0, false)
	f.Resume()
	assert.Equal(t, Term, f.State())

	var ran bool
	f.Reset(func() { ran = true })
	assert.Equal(t, Ready, f.State())

	f.Resume()
	assert.True(t, ran)
	assert.Equal(t, Term, f.State())
}

func TestResetBeforeTermPanics(t *testing.T) {
	f := New(func() {}, 0, false)
	assert.Panics(t, func() { f.Reset(func() {}) })
}

func TestGetThisCreatesRootFiberLazily(t *testing.T) {
	done := make(chan struct{})
	var root1, root2 *Fiber
	go func() {
		defer close(done)
		root1 = GetThis()
		root2 = GetThis()
	}()
	<-done
	assert.NotNil(t, root1)
	assert.True(t, root1.IsRoot())
	assert.Same(t, root1, root2, "GetThis must return the same root fiber on repeated calls from the same goroutine")
}

func TestConcurrentFibersOnDistinctGoroutines(t *testing.T) {
	const n = 20
	var wg sync.WaitGroup
	results := make([]int, n)

	fibers := make([]*Fiber, n)
	for i := 0; i < n; i++ {
		i := i
		fibers[i] = New(func() {
			results[i] = i * i
			Yield()
		}, 0, false)
	}

	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			fibers[i].Resume()
			fibers[i].Resume()
		}()
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		assert.Equal(t, i*i, results[i])
		assert.Equal(t, Term, fibers[i].State())
	}
}

func TestYieldIsNoOpOutsideFiber(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NotPanics(t, func() { Yield() })
	}()
	<-done
}
