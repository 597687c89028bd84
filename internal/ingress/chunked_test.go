package ingress

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChunkedFIFOOrder(t *testing.T) {
	q := New[int]()
	for i := 0; i < chunkSize*3+7; i++ {
		q.Push(i)
	}
	assert.Equal(t, chunkSize*3+7, q.Len())

	for i := 0; i < chunkSize*3+7; i++ {
		v, ok := q.Pop()
		assert.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok := q.Pop()
	assert.False(t, ok)
	assert.Equal(t, 0, q.Len())
}

func TestChunkedReuseAfterDrain(t *testing.T) {
	q := New[string]()
	q.Push("a")
	q.Push("b")
	v, _ := q.Pop()
	assert.Equal(t, "a", v)
	v, _ = q.Pop()
	assert.Equal(t, "b", v)

	// Queue fully drained; chunk should be reset and reusable.
	q.Push("c")
	v, ok := q.Pop()
	assert.True(t, ok)
	assert.Equal(t, "c", v)
}

func TestChunkedPeekDoesNotRemove(t *testing.T) {
	q := New[int]()
	q.Push(42)
	v, ok := q.Peek()
	assert.True(t, ok)
	assert.Equal(t, 42, v)
	assert.Equal(t, 1, q.Len())
}

func TestChunkedDrain(t *testing.T) {
	q := New[int]()
	for i := 0; i < 10; i++ {
		q.Push(i)
	}
	var got []int
	q.Drain(func(v int) { got = append(got, v) })
	assert.Len(t, got, 10)
	assert.Equal(t, 0, q.Len())
}
