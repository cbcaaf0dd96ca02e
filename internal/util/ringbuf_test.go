package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingBufferWraps(t *testing.T) {
	r := NewRingBuffer[int](3)
	_, ok := r.Last()
	assert.False(t, ok)
	assert.Empty(t, r.Snapshot())

	r.Push(1)
	r.Push(2)
	assert.Equal(t, []int{1, 2}, r.Snapshot())
	assert.Equal(t, 2, r.Len())

	r.Push(3)
	r.Push(4)
	r.Push(5)
	assert.Equal(t, []int{3, 4, 5}, r.Snapshot())
	assert.Equal(t, 3, r.Len())
	last, ok := r.Last()
	assert.True(t, ok)
	assert.Equal(t, 5, last)

	r.Push(6)
	last, _ = r.Last()
	assert.Equal(t, 6, last)
	assert.Equal(t, []int{4, 5, 6}, r.Snapshot())
}
