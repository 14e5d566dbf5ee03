package eventqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQueueDrainsInOrder(t *testing.T) {
	q := New()
	q.Push(1)
	q.Push(2)
	q.Push(3)

	assert.Equal(t, 3, q.Len())
	assert.Equal(t, []any{1, 2, 3}, q.Drain())
	assert.Equal(t, 0, q.Len())
	assert.False(t, q.DetectedErrors())
}

func TestQueueDropsOldestOnOverrun(t *testing.T) {
	q := New()
	for i := 0; i < MaxBufferLength+10; i++ {
		q.Push(i)
	}

	assert.Equal(t, MaxBufferLength, q.Len())
	assert.True(t, q.DetectedErrors())

	drained := q.Drain()
	assert.Equal(t, 10, drained[0])
}

func TestAttach(t *testing.T) {
	q := NewWithTimeout(50 * time.Millisecond)
	assert.True(t, q.Attach(time.Now()))
}
