package seqexec

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeqExecutorRunsSequentially(t *testing.T) {
	s := New()
	var running int32
	var maxConcurrent int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Run(func() error {
				n := atomic.AddInt32(&running, 1)
				for {
					cur := atomic.LoadInt32(&maxConcurrent)
					if n <= cur || atomic.CompareAndSwapInt32(&maxConcurrent, cur, n) {
						break
					}
				}
				atomic.AddInt32(&running, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxConcurrent))
}

func TestCoalescerSharesOneFetch(t *testing.T) {
	c := NewCoalescer()
	var calls int32
	var wg sync.WaitGroup
	results := make([]any, 10)

	start := make(chan struct{})
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			v, err := c.Do("date-2026-07-30", func() (any, error) {
				atomic.AddInt32(&calls, 1)
				return "fetched-once", nil
			})
			assert.NoError(t, err)
			results[i] = v
		}()
	}
	close(start)
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, "fetched-once", r)
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&calls), int32(10))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(1))
}
