package workqueue

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueue_RunsAllTasks(t *testing.T) {
	q := New(2, nil)
	var count atomic.Int32

	for i := 0; i < 10; i++ {
		q.Go("task", func() error {
			count.Add(1)
			return nil
		})
	}
	q.Wait()

	assert.Equal(t, int32(10), count.Load())
}

func TestQueue_LimitsConcurrency(t *testing.T) {
	const limit = 3
	q := New(limit, nil)

	var mu sync.Mutex
	running, peak := 0, 0

	for i := 0; i < 20; i++ {
		q.Go("task", func() error {
			mu.Lock()
			running++
			if running > peak {
				peak = running
			}
			mu.Unlock()

			mu.Lock()
			running--
			mu.Unlock()
			return nil
		})
	}
	q.Wait()

	assert.LessOrEqual(t, peak, limit)
}

func TestQueue_SwallowsErrors(t *testing.T) {
	q := New(1, nil)
	done := false
	q.Go("failing", func() error { return errors.New("boom") })
	q.Go("after", func() error { done = true; return nil })
	q.Wait()

	assert.True(t, done)
}
