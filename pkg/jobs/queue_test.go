package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(maxRetries int) *Queue {
	return NewQueue("test", QueueConfig{Workers: 2, BufferSize: 8, MaxRetries: maxRetries, RetryDelay: 5 * time.Millisecond})
}

func TestQueueDispatchesByType(t *testing.T) {
	q := newTestQueue(0)
	var mu sync.Mutex
	seen := map[string][]interface{}{}
	record := func(ctx context.Context, job Job) error {
		mu.Lock()
		defer mu.Unlock()
		seen[job.Type] = append(seen[job.Type], job.Payload)
		return nil
	}
	q.Handle("a", record)
	q.Handle("b", record)
	q.Start(context.Background())

	require.NoError(t, q.Enqueue(Job{Type: "a", Payload: 1}))
	require.NoError(t, q.Enqueue(Job{Type: "b", Payload: 2}))
	require.NoError(t, q.Stop(context.Background()))

	assert.Equal(t, []interface{}{1}, seen["a"])
	assert.Equal(t, []interface{}{2}, seen["b"])
}

func TestQueueRetriesTransientFailures(t *testing.T) {
	q := newTestQueue(3)
	var calls int32
	done := make(chan Job, 1)
	q.Handle("flaky", func(ctx context.Context, job Job) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("db unavailable")
		}
		done <- job
		return nil
	})
	q.Start(context.Background())
	defer q.Stop(context.Background())

	require.NoError(t, q.Enqueue(Job{Type: "flaky"}))

	select {
	case job := <-done:
		assert.Equal(t, 2, job.Attempt)
		assert.NotEmpty(t, job.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("job was not retried to success")
	}
}

func TestQueueDoesNotRetryPermanentFailures(t *testing.T) {
	q := newTestQueue(5)
	var calls int32
	q.Handle("bad", func(ctx context.Context, job Job) error {
		atomic.AddInt32(&calls, 1)
		return Permanent(errors.New("session not found"))
	})
	q.Start(context.Background())

	require.NoError(t, q.Enqueue(Job{Type: "bad"}))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, q.Stop(context.Background()))

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestQueueGivesUpAfterMaxRetries(t *testing.T) {
	q := newTestQueue(2)
	var calls int32
	q.Handle("down", func(ctx context.Context, job Job) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("still down")
	})
	q.Start(context.Background())

	require.NoError(t, q.Enqueue(Job{Type: "down"}))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, q.Stop(context.Background()))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestQueueRecoversHandlerPanics(t *testing.T) {
	q := newTestQueue(0)
	var calls int32
	q.Handle("boom", func(ctx context.Context, job Job) error {
		atomic.AddInt32(&calls, 1)
		panic("boom")
	})
	q.Start(context.Background())

	require.NoError(t, q.Enqueue(Job{Type: "boom"}))
	require.NoError(t, q.Enqueue(Job{Type: "boom"}))
	require.NoError(t, q.Stop(context.Background()))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestQueueEnqueueLifecycle(t *testing.T) {
	q := newTestQueue(0)
	assert.Error(t, q.Enqueue(Job{Type: "x"}))

	q.Start(context.Background())
	require.NoError(t, q.Stop(context.Background()))

	err := q.Enqueue(Job{Type: "x"})
	assert.ErrorIs(t, err, ErrQueueClosed)
	require.NoError(t, q.Stop(context.Background()))
}

func TestQueueUnknownTypeIsPermanent(t *testing.T) {
	q := newTestQueue(3)
	q.Start(context.Background())
	require.NoError(t, q.Enqueue(Job{Type: "missing"}))
	require.NoError(t, q.Stop(context.Background()))
}

func TestBackoffIsCapped(t *testing.T) {
	q := NewQueue("b", QueueConfig{RetryDelay: time.Second, MaxRetryDelay: 5 * time.Second})
	assert.Equal(t, time.Second, q.backoff(1))
	assert.Equal(t, 2*time.Second, q.backoff(2))
	assert.Equal(t, 4*time.Second, q.backoff(3))
	assert.Equal(t, 5*time.Second, q.backoff(4))
	assert.Equal(t, 5*time.Second, q.backoff(10))
}

func TestPermanentHelpers(t *testing.T) {
	assert.Nil(t, Permanent(nil))
	base := errors.New("x")
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
}
