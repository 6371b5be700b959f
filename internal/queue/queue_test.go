package queue

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/listing-extractor/internal/domain"
)

func newTestQueue() *MemoryQueue {
	return NewMemoryQueue(slog.New(slog.DiscardHandler))
}

func task(prop string) domain.Task {
	return domain.Task{JobID: "job", PropertyID: prop, Source: "zillow", Revision: 1}
}

func dequeue(t *testing.T, q Queue, timeout time.Duration) *Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	return d
}

func TestMemoryQueue_FIFO(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()
	for _, p := range []string{"p1", "p2", "p3"} {
		require.NoError(t, q.Enqueue(ctx, task(p)))
	}

	for _, p := range []string{"p1", "p2", "p3"} {
		d := dequeue(t, q, time.Second)
		assert.Equal(t, p, d.Task.PropertyID)
		require.NoError(t, d.Ack())
	}
	assert.Equal(t, 0, q.Len())
}

func TestMemoryQueue_DelayedTask(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()

	later := task("later")
	later.NotBefore = time.Now().Add(100 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, later))
	require.NoError(t, q.Enqueue(ctx, task("now")))

	start := time.Now()
	d := dequeue(t, q, time.Second)
	assert.Equal(t, "now", d.Task.PropertyID)

	d = dequeue(t, q, time.Second)
	assert.Equal(t, "later", d.Task.PropertyID)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestMemoryQueue_DelayedOrdering(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()
	now := time.Now()

	for i, p := range []string{"c", "a", "b"} {
		tk := task(p)
		tk.NotBefore = now.Add(time.Duration(30*(3-i)) * time.Millisecond)
		if p == "a" {
			tk.NotBefore = now.Add(10 * time.Millisecond)
		}
		require.NoError(t, q.Enqueue(ctx, tk))
	}

	var got []string
	for i := 0; i < 3; i++ {
		got = append(got, dequeue(t, q, time.Second).Task.PropertyID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestMemoryQueue_WakesWaitingConsumer(t *testing.T) {
	q := newTestQueue()

	var wg sync.WaitGroup
	var got *Delivery
	var err error
	wg.Add(1)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		got, err = q.Dequeue(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(context.Background(), task("p1")))
	wg.Wait()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "p1", got.Task.PropertyID)
}

func TestMemoryQueue_NackRequeues(t *testing.T) {
	q := newTestQueue()
	require.NoError(t, q.Enqueue(context.Background(), task("p1")))

	d := dequeue(t, q, time.Second)
	require.NoError(t, d.Nack(true))
	require.NoError(t, d.Ack(), "second settle is a no-op")

	d = dequeue(t, q, time.Second)
	assert.Equal(t, "p1", d.Task.PropertyID)
	require.NoError(t, d.Nack(false))
	assert.Equal(t, 0, q.Len())
}

func TestMemoryQueue_ContextCancel(t *testing.T) {
	q := newTestQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryQueue_Close(t *testing.T) {
	q := newTestQueue()

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, domain.ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("consumer was not woken by Close")
	}
	assert.ErrorIs(t, q.Enqueue(context.Background(), task("p")), domain.ErrQueueClosed)
}

func TestDecodeTask(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{
			name: "valid",
			body: `{"job_id":"2f1c3b7e-8a4d-4c1e-9f3a-6b2d5e7c8a90","property_id":"p1","source":"zillow","revision":2}`,
		},
		{name: "malformed json", body: `{"job_id":`, wantErr: true},
		{name: "job id not a uuid", body: `{"job_id":"abc","property_id":"p1","source":"zillow"}`, wantErr: true},
		{name: "missing source", body: `{"job_id":"2f1c3b7e-8a4d-4c1e-9f3a-6b2d5e7c8a90","property_id":"p1"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task, err := decodeTask([]byte(tt.body))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 2, task.Revision)
			assert.Equal(t, "zillow", task.Source)
		})
	}
}
