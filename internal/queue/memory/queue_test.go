package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-cpi-extractor/internal/extraction"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan extraction.QueueItem, 1)
	go func() {
		item, err := q.Dequeue(context.Background())
		if err == nil {
			result <- item
		}
	}()

	require.NoError(t, q.Enqueue(context.Background(), extraction.QueueItem{JobID: "job-1"}))
	got := <-result
	require.Equal(t, "job-1", got.JobID)
	require.Equal(t, 0, q.Len())
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	q := NewQueue(1)
	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.EqualError(t, err, "dequeue canceled: context canceled")

	require.NoError(t, q.Enqueue(context.Background(), extraction.QueueItem{JobID: "primed"}))
	err = q.Enqueue(ctx, extraction.QueueItem{})
	require.EqualError(t, err, "enqueue canceled: context canceled")
}

func TestQueueCloseDrainsThenFails(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	require.NoError(t, q.Enqueue(context.Background(), extraction.QueueItem{JobID: "left"}))
	q.Close()
	q.Close()

	require.ErrorIs(t, q.Enqueue(context.Background(), extraction.QueueItem{}), ErrClosed)
	item, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "left", item.JobID)
	_, err = q.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}
