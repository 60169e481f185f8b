package reactor

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.DiscardHandler)

func TestRunReturnsWhenQueuesDrain(t *testing.T) {
	t.Parallel()
	d := New(discard)
	q := d.NewQueue("stream", 4)

	var got []int
	for i := 0; i < 3; i++ {
		i := i
		require.NoError(t, q.Post(func() { got = append(got, i) }))
	}
	require.NoError(t, q.Post(q.Close))

	require.NoError(t, d.Run(context.Background()))
	assert.Equal(t, []int{0, 1, 2}, got)
	assert.Zero(t, d.Pending())
}

func TestRunWithoutQueuesReturnsImmediately(t *testing.T) {
	t.Parallel()
	d := New(discard)
	require.NoError(t, d.Run(context.Background()))
	assert.ErrorIs(t, d.Run(context.Background()), ErrRunning)
}

func TestCallbacksPostedFromCallbacksRun(t *testing.T) {
	t.Parallel()
	d := New(discard)
	a := d.NewQueue("a", 1)
	b := d.NewQueue("b", 1)

	var order []string
	var mu sync.Mutex
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	require.NoError(t, a.Post(func() {
		record("a1")
		assert.NoError(t, b.Post(func() {
			record("b1")
			b.Close()
			a.Close()
		}))
	}))

	require.NoError(t, d.Run(context.Background()))
	assert.Equal(t, []string{"a1", "b1"}, order)
}

func TestPostAfterCloseFails(t *testing.T) {
	t.Parallel()
	d := New(discard)
	q := d.NewQueue("q", 2)
	q.Close()
	q.Close()

	assert.ErrorIs(t, q.Post(func() {}), ErrQueueClosed)
	assert.False(t, q.TryPost(func() {}))
	require.NoError(t, d.Run(context.Background()))
}

func TestPostBlocksUntilSpace(t *testing.T) {
	t.Parallel()
	d := New(discard)
	q := d.NewQueue("q", 1)
	require.True(t, q.TryPost(func() {}))
	assert.False(t, q.TryPost(func() {}), "mailbox is full before Run")
	assert.Zero(t, q.Free())

	posted := make(chan error, 1)
	go func() { posted <- q.Post(q.Close) }()

	select {
	case <-posted:
		t.Fatal("Post returned while the mailbox was full")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, d.Run(context.Background()))
	require.NoError(t, <-posted)
}

func TestCallbackPanicStopsDispatcher(t *testing.T) {
	t.Parallel()
	var logs bytes.Buffer
	d := New(slog.New(slog.NewTextHandler(&logs, nil)).With("run_id", "r1"))
	q := d.NewQueue("faulty", 1)
	other := d.NewQueue("idle", 1)
	require.NoError(t, q.Post(func() { panic("boom") }))

	err := d.Run(context.Background())
	var de *DispatcherError
	require.ErrorAs(t, err, &de)
	assert.Contains(t, de.Queue, "faulty")
	assert.ErrorContains(t, err, "boom")

	assert.ErrorIs(t, other.Post(func() {}), ErrStopped)
	assert.Contains(t, logs.String(), "callback panicked")
	assert.Contains(t, logs.String(), "run_id=r1")
}

func TestContextExpiryReportsPendingQueues(t *testing.T) {
	t.Parallel()
	d := New(discard)
	d.NewQueue("forgotten", 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := d.Run(ctx)
	var de *DispatcherError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 1, de.Pending)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestQueueCreatedAfterRunIsClosed(t *testing.T) {
	t.Parallel()
	d := New(discard)
	require.NoError(t, d.Run(context.Background()))

	q := d.NewQueue("late", 1)
	assert.ErrorIs(t, q.Post(func() {}), ErrQueueClosed)
}
