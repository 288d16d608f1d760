package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryQueue_OfferTakeRoundTrip(t *testing.T) {
	q := NewMemoryQueue(2)
	require.True(t, q.Offer("a"))
	require.True(t, q.Offer("b"))

	id, ok := q.Take()
	require.True(t, ok)
	require.Equal(t, "a", id)

	id, ok = q.Take()
	require.True(t, ok)
	require.Equal(t, "b", id)
}

func TestMemoryQueue_OfferReturnsFalseWhenFull(t *testing.T) {
	q := NewMemoryQueue(1)
	require.True(t, q.Offer("a"))
	require.False(t, q.Offer("b"))
	require.Equal(t, 1, q.Depth())
}

func TestMemoryQueue_TakeBlocksUntilOffer(t *testing.T) {
	q := NewMemoryQueue(1)
	done := make(chan string, 1)
	go func() {
		id, ok := q.Take()
		if ok {
			done <- id
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.True(t, q.Offer("late"))

	select {
	case id := <-done:
		require.Equal(t, "late", id)
	case <-time.After(time.Second):
		t.Fatal("Take() did not unblock after Offer")
	}
}

func TestMemoryQueue_CloseUnblocksWaiters(t *testing.T) {
	q := NewMemoryQueue(1)
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Take()
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Take() did not unblock after Close")
	}
}

func TestMemoryQueue_CloseDrainsBufferedItemsFirst(t *testing.T) {
	q := NewMemoryQueue(2)
	require.True(t, q.Offer("a"))
	q.Close()
	require.False(t, q.Offer("b"))

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		id, ok := q.Take()
		if !ok {
			break
		}
		seen[id] = true
	}
	require.True(t, seen["a"])
}

func TestMemoryQueue_DoubleCloseIsSafe(t *testing.T) {
	q := NewMemoryQueue(1)
	q.Close()
	require.NotPanics(t, func() { q.Close() })
}
