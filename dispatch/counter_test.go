package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeqnoCounterMonotonic(t *testing.T) {
	c := NewSeqnoCounter()
	assert.Equal(t, uint64(0), c.Get())

	c.Set(10)
	assert.Equal(t, uint64(10), c.Get())

	// Lower values never move the head backward.
	c.Set(5)
	assert.Equal(t, uint64(10), c.Get())

	c.Set(11)
	assert.Equal(t, uint64(11), c.Get())
}

func TestSeqnoCounterWaitUntil(t *testing.T) {
	c := NewSeqnoCounter()

	var wg sync.WaitGroup
	wg.Add(1)
	var got uint64
	go func() {
		defer wg.Done()
		head, err := c.WaitUntil(context.Background(), 5)
		require.NoError(t, err)
		got = head
	}()

	// Waiters should not wake for intermediate values below the target.
	c.Set(3)
	c.Set(5)
	wg.Wait()
	assert.GreaterOrEqual(t, got, uint64(5))
}

func TestSeqnoCounterWaitAlreadySatisfied(t *testing.T) {
	c := NewSeqnoCounter()
	c.Set(100)

	head, err := c.WaitUntil(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), head)
}

func TestSeqnoCounterWaitCancelled(t *testing.T) {
	c := NewSeqnoCounter()
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := c.WaitUntil(ctx, 1000)
		errCh <- err
	}()

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitUntil did not observe cancellation")
	}
}
