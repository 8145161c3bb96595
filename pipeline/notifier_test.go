package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubDispatchReachesSubscribers(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe()
	defer cancel()

	hub.Dispatch(InSequence{Stage: "extract"})

	select {
	case n := <-ch:
		in, ok := n.(InSequence)
		require.True(t, ok)
		assert.Equal(t, "extract", in.Stage)
	default:
		t.Fatal("expected a buffered notification")
	}
}

func TestHubSlowSubscriberDropsNotifications(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe()
	defer cancel()

	// Overflow the buffer; Dispatch must never block.
	for i := 0; i < defaultSignalBufferSize*2; i++ {
		hub.Dispatch(TaskEnded{Stage: "apply", TaskID: i})
	}

	count := 0
	for {
		select {
		case <-ch:
			count++
			continue
		default:
		}
		break
	}
	assert.Equal(t, defaultSignalBufferSize, count)
}

func TestHubCancelIdempotent(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe()

	cancel()
	cancel() // must not panic

	_, open := <-ch
	assert.False(t, open)

	// Dispatch after cancel must not panic either.
	hub.Dispatch(InSequence{Stage: "extract"})
}
