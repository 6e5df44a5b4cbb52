package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventQueueOrdering(t *testing.T) {
	q := newEventQueue()

	_, ok := q.TryDequeue()
	assert.False(t, ok)

	require.True(t, q.Enqueue(event{typ: eventTask, peerID: "first"}))
	require.True(t, q.Enqueue(event{typ: eventTask, peerID: "second"}))

	e, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, "first", e.peerID)
	e, ok = q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, "second", e.peerID)
	_, ok = q.TryDequeue()
	assert.False(t, ok)
}

func TestEventQueueSignalsWaiters(t *testing.T) {
	q := newEventQueue()
	q.Enqueue(event{typ: eventTask})

	select {
	case <-q.Wait():
	default:
		t.Fatal("expected a pending signal after enqueue")
	}
}

func TestEventQueueClose(t *testing.T) {
	q := newEventQueue()
	q.Enqueue(event{typ: eventTask, peerID: "queued"})
	q.Close()

	assert.False(t, q.Enqueue(event{typ: eventTask}))

	// Already queued events stay drainable so shutdown work completes.
	e, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, "queued", e.peerID)

	// The pre-close enqueue left one coalesced signal; after that the
	// channel reports closed.
	<-q.Wait()
	_, open := <-q.Wait()
	assert.False(t, open)
}
