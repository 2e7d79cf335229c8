package gateway

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type expireRecorder struct {
	mu    sync.Mutex
	fired []string
}

func (r *expireRecorder) record(pairID, participantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired = append(r.fired, pairID+"/"+participantID)
}

func (r *expireRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fired)
}

func TestTypingStartDebounces(t *testing.T) {
	rec := &expireRecorder{}
	tr := newTypingTracker(time.Hour, rec.record)

	assert.True(t, tr.Start("p1", "alice"), "idle to typing emits")
	assert.False(t, tr.Start("p1", "alice"), "repeat start is debounced")
	assert.False(t, tr.Start("p1", "alice"))

	// a different room is its own state machine
	assert.True(t, tr.Start("p2", "alice"))
	assert.True(t, tr.Start("p1", "bob"))
}

func TestTypingStopEmitsOnce(t *testing.T) {
	rec := &expireRecorder{}
	tr := newTypingTracker(time.Hour, rec.record)

	require.True(t, tr.Start("p1", "alice"))
	assert.True(t, tr.Stop("p1", "alice"), "first stop emits")
	assert.False(t, tr.Stop("p1", "alice"), "second stop is a no-op")
	assert.Zero(t, rec.count(), "explicit stop suppresses the timeout callback")
}

func TestTypingExpiresAfterTTL(t *testing.T) {
	rec := &expireRecorder{}
	tr := newTypingTracker(20*time.Millisecond, rec.record)

	require.True(t, tr.Start("p1", "alice"))
	require.Eventually(t, func() bool { return rec.count() == 1 },
		time.Second, 5*time.Millisecond)

	// once expired the state is idle again
	assert.True(t, tr.Start("p1", "alice"))
	assert.False(t, tr.Stop("p2", "alice"))
}

func TestTypingStartResetsTimer(t *testing.T) {
	rec := &expireRecorder{}
	tr := newTypingTracker(60*time.Millisecond, rec.record)

	require.True(t, tr.Start("p1", "alice"))
	for i := 0; i < 3; i++ {
		time.Sleep(30 * time.Millisecond)
		assert.False(t, tr.Start("p1", "alice"))
	}
	// kept alive past several TTLs by the resets
	assert.Zero(t, rec.count())
	require.Eventually(t, func() bool { return rec.count() == 1 },
		time.Second, 5*time.Millisecond)
}

func TestTypingStopAll(t *testing.T) {
	rec := &expireRecorder{}
	tr := newTypingTracker(time.Hour, rec.record)

	require.True(t, tr.Start("p1", "alice"))
	require.True(t, tr.Start("p2", "alice"))
	require.True(t, tr.Start("p1", "bob"))

	pairs := tr.StopAll("alice")
	assert.ElementsMatch(t, []string{"p1", "p2"}, pairs)
	assert.Empty(t, tr.StopAll("alice"), "second call finds nothing")

	// bob's timer survives
	assert.True(t, tr.Stop("p1", "bob"))
}
