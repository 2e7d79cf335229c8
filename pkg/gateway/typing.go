package gateway

import (
	"sync"
	"time"
)

// DefaultTypingTTL is the inactivity window after which a typing indicator
// auto-clears.
const DefaultTypingTTL = 3 * time.Second

type typingKey struct {
	pair        string
	participant string
}

// typingTracker implements the per-(room, participant) debounce state
// machine: Idle --start--> Typing (emit true, arm timer); Typing --start-->
// Typing (timer reset, no emit); Typing --stop|timeout--> Idle (emit false
// exactly once). The expiry callback runs off a timer goroutine; the
// tracker's lock scopes all map access.
type typingTracker struct {
	mu     sync.Mutex
	timers map[typingKey]*time.Timer
	ttl    time.Duration
	// onExpire fires when the inactivity timer lapses, after the state has
	// already transitioned to Idle.
	onExpire func(pairID, participantID string)
}

func newTypingTracker(ttl time.Duration, onExpire func(pairID, participantID string)) *typingTracker {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &typingTracker{
		timers:   map[typingKey]*time.Timer{},
		ttl:      ttl,
		onExpire: onExpire,
	}
}

// Start arms (or re-arms) the inactivity timer. Returns true when the
// participant was idle, meaning the caller should broadcast
// isTyping=true; a start while already typing is debounced.
func (t *typingTracker) Start(pairID, participantID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := typingKey{pair: pairID, participant: participantID}
	if timer, ok := t.timers[key]; ok {
		timer.Reset(t.ttl)
		return false
	}
	t.timers[key] = time.AfterFunc(t.ttl, func() {
		if t.expire(key) {
			t.onExpire(pairID, participantID)
		}
	})
	return true
}

// Stop clears the timer. Returns true when the participant was typing,
// meaning the caller should broadcast isTyping=false.
func (t *typingTracker) Stop(pairID, participantID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := typingKey{pair: pairID, participant: participantID}
	timer, ok := t.timers[key]
	if !ok {
		return false
	}
	timer.Stop()
	delete(t.timers, key)
	return true
}

// expire transitions to Idle from the timer path. Returns false when an
// explicit stop or disconnect won the race.
func (t *typingTracker) expire(key typingKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.timers[key]; !ok {
		return false
	}
	delete(t.timers, key)
	return true
}

// StopAll clears every armed timer for a participant, returning the pair
// ids that were active. Used on disconnect.
func (t *typingTracker) StopAll(participantID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var pairs []string
	for key, timer := range t.timers {
		if key.participant == participantID {
			timer.Stop()
			delete(t.timers, key)
			pairs = append(pairs, key.pair)
		}
	}
	return pairs
}
