package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"twinchat/pkg/errdefs"
	"twinchat/pkg/logger"
	"twinchat/pkg/telemetry"
)

// Event categories admitted by the limiter. CategoryGeneral is the
// fallback for anything unnamed.
const (
	CategoryMessage  = "message"
	CategoryTyping   = "typing"
	CategoryReaction = "reaction"
	CategoryPresence = "presence"
	CategoryGeneral  = "general"
)

// Profile is a token bucket shape.
type Profile struct {
	Capacity   int
	RefillRate float64 // tokens per second
}

// DefaultProfiles are the built-in per-category bucket shapes.
func DefaultProfiles() map[string]Profile {
	return map[string]Profile{
		CategoryMessage:  {Capacity: 100, RefillRate: 1.67},
		CategoryTyping:   {Capacity: 10, RefillRate: 0.17},
		CategoryReaction: {Capacity: 30, RefillRate: 0.5},
		CategoryPresence: {Capacity: 60, RefillRate: 1},
		CategoryGeneral:  {Capacity: 200, RefillRate: 3.33},
	}
}

const (
	violationThreshold = 3
	maxLockout         = 300 * time.Second
)

type bucketKey struct {
	participant string
	category    string
}

type bucket struct {
	tokens     int
	capacity   int
	refillRate float64
	lastRefill time.Time
}

type violationState struct {
	count        int
	lockoutUntil time.Time
}

// Limiter is the per-participant, per-category admission controller.
// Buckets are created lazily on first use and reaped by the cleanup
// janitor once idle.
type Limiter struct {
	mu         sync.Mutex
	profiles   map[string]Profile
	buckets    map[bucketKey]*bucket
	violations map[string]*violationState
	now        func() time.Time
}

// New builds a Limiter; overrides replace the default profile for the
// categories they name.
func New(overrides map[string]Profile) *Limiter {
	profiles := DefaultProfiles()
	for cat, p := range overrides {
		if p.Capacity > 0 && p.RefillRate > 0 {
			profiles[cat] = p
		}
	}
	return &Limiter{
		profiles:   profiles,
		buckets:    map[bucketKey]*bucket{},
		violations: map[string]*violationState{},
		now:        time.Now,
	}
}

// WithClock overrides the limiter's time source. Intended for tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

func (l *Limiter) profile(category string) (string, Profile) {
	if p, ok := l.profiles[category]; ok {
		return category, p
	}
	return CategoryGeneral, l.profiles[CategoryGeneral]
}

// refill credits whole tokens for the elapsed interval, advancing the
// refill timestamp only by the amount actually credited so fractional
// progress toward the next token is not lost.
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	earned := int(math.Floor(elapsed * b.refillRate))
	if earned <= 0 {
		return
	}
	b.tokens += earned
	if b.tokens >= b.capacity {
		b.tokens = b.capacity
		b.lastRefill = now
		return
	}
	b.lastRefill = b.lastRefill.Add(time.Duration(float64(earned) / b.refillRate * float64(time.Second)))
}

// resetAfter reports how long until the bucket would be full again.
func (b *bucket) resetAfter() time.Duration {
	missing := b.capacity - b.tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(float64(missing) / b.refillRate * float64(time.Second))
}

// Check admits cost tokens for the participant under the category. A nil
// error means admitted; denials return *errdefs.RateLimitError carrying
// remaining/reset hints, or the active lockout duration when the
// participant is in violation backoff.
func (l *Limiter) Check(participantID, category string, cost int) error {
	if cost <= 0 {
		cost = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cat, prof := l.profile(category)

	// an active lockout rejects every category regardless of bucket level
	if vs, ok := l.violations[participantID]; ok && vs.lockoutUntil.After(now) {
		telemetry.RateLimitDenials.WithLabelValues(cat).Inc()
		return &errdefs.RateLimitError{Category: cat, Lockout: vs.lockoutUntil.Sub(now)}
	}

	key := bucketKey{participant: participantID, category: cat}
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: prof.Capacity, capacity: prof.Capacity, refillRate: prof.RefillRate, lastRefill: now}
		l.buckets[key] = b
	}
	b.refill(now)

	if b.tokens >= cost {
		b.tokens -= cost
		if vs, ok := l.violations[participantID]; ok {
			vs.count = 0
		}
		return nil
	}

	vs, ok := l.violations[participantID]
	if !ok {
		vs = &violationState{}
		l.violations[participantID] = vs
	}
	vs.count++
	rl := &errdefs.RateLimitError{Category: cat, Remaining: b.tokens, ResetAfter: b.resetAfter()}
	if vs.count >= violationThreshold {
		lockout := time.Duration(math.Min(math.Pow(2, float64(vs.count-2)), maxLockout.Seconds())) * time.Second
		vs.lockoutUntil = now.Add(lockout)
		rl.Lockout = lockout
		logger.Warn("rate_limit_lockout", "participant", participantID, "violations", vs.count, "lockout", lockout.String())
	}
	telemetry.RateLimitDenials.WithLabelValues(cat).Inc()
	return rl
}

// Remaining reports the current token count and time-to-full for a bucket
// without consuming anything. Useful for client backoff hints.
func (l *Limiter) Remaining(participantID, category string) (int, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cat, prof := l.profile(category)
	key := bucketKey{participant: participantID, category: cat}
	b, ok := l.buckets[key]
	if !ok {
		return prof.Capacity, 0
	}
	b.refill(l.now())
	return b.tokens, b.resetAfter()
}

// Reset administratively clears a participant's buckets, violations and
// any active lockout.
func (l *Limiter) Reset(participantID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key := range l.buckets {
		if key.participant == participantID {
			delete(l.buckets, key)
		}
	}
	delete(l.violations, participantID)
	logger.Info("rate_limit_reset", "participant", participantID)
}

// cleanup drops expired lockouts and buckets that have been full (idle)
// long enough to carry no state worth keeping.
func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for id, vs := range l.violations {
		if !vs.lockoutUntil.IsZero() && !vs.lockoutUntil.After(now) {
			delete(l.violations, id)
		}
	}
	for key, b := range l.buckets {
		b.refill(now)
		if b.tokens >= b.capacity {
			delete(l.buckets, key)
		}
	}
}

// StartCleanup runs the janitor on the given interval until ctx is done.
func (l *Limiter) StartCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.cleanup()
			}
		}
	}()
}
