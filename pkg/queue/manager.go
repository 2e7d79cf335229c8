package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"twinchat/pkg/logger"
	"twinchat/pkg/models"
	"twinchat/pkg/store"
	"twinchat/pkg/telemetry"
	"twinchat/pkg/utils"
)

// Resolution reports which of the two mutually exclusive delivery paths a
// message took.
type Resolution string

const (
	ResolvedDelivered Resolution = "delivered"
	ResolvedQueued    Resolution = "queued"
)

// PushFunc delivers a message over a live connection. An error means the
// recipient could not be reached for this attempt.
type PushFunc func(ctx context.Context, m models.Message) error

// ErrRecipientUnavailable is returned (possibly wrapped) by a PushFunc when
// the connection cannot take this entry at all: the session is gone or the
// entry's room has not been joined. The manager treats it like an offline
// recipient, leaving the entry pending without charging an attempt.
var ErrRecipientUnavailable = errors.New("recipient unavailable")

// Options tune the manager; zero values take the defaults used in
// production.
type Options struct {
	MaxAttempts int
	Expiry      time.Duration
	Backoff     []time.Duration
	SweepBatch  int
}

// Manager decides direct-deliver vs. enqueue-for-later, drains queues on
// reconnect and retries with backoff. It owns the per-participant drain
// locks; all durable state lives in the store.
type Manager struct {
	store *store.Store

	maxAttempts int
	expiry      time.Duration
	backoff     []time.Duration
	sweepBatch  int

	mu     sync.Mutex
	drains map[string]*sync.Mutex

	now func() time.Time
}

// NewManager builds a Manager over the given store.
func NewManager(st *store.Store, opts Options) *Manager {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Expiry <= 0 {
		opts.Expiry = 24 * time.Hour
	}
	if len(opts.Backoff) == 0 {
		opts.Backoff = []time.Duration{5 * time.Second, 15 * time.Second, 60 * time.Second}
	}
	if opts.SweepBatch <= 0 {
		opts.SweepBatch = 100
	}
	return &Manager{
		store:       st,
		maxAttempts: opts.MaxAttempts,
		expiry:      opts.Expiry,
		backoff:     opts.Backoff,
		sweepBatch:  opts.SweepBatch,
		drains:      map[string]*sync.Mutex{},
		now:         time.Now,
	}
}

// WithClock overrides the manager's time source. Intended for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// drainLock returns the mutual-exclusion guard for one participant,
// creating it lazily.
func (m *Manager) drainLock(participantID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.drains[participantID]
	if !ok {
		l = &sync.Mutex{}
		m.drains[participantID] = l
	}
	return l
}

// Resolve takes a freshly persisted message down exactly one of the two
// delivery paths: mark delivered when the recipient is online and in the
// room, otherwise snapshot it into a pending queue entry.
func (m *Manager) Resolve(msg models.Message, recipientOnlineAndInRoom bool) (Resolution, error) {
	if recipientOnlineAndInRoom {
		if _, err := m.store.MarkDelivered(msg.ID); err != nil {
			return "", err
		}
		telemetry.MessagesDelivered.WithLabelValues("direct").Inc()
		return ResolvedDelivered, nil
	}

	now := m.now().UTC()
	entry := models.QueueEntry{
		ID:            utils.GenID(),
		Pair:          msg.Pair,
		Sender:        msg.Sender,
		Recipient:     msg.Recipient,
		Snapshot:      msg,
		Status:        models.QueuePending,
		Attempts:      0,
		MaxAttempts:   m.maxAttempts,
		CreatedTS:     now.UnixNano(),
		NextAttemptTS: now.UnixNano(),
		ExpiresTS:     now.Add(m.expiry).UnixNano(),
	}
	if _, err := m.store.SaveQueueEntry(entry); err != nil {
		return "", err
	}
	telemetry.MessagesQueued.Inc()
	logger.Info("message_queued", "entry", entry.ID, "msg_id", msg.ID, "recipient", msg.Recipient)
	return ResolvedQueued, nil
}

// processEntry runs one delivery attempt for a pending entry and persists
// the resulting transition. Callers must hold the recipient's drain lock.
func (m *Manager) processEntry(ctx context.Context, e models.QueueEntry, push PushFunc, path string) models.QueueEntry {
	now := m.now().UTC()
	if now.UnixNano() > e.ExpiresTS {
		e.Status = models.QueueExpired
		if _, err := m.store.SaveQueueEntry(e); err != nil {
			logger.Error("queue_entry_expire_failed", "entry", e.ID, "error", err)
			return e
		}
		telemetry.QueueTerminal.WithLabelValues(string(models.QueueExpired)).Inc()
		logger.Info("queue_entry_expired", "entry", e.ID, "msg_id", e.Snapshot.ID)
		return e
	}

	e.Status = models.QueueProcessing
	if _, err := m.store.SaveQueueEntry(e); err != nil {
		logger.Error("queue_entry_claim_failed", "entry", e.ID, "error", err)
		return e
	}

	// backoff index uses the attempt count before this try; later retries
	// reuse the last, largest delay
	backoffIdx := e.Attempts
	if backoffIdx >= len(m.backoff) {
		backoffIdx = len(m.backoff) - 1
	}

	err := push(ctx, e.Snapshot)
	if errors.Is(err, ErrRecipientUnavailable) {
		// not a delivery failure: the entry stays pending with its attempt
		// count untouched until a join drain picks it up or it expires
		e.Status = models.QueuePending
		if _, serr := m.store.SaveQueueEntry(e); serr != nil {
			logger.Error("queue_entry_save_failed", "entry", e.ID, "error", serr)
		}
		logger.Debug("queue_entry_deferred", "entry", e.ID, "reason", err)
		return e
	}
	e.Attempts++
	if err == nil {
		if _, derr := m.store.MarkDelivered(e.Snapshot.ID); derr != nil {
			err = derr
		}
	}
	if err == nil {
		e.Status = models.QueueDelivered
		e.LastError = ""
		telemetry.MessagesDelivered.WithLabelValues(path).Inc()
		telemetry.QueueTerminal.WithLabelValues(string(models.QueueDelivered)).Inc()
		logger.Info("queue_entry_delivered", "entry", e.ID, "msg_id", e.Snapshot.ID, "attempts", e.Attempts)
	} else {
		e.LastError = err.Error()
		if e.Attempts >= e.MaxAttempts {
			e.Status = models.QueueFailed
			telemetry.QueueTerminal.WithLabelValues(string(models.QueueFailed)).Inc()
			logger.Warn("queue_entry_failed", "entry", e.ID, "msg_id", e.Snapshot.ID, "attempts", e.Attempts, "error", err)
		} else {
			e.Status = models.QueuePending
			e.NextAttemptTS = now.Add(m.backoff[backoffIdx]).UnixNano()
			logger.Debug("queue_entry_rescheduled", "entry", e.ID, "attempts", e.Attempts, "delay", m.backoff[backoffIdx].String())
		}
	}
	if _, serr := m.store.SaveQueueEntry(e); serr != nil {
		logger.Error("queue_entry_save_failed", "entry", e.ID, "error", serr)
	}
	return e
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Delivered int
	Failed    int
	Expired   int
	Pending   int
}

// DrainForParticipant processes all pending entries for one participant in
// creation order. At most one drain runs per participant at a time, so
// overlapping reconnects cannot double-deliver an entry.
func (m *Manager) DrainForParticipant(ctx context.Context, participantID string, push PushFunc) (DrainResult, error) {
	lock := m.drainLock(participantID)
	lock.Lock()
	defer lock.Unlock()

	var res DrainResult
	entries, err := m.store.PendingForRecipient(participantID)
	if err != nil {
		return res, err
	}
	for _, e := range entries {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		done := m.processEntry(ctx, e, push, "drain")
		switch done.Status {
		case models.QueueDelivered:
			res.Delivered++
		case models.QueueFailed:
			res.Failed++
		case models.QueueExpired:
			res.Expired++
		default:
			res.Pending++
		}
	}
	if len(entries) > 0 {
		logger.Info("queue_drained", "participant", participantID,
			"delivered", res.Delivered, "failed", res.Failed, "expired", res.Expired, "pending", res.Pending)
	}
	return res, nil
}

// PushResolver maps a participant to a live-connection push function, or
// nil when the participant is offline. The session gateway implements it.
type PushResolver interface {
	PushFor(participantID string) PushFunc
}

// RetrySweep processes due pending entries across all participants,
// independent of any single reconnect. Entries are grouped by recipient and
// handled under the same per-participant drain locks, so a sweep never
// races an in-flight drain onto the same entries.
func (m *Manager) RetrySweep(ctx context.Context, resolver PushResolver) (DrainResult, error) {
	var res DrainResult
	due, err := m.store.DuePending(m.now(), m.sweepBatch)
	if err != nil {
		return res, err
	}
	byRecipient := map[string][]models.QueueEntry{}
	for _, e := range due {
		byRecipient[e.Recipient] = append(byRecipient[e.Recipient], e)
	}
	for recipient, entries := range byRecipient {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		push := resolver.PushFor(recipient)
		lock := m.drainLock(recipient)
		lock.Lock()
		for _, e := range entries {
			// the drain that held this lock first may have finished the entry
			cur, err := m.store.GetQueueEntry(e.ID)
			if err != nil || cur.Status != models.QueuePending {
				continue
			}
			if push == nil {
				// recipient still offline: expire overdue entries, leave the
				// rest for the next sweep or reconnect
				if m.now().UTC().UnixNano() > cur.ExpiresTS {
					cur.Status = models.QueueExpired
					if _, err := m.store.SaveQueueEntry(cur); err == nil {
						telemetry.QueueTerminal.WithLabelValues(string(models.QueueExpired)).Inc()
						res.Expired++
					}
				} else {
					res.Pending++
				}
				continue
			}
			done := m.processEntry(ctx, cur, push, "sweep")
			switch done.Status {
			case models.QueueDelivered:
				res.Delivered++
			case models.QueueFailed:
				res.Failed++
			case models.QueueExpired:
				res.Expired++
			default:
				res.Pending++
			}
		}
		lock.Unlock()
	}
	if len(due) > 0 {
		logger.Info("queue_retry_sweep", "due", len(due),
			"delivered", res.Delivered, "failed", res.Failed, "expired", res.Expired, "pending", res.Pending)
	}
	return res, nil
}

// Stats returns entry counts by status for one pair.
func (m *Manager) Stats(pairID string) (models.QueueStats, error) {
	return m.store.QueueStats(pairID)
}
