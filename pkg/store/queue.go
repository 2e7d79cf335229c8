package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"twinchat/pkg/errdefs"
	"twinchat/pkg/logger"
	"twinchat/pkg/models"
)

func queueEntryKey(id string) []byte { return []byte("queue:entry:" + id) }

func queueRecipientKey(recipient string, ts int64, id string) []byte {
	return []byte(fmt.Sprintf("queue:recipient:%s:%020d-%s", recipient, ts, id))
}

// SaveQueueEntry persists an entry and maintains the recipient index on
// first write. Also used to flip status on retry/terminal transitions.
func (s *Store) SaveQueueEntry(e models.QueueEntry) (models.QueueEntry, error) {
	if !s.Ready() {
		return e, fmt.Errorf("%w: store not opened", errdefs.ErrPersistence)
	}
	if e.ID == "" || e.Recipient == "" {
		return e, fmt.Errorf("%w: queue entry missing id or recipient", errdefs.ErrValidation)
	}
	if e.ExpiresTS <= e.CreatedTS {
		return e, fmt.Errorf("%w: expires_ts must be after created_ts", errdefs.ErrValidation)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return e, fmt.Errorf("failed to marshal queue entry: %w", err)
	}
	if err := s.set(queueEntryKey(e.ID), data); err != nil {
		logger.Error("save_queue_entry_failed", "entry", e.ID, "error", err)
		return e, err
	}
	if err := s.set(queueRecipientKey(e.Recipient, e.CreatedTS, e.ID), []byte(e.ID)); err != nil {
		return e, err
	}
	logger.Debug("queue_entry_saved", "entry", e.ID, "status", string(e.Status), "attempts", e.Attempts)
	return e, nil
}

// GetQueueEntry returns one entry by id.
func (s *Store) GetQueueEntry(id string) (models.QueueEntry, error) {
	var e models.QueueEntry
	if !s.Ready() {
		return e, fmt.Errorf("%w: store not opened", errdefs.ErrPersistence)
	}
	v, err := s.get(queueEntryKey(id))
	if err != nil {
		return e, err
	}
	if err := json.Unmarshal(v, &e); err != nil {
		return e, fmt.Errorf("invalid stored queue entry %s: %w", id, err)
	}
	return e, nil
}

// PendingForRecipient returns pending entries addressed to a participant in
// creation order, oldest first.
func (s *Store) PendingForRecipient(participantID string) ([]models.QueueEntry, error) {
	if !s.Ready() {
		return nil, fmt.Errorf("%w: store not opened", errdefs.ErrPersistence)
	}
	iter, err := s.prefixIter([]byte("queue:recipient:" + participantID + ":"))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []models.QueueEntry
	for ok := iter.First(); ok; ok = iter.Next() {
		e, err := s.GetQueueEntry(string(iter.Value()))
		if err != nil {
			continue
		}
		if e.Status == models.QueuePending {
			out = append(out, e)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrPersistence, err)
	}
	return out, nil
}

// DuePending returns up to limit pending entries across all recipients
// whose next attempt is due at or before now, ordered by next attempt time.
func (s *Store) DuePending(now time.Time, limit int) ([]models.QueueEntry, error) {
	if !s.Ready() {
		return nil, fmt.Errorf("%w: store not opened", errdefs.ErrPersistence)
	}
	iter, err := s.prefixIter([]byte("queue:entry:"))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	nowNS := now.UTC().UnixNano()
	var out []models.QueueEntry
	for ok := iter.First(); ok; ok = iter.Next() {
		var e models.QueueEntry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			continue
		}
		if e.Status == models.QueuePending && e.NextAttemptTS <= nowNS {
			out = append(out, e)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrPersistence, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptTS < out[j].NextAttemptTS })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteTerminalQueueEntries removes delivered/failed/expired entries
// created before the cutoff, returning the number removed.
func (s *Store) DeleteTerminalQueueEntries(olderThan time.Time) (int, error) {
	if !s.Ready() {
		return 0, fmt.Errorf("%w: store not opened", errdefs.ErrPersistence)
	}
	iter, err := s.prefixIter([]byte("queue:entry:"))
	if err != nil {
		return 0, err
	}
	cutoff := olderThan.UTC().UnixNano()
	var victims []models.QueueEntry
	for ok := iter.First(); ok; ok = iter.Next() {
		var e models.QueueEntry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			continue
		}
		if e.Status.Terminal() && e.CreatedTS < cutoff {
			victims = append(victims, e)
		}
	}
	if err := iter.Error(); err != nil {
		iter.Close()
		return 0, fmt.Errorf("%w: %v", errdefs.ErrPersistence, err)
	}
	_ = iter.Close()

	for _, e := range victims {
		if err := s.delete(queueEntryKey(e.ID)); err != nil {
			return 0, err
		}
		if err := s.delete(queueRecipientKey(e.Recipient, e.CreatedTS, e.ID)); err != nil {
			return 0, err
		}
	}
	if len(victims) > 0 {
		logger.Info("queue_entries_purged", "count", len(victims))
	}
	return len(victims), nil
}

// QueueStats counts entries by status for one pair.
func (s *Store) QueueStats(pairID string) (models.QueueStats, error) {
	st := models.QueueStats{Pair: pairID}
	if !s.Ready() {
		return st, fmt.Errorf("%w: store not opened", errdefs.ErrPersistence)
	}
	iter, err := s.prefixIter([]byte("queue:entry:"))
	if err != nil {
		return st, err
	}
	defer iter.Close()

	for ok := iter.First(); ok; ok = iter.Next() {
		var e models.QueueEntry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			continue
		}
		if e.Pair != pairID {
			continue
		}
		st.Total++
		switch e.Status {
		case models.QueuePending:
			st.Pending++
		case models.QueueProcessing:
			st.Processing++
		case models.QueueDelivered:
			st.Delivered++
		case models.QueueFailed:
			st.Failed++
		case models.QueueExpired:
			st.Expired++
		}
	}
	if err := iter.Error(); err != nil {
		return st, fmt.Errorf("%w: %v", errdefs.ErrPersistence, err)
	}
	return st, nil
}
