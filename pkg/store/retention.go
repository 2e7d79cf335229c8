package store

import (
	"encoding/json"
	"fmt"
	"time"

	"twinchat/pkg/errdefs"
	"twinchat/pkg/logger"
	"twinchat/pkg/models"
)

// SoftDeleteMessages marks messages created before the cutoff as deleted
// and drops their undelivered index entries. Already-deleted rows are left
// untouched. Returns the number of messages newly soft-deleted.
func (s *Store) SoftDeleteMessages(olderThan time.Time) (int, error) {
	if !s.Ready() {
		return 0, fmt.Errorf("%w: store not opened", errdefs.ErrPersistence)
	}
	iter, err := s.prefixIter([]byte("msg:"))
	if err != nil {
		return 0, err
	}
	cutoff := olderThan.UTC().UnixNano()
	var victims []models.Message
	for ok := iter.First(); ok; ok = iter.Next() {
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			continue
		}
		if !m.Deleted() && m.CreatedTS < cutoff {
			victims = append(victims, m)
		}
	}
	if err := iter.Error(); err != nil {
		iter.Close()
		return 0, fmt.Errorf("%w: %v", errdefs.ErrPersistence, err)
	}
	_ = iter.Close()

	now := s.now().UTC().UnixNano()
	for _, m := range victims {
		m.DeletedTS = now
		if err := s.putMessage(m); err != nil {
			return 0, err
		}
		if !m.Delivered() {
			if err := s.delete(undelivKey(m.Recipient, m.CreatedTS, m.ID)); err != nil {
				return 0, err
			}
		}
	}
	if len(victims) > 0 {
		logger.Info("messages_soft_deleted", "count", len(victims))
	}
	return len(victims), nil
}

// HardDeleteMessages permanently removes messages whose soft-deletion is
// older than the cutoff, deleting attached reactions and indexes first. A
// message with no DeletedTS is never hard-deleted.
func (s *Store) HardDeleteMessages(deletedBefore time.Time) (int, error) {
	if !s.Ready() {
		return 0, fmt.Errorf("%w: store not opened", errdefs.ErrPersistence)
	}
	iter, err := s.prefixIter([]byte("msg:"))
	if err != nil {
		return 0, err
	}
	cutoff := deletedBefore.UTC().UnixNano()
	var victims []models.Message
	for ok := iter.First(); ok; ok = iter.Next() {
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			continue
		}
		if m.Deleted() && m.DeletedTS < cutoff {
			victims = append(victims, m)
		}
	}
	if err := iter.Error(); err != nil {
		iter.Close()
		return 0, fmt.Errorf("%w: %v", errdefs.ErrPersistence, err)
	}
	_ = iter.Close()

	for _, m := range victims {
		// reactions cascade before the message row goes away
		if _, err := s.deleteReactionsFor(m.ID); err != nil {
			return 0, err
		}
		if err := s.delete(pairMsgKey(m.Pair, m.CreatedTS, m.ID)); err != nil {
			return 0, err
		}
		if err := s.delete(undelivKey(m.Recipient, m.CreatedTS, m.ID)); err != nil {
			return 0, err
		}
		if err := s.delete(msgKey(m.ID)); err != nil {
			return 0, err
		}
	}
	if len(victims) > 0 {
		logger.Info("messages_hard_deleted", "count", len(victims))
	}
	return len(victims), nil
}
