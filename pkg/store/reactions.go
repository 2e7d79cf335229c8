package store

import (
	"encoding/json"
	"fmt"

	"twinchat/pkg/errdefs"
	"twinchat/pkg/logger"
	"twinchat/pkg/models"
)

func reactionKey(messageID, userID, emoji string) []byte {
	return []byte("reaction:" + messageID + ":" + userID + ":" + emoji)
}

// AddReaction upserts the (message, user, emoji) tuple. Re-adding the same
// tuple refreshes its timestamp rather than duplicating.
func (s *Store) AddReaction(messageID, userID, emoji string) (models.Reaction, error) {
	var r models.Reaction
	if !s.Ready() {
		return r, fmt.Errorf("%w: store not opened", errdefs.ErrPersistence)
	}
	if userID == "" || emoji == "" {
		return r, fmt.Errorf("%w: user and emoji required", errdefs.ErrValidation)
	}
	// reactions only attach to existing messages
	if _, err := s.GetMessage(messageID); err != nil {
		return r, err
	}
	r = models.Reaction{
		MessageID: messageID,
		UserID:    userID,
		Emoji:     emoji,
		TS:        s.now().UTC().UnixNano(),
	}
	data, err := json.Marshal(r)
	if err != nil {
		return r, fmt.Errorf("failed to marshal reaction: %w", err)
	}
	if err := s.set(reactionKey(messageID, userID, emoji), data); err != nil {
		logger.Error("save_reaction_failed", "msg_id", messageID, "user", userID, "error", err)
		return r, err
	}
	logger.Debug("reaction_saved", "msg_id", messageID, "user", userID, "emoji", emoji)
	return r, nil
}

// RemoveReaction hard-deletes the tuple; ErrNotFound when absent.
func (s *Store) RemoveReaction(messageID, userID, emoji string) error {
	if !s.Ready() {
		return fmt.Errorf("%w: store not opened", errdefs.ErrPersistence)
	}
	key := reactionKey(messageID, userID, emoji)
	if _, err := s.get(key); err != nil {
		return err
	}
	if err := s.delete(key); err != nil {
		return err
	}
	logger.Debug("reaction_removed", "msg_id", messageID, "user", userID, "emoji", emoji)
	return nil
}

// ListReactions returns all reactions on a message.
func (s *Store) ListReactions(messageID string) ([]models.Reaction, error) {
	if !s.Ready() {
		return nil, fmt.Errorf("%w: store not opened", errdefs.ErrPersistence)
	}
	iter, err := s.prefixIter([]byte("reaction:" + messageID + ":"))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []models.Reaction
	for ok := iter.First(); ok; ok = iter.Next() {
		var r models.Reaction
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			return nil, fmt.Errorf("invalid stored reaction: %w", err)
		}
		out = append(out, r)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrPersistence, err)
	}
	return out, nil
}

// deleteReactionsFor removes all reactions attached to a message. Used by
// the hard-delete path so reactions never outlive their message.
func (s *Store) deleteReactionsFor(messageID string) (int, error) {
	iter, err := s.prefixIter([]byte("reaction:" + messageID + ":"))
	if err != nil {
		return 0, err
	}
	var keys [][]byte
	for ok := iter.First(); ok; ok = iter.Next() {
		keys = append(keys, append([]byte(nil), iter.Key()...))
	}
	if err := iter.Error(); err != nil {
		iter.Close()
		return 0, fmt.Errorf("%w: %v", errdefs.ErrPersistence, err)
	}
	_ = iter.Close()
	for _, k := range keys {
		if err := s.delete(k); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}
