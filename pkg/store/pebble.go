package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	"twinchat/pkg/errdefs"
	"twinchat/pkg/logger"
	"twinchat/pkg/models"
)

// Key layout:
//
//	pair:<pairID>:meta                          TwinPair JSON
//	pair:<pairID>:msg:<pad20 ts>-<msgID>        message id (ordering index)
//	msg:<msgID>                                 canonical Message JSON
//	undeliv:<participant>:<pad20 ts>-<msgID>    message id (undelivered index)
//	reaction:<msgID>:<userID>:<emoji>           Reaction JSON
//	queue:entry:<entryID>                       QueueEntry JSON
//	queue:recipient:<participant>:<pad20 ts>-<entryID>  entry id
//
// The padded-nanosecond prefix keeps pebble iteration in creation order.

// Store is the durable message store. One instance is constructed at
// bootstrap and shared by the gateway, queue manager and retention sweeper.
type Store struct {
	db  *pebble.DB
	now func() time.Time
}

// Open opens (or creates) a Pebble database at the given path.
func Open(path string) (*Store, error) {
	logger.Info("opening_pebble_db", "path", path)
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, err
	}
	logger.Info("pebble_opened", "path", path)
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the underlying pebble DB.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return err
	}
	s.db = nil
	logger.Info("pebble_closed")
	return nil
}

// Ready reports whether the store is opened and usable.
func (s *Store) Ready() bool { return s != nil && s.db != nil }

// WithClock overrides the store's time source. Intended for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func msgKey(id string) []byte { return []byte("msg:" + id) }

func pairMsgKey(pairID string, ts int64, id string) []byte {
	return []byte(fmt.Sprintf("pair:%s:msg:%020d-%s", pairID, ts, id))
}

func undelivKey(participant string, ts int64, id string) []byte {
	return []byte(fmt.Sprintf("undeliv:%s:%020d-%s", participant, ts, id))
}

func (s *Store) set(key, value []byte) error {
	if err := s.db.Set(key, value, pebble.Sync); err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrPersistence, err)
	}
	return nil
}

func (s *Store) get(key []byte) ([]byte, error) {
	v, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, errdefs.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", errdefs.ErrPersistence, err)
	}
	out := append([]byte(nil), v...)
	if closer != nil {
		_ = closer.Close()
	}
	return out, nil
}

func (s *Store) delete(key []byte) error {
	if err := s.db.Delete(key, pebble.Sync); err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrPersistence, err)
	}
	return nil
}

// SaveMessage persists a new message with delivery and read state unset and
// indexes it for pair-ordered history and undelivered lookup. Returns the
// stored record.
func (s *Store) SaveMessage(m models.Message) (models.Message, error) {
	if !s.Ready() {
		return m, fmt.Errorf("%w: store not opened", errdefs.ErrPersistence)
	}
	if m.ID == "" || m.Pair == "" || m.Sender == "" || m.Recipient == "" {
		return m, fmt.Errorf("%w: message missing id, pair or endpoints", errdefs.ErrValidation)
	}
	if m.CreatedTS == 0 {
		m.CreatedTS = s.now().UTC().UnixNano()
	}
	m.DeliveredTS = 0
	m.ReadTS = 0
	m.DeletedTS = 0

	data, err := json.Marshal(m)
	if err != nil {
		return m, fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := s.set(msgKey(m.ID), data); err != nil {
		logger.Error("save_message_failed", "pair", m.Pair, "msg_id", m.ID, "error", err)
		return m, err
	}
	if err := s.set(pairMsgKey(m.Pair, m.CreatedTS, m.ID), []byte(m.ID)); err != nil {
		return m, err
	}
	if err := s.set(undelivKey(m.Recipient, m.CreatedTS, m.ID), []byte(m.ID)); err != nil {
		return m, err
	}
	logger.Debug("message_saved", "pair", m.Pair, "msg_id", m.ID, "recipient", m.Recipient)
	return m, nil
}

// GetMessage returns the message with the given id.
func (s *Store) GetMessage(id string) (models.Message, error) {
	var m models.Message
	if !s.Ready() {
		return m, fmt.Errorf("%w: store not opened", errdefs.ErrPersistence)
	}
	v, err := s.get(msgKey(id))
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(v, &m); err != nil {
		return m, fmt.Errorf("invalid stored message %s: %w", id, err)
	}
	return m, nil
}

func (s *Store) putMessage(m models.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return s.set(msgKey(m.ID), data)
}

// MarkDelivered records first delivery of a message. Idempotent: a message
// already delivered is returned unchanged.
func (s *Store) MarkDelivered(id string) (models.Message, error) {
	m, err := s.GetMessage(id)
	if err != nil {
		return m, err
	}
	if m.DeliveredTS != 0 {
		return m, nil
	}
	m.DeliveredTS = s.now().UTC().UnixNano()
	if err := s.putMessage(m); err != nil {
		return m, err
	}
	if err := s.delete(undelivKey(m.Recipient, m.CreatedTS, m.ID)); err != nil {
		return m, err
	}
	logger.Debug("message_delivered", "msg_id", m.ID, "pair", m.Pair)
	return m, nil
}

// MarkRead records a read acknowledgment. The read-implies-delivered
// invariant is enforced here: an undelivered message is marked delivered in
// the same update.
func (s *Store) MarkRead(id string) (models.Message, error) {
	m, err := s.GetMessage(id)
	if err != nil {
		return m, err
	}
	if m.ReadTS != 0 {
		return m, nil
	}
	ts := s.now().UTC().UnixNano()
	if m.DeliveredTS == 0 {
		m.DeliveredTS = ts
		if err := s.delete(undelivKey(m.Recipient, m.CreatedTS, m.ID)); err != nil {
			return m, err
		}
	}
	m.ReadTS = ts
	if err := s.putMessage(m); err != nil {
		return m, err
	}
	logger.Debug("message_read", "msg_id", m.ID, "pair", m.Pair)
	return m, nil
}

// prefixIter returns an iterator bounded to keys starting with prefix.
func (s *Store) prefixIter(prefix []byte) (*pebble.Iterator, error) {
	upper := append(append([]byte(nil), prefix...), 0xff)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrPersistence, err)
	}
	return iter, nil
}

// HistoryOptions filter paginated history retrieval. Before/After bound
// CreatedTS (exclusive, unix nanoseconds); Type filters by message type.
type HistoryOptions struct {
	Limit  int
	Offset int
	Before int64
	After  int64
	Type   models.MessageType
}

// MaxHistoryLimit caps a single history page.
const MaxHistoryLimit = 100

// History returns messages for a pair ordered by creation time descending,
// excluding soft-deleted rows. hasMore reports whether another page exists
// past the returned one.
func (s *Store) History(pairID string, opts HistoryOptions) ([]models.Message, bool, error) {
	if !s.Ready() {
		return nil, false, fmt.Errorf("%w: store not opened", errdefs.ErrPersistence)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	iter, err := s.prefixIter([]byte("pair:" + pairID + ":msg:"))
	if err != nil {
		return nil, false, err
	}
	defer iter.Close()

	var out []models.Message
	skipped := 0
	// newest first: walk the ordering index backwards
	for ok := iter.Last(); ok; ok = iter.Prev() {
		id := string(iter.Value())
		m, err := s.GetMessage(id)
		if err != nil {
			if errors.Is(err, errdefs.ErrNotFound) {
				continue // index ahead of a hard delete
			}
			return nil, false, err
		}
		if m.Deleted() {
			continue
		}
		if opts.Before != 0 && m.CreatedTS >= opts.Before {
			continue
		}
		if opts.After != 0 && m.CreatedTS <= opts.After {
			continue
		}
		if opts.Type != "" && m.Type != opts.Type {
			continue
		}
		if skipped < opts.Offset {
			skipped++
			continue
		}
		out = append(out, m)
		// fetch one past the page to compute hasMore
		if len(out) > limit {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return nil, false, fmt.Errorf("%w: %v", errdefs.ErrPersistence, err)
	}
	hasMore := false
	if len(out) > limit {
		hasMore = true
		out = out[:limit]
	}
	return out, hasMore, nil
}

// Undelivered returns messages addressed to the participant that have not
// been delivered, oldest first so conversational order is preserved on
// reconnect. pairID narrows the result when non-empty.
func (s *Store) Undelivered(participantID, pairID string) ([]models.Message, error) {
	if !s.Ready() {
		return nil, fmt.Errorf("%w: store not opened", errdefs.ErrPersistence)
	}
	iter, err := s.prefixIter([]byte("undeliv:" + participantID + ":"))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []models.Message
	for ok := iter.First(); ok; ok = iter.Next() {
		id := string(iter.Value())
		m, err := s.GetMessage(id)
		if err != nil {
			if errors.Is(err, errdefs.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if m.Deleted() || m.Delivered() {
			continue
		}
		if pairID != "" && m.Pair != pairID {
			continue
		}
		out = append(out, m)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrPersistence, err)
	}
	return out, nil
}
