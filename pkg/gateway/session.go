package gateway

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/valyala/bytebufferpool"

	"twinchat/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	outboxCapacity = 256
)

// session is one live websocket connection bound to a participant.
// Outbound frames go through a bounded queue of pooled buffers drained by
// a single write pump; enqueue never blocks the event handler.
type session struct {
	participantID string
	conn          *websocket.Conn

	out     chan *bytebufferpool.ByteBuffer
	done    chan struct{}
	dropped uint64

	closeOnce sync.Once

	mu     sync.Mutex
	joined map[string]bool
}

func newSession(participantID string, conn *websocket.Conn) *session {
	return &session{
		participantID: participantID,
		conn:          conn,
		out:           make(chan *bytebufferpool.ByteBuffer, outboxCapacity),
		done:          make(chan struct{}),
		joined:        map[string]bool{},
	}
}

func (s *session) join(pairID string) {
	s.mu.Lock()
	s.joined[pairID] = true
	s.mu.Unlock()
}

func (s *session) inRoom(pairID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined[pairID]
}

func (s *session) joinedRooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.joined))
	for p := range s.joined {
		out = append(out, p)
	}
	return out
}

// send marshals an envelope into a pooled buffer and enqueues it for the
// write pump. Frames for slow consumers are dropped rather than blocking
// the caller.
func (s *session) send(eventType string, data any) {
	env := Envelope{Type: eventType}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			logger.Error("event_marshal_failed", "type", eventType, "error", err)
			return
		}
		env.Data = raw
	}
	buf := bytebufferpool.Get()
	enc := json.NewEncoder(buf)
	if err := enc.Encode(env); err != nil {
		bytebufferpool.Put(buf)
		logger.Error("envelope_encode_failed", "type", eventType, "error", err)
		return
	}

	select {
	case <-s.done:
		bytebufferpool.Put(buf)
	case s.out <- buf:
	default:
		bytebufferpool.Put(buf)
		atomic.AddUint64(&s.dropped, 1)
		logger.Warn("outbox_full_frame_dropped", "participant", s.participantID, "type", eventType)
	}
}

// writePump drains the outbox onto the socket and keeps the connection
// alive with pings. Exactly one pump runs per session.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case buf := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := s.conn.WriteMessage(websocket.TextMessage, buf.B)
			bytebufferpool.Put(buf)
			if err != nil {
				logger.Debug("socket_write_failed", "participant", s.participantID, "error", err)
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close signals the write pump to finish and releases queued buffers.
// Idempotent.
func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		for {
			select {
			case buf := <-s.out:
				bytebufferpool.Put(buf)
			default:
				return
			}
		}
	})
}

// Dropped returns the number of frames discarded due to a full outbox.
func (s *session) Dropped() uint64 { return atomic.LoadUint64(&s.dropped) }
