package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"twinchat/pkg/auth"
	"twinchat/pkg/errdefs"
	"twinchat/pkg/logger"
	"twinchat/pkg/models"
	"twinchat/pkg/queue"
	"twinchat/pkg/ratelimit"
	"twinchat/pkg/store"
	"twinchat/pkg/telemetry"
	"twinchat/pkg/utils"
)

// Options configure the Gateway.
type Options struct {
	Verifier        auth.Verifier
	Store           *store.Store
	Queue           *queue.Manager
	Limiter         *ratelimit.Limiter
	MaxContentBytes int
	TypingTTL       time.Duration
	AllowedOrigins  []string
}

// Gateway owns websocket sessions and dispatches the realtime event
// protocol. One session per participant; a reconnect replaces the prior
// session. It also implements queue.PushResolver so retry sweeps can reach
// live connections.
type Gateway struct {
	verifier        auth.Verifier
	store           *store.Store
	queue           *queue.Manager
	limiter         *ratelimit.Limiter
	maxContentBytes int

	upgrader websocket.Upgrader
	typing   *typingTracker

	mu       sync.Mutex
	sessions map[string]*session
}

// New builds a Gateway.
func New(opts Options) *Gateway {
	if opts.MaxContentBytes <= 0 {
		opts.MaxContentBytes = 64 * 1024
	}
	g := &Gateway{
		verifier:        opts.Verifier,
		store:           opts.Store,
		queue:           opts.Queue,
		limiter:         opts.Limiter,
		maxContentBytes: opts.MaxContentBytes,
		sessions:        map[string]*session{},
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     makeOriginCheck(opts.AllowedOrigins),
	}
	g.typing = newTypingTracker(opts.TypingTTL, g.typingExpired)
	return g
}

func makeOriginCheck(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

// ServeWS authenticates and upgrades a websocket connection. The token is
// verified before the upgrade so unauthenticated callers get a plain 401
// instead of a half-open socket.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		authz := r.Header.Get("Authorization")
		if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			token = strings.TrimSpace(authz[7:])
		}
	}
	participantID, err := g.verifier.Verify(token)
	if err != nil {
		utils.JSONError(w, http.StatusUnauthorized, "authentication failed")
		logger.Warn("ws_auth_refused", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("ws_upgrade_failed", "participant", participantID, "error", err)
		return
	}

	s := newSession(participantID, conn)
	g.register(s)
	go s.writePump()

	pairs, err := g.store.PairsFor(participantID)
	if err != nil {
		logger.Error("pairs_lookup_failed", "participant", participantID, "error", err)
	}
	s.send(EvtConnected, connectedEvent{ParticipantID: participantID, Pairs: pairs})
	logger.Info("session_connected", "participant", participantID, "pairs", len(pairs))

	g.readPump(r.Context(), s)
	g.disconnect(s)
}

// register installs the session, displacing any previous connection for the
// same participant.
func (g *Gateway) register(s *session) {
	g.mu.Lock()
	prev := g.sessions[s.participantID]
	g.sessions[s.participantID] = s
	g.mu.Unlock()
	if prev != nil {
		prev.close()
		logger.Info("session_replaced", "participant", s.participantID)
	} else {
		telemetry.OnlineSessions.Inc()
	}
}

// sessionFor returns the live session for a participant, or nil.
func (g *Gateway) sessionFor(participantID string) *session {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessions[participantID]
}

// peerInRoom returns the participant's live session only when it has joined
// the given room.
func (g *Gateway) peerInRoom(participantID, pairID string) *session {
	s := g.sessionFor(participantID)
	if s == nil || !s.inRoom(pairID) {
		return nil
	}
	return s
}

// disconnect tears the session down: typing timers are cleared with a final
// isTyping=false, peers get presence offline, and the session slot is freed
// only if it was not already replaced by a newer connection.
func (g *Gateway) disconnect(s *session) {
	s.close()

	g.mu.Lock()
	current := g.sessions[s.participantID] == s
	if current {
		delete(g.sessions, s.participantID)
	}
	g.mu.Unlock()
	if !current {
		return
	}
	telemetry.OnlineSessions.Dec()

	for _, pairID := range g.typing.StopAll(s.participantID) {
		g.notifyPeer(pairID, s.participantID, EvtTypingIndicator, typingEvent{
			PairID: pairID, ParticipantID: s.participantID, IsTyping: false,
		})
	}
	for _, pairID := range s.joinedRooms() {
		g.notifyPeer(pairID, s.participantID, EvtPresence, presenceEvent{
			PairID: pairID, ParticipantID: s.participantID, Online: false,
		})
	}
	logger.Info("session_disconnected", "participant", s.participantID, "dropped_frames", s.Dropped())
}

// notifyPeer sends an event to the other member of the pair if they are
// online and in the room.
func (g *Gateway) notifyPeer(pairID, fromParticipant string, eventType string, data any) {
	pair, err := g.store.GetPair(pairID)
	if err != nil {
		return
	}
	peerID := pair.Peer(fromParticipant)
	if peerID == "" {
		return
	}
	if peer := g.peerInRoom(peerID, pairID); peer != nil {
		peer.send(eventType, data)
	}
}

func (g *Gateway) readPump(ctx context.Context, s *session) {
	s.conn.SetReadLimit(int64(g.maxContentBytes) + 4096)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("socket_read_failed", "participant", s.participantID, "error", err)
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.send(EvtError, errorEvent{Code: "validation", Message: "malformed envelope"})
			continue
		}
		g.dispatch(ctx, s, env)
	}
}

func (g *Gateway) dispatch(ctx context.Context, s *session, env Envelope) {
	switch env.Type {
	case EvtJoinTwinRoom:
		g.handleJoin(ctx, s, env.Data)
	case EvtSendMessage:
		g.handleSendMessage(s, env.Data)
	case EvtTypingStart:
		g.handleTyping(s, env.Data, true)
	case EvtTypingStop:
		g.handleTyping(s, env.Data, false)
	case EvtSendReaction:
		g.handleReaction(s, env.Data, false)
	case EvtRemoveReaction:
		g.handleReaction(s, env.Data, true)
	case EvtMarkRead:
		g.handleMarkRead(s, env.Data)
	case EvtGetHistory:
		g.handleHistory(s, env.Data)
	default:
		s.send(EvtError, errorEvent{Code: "validation", Message: "unknown event type: " + env.Type})
	}
}

// errorEventFor maps an error to a client error event, attaching rate limit
// backoff hints when present.
func errorEventFor(err error) errorEvent {
	var rl *errdefs.RateLimitError
	if errors.As(err, &rl) {
		ev := errorEvent{Code: "rate_limited", Message: rl.Error()}
		if rl.Lockout > 0 {
			secs := int(rl.Lockout.Seconds())
			ev.LockoutSecs = &secs
		} else {
			remaining := rl.Remaining
			reset := int(rl.ResetAfter.Seconds())
			ev.Remaining = &remaining
			ev.ResetSeconds = &reset
		}
		return ev
	}
	code := "internal"
	switch {
	case errors.Is(err, errdefs.ErrAuthorization):
		code = "forbidden"
	case errors.Is(err, errdefs.ErrValidation):
		code = "validation"
	case errors.Is(err, errdefs.ErrNotFound):
		code = "not_found"
	case errors.Is(err, errdefs.ErrAuthentication):
		code = "unauthorized"
	}
	return errorEvent{Code: code, Message: err.Error()}
}

func (s *session) sendErr(err error) {
	s.send(EvtError, errorEventFor(err))
}

// sendErrRef is sendErr with the offending message id attached.
func (s *session) sendErrRef(err error, messageID string) {
	ev := errorEventFor(err)
	ev.Ref = &messageID
	s.send(EvtError, ev)
}

func (g *Gateway) handleJoin(ctx context.Context, s *session, data json.RawMessage) {
	var p joinPayload
	if err := json.Unmarshal(data, &p); err != nil || p.PairID == "" {
		s.send(EvtError, errorEvent{Code: "validation", Message: "pair_id required"})
		return
	}
	if err := g.limiter.Check(s.participantID, ratelimit.CategoryPresence, 1); err != nil {
		s.sendErr(err)
		return
	}
	pair, err := g.store.GetPair(p.PairID)
	if err != nil {
		s.sendErr(err)
		return
	}
	if !pair.Member(s.participantID) {
		s.sendErr(errdefs.ErrAuthorization)
		logger.Warn("join_refused", "participant", s.participantID, "pair", p.PairID)
		return
	}

	s.join(p.PairID)
	s.send(EvtTwinRoomJoined, roomJoinedEvent{PairID: p.PairID})
	logger.Info("room_joined", "participant", s.participantID, "pair", p.PairID)

	peerID := pair.Peer(s.participantID)
	g.notifyPeer(p.PairID, s.participantID, EvtPresence, presenceEvent{
		PairID: p.PairID, ParticipantID: s.participantID, Online: true,
	})
	if g.peerInRoom(peerID, p.PairID) != nil {
		s.send(EvtPresence, presenceEvent{PairID: p.PairID, ParticipantID: peerID, Online: true})
	}

	// snapshot first so the client sees backlog in order, then let the queue
	// manager settle delivery state
	undeliv, err := g.store.Undelivered(s.participantID, p.PairID)
	if err != nil {
		logger.Error("undelivered_lookup_failed", "participant", s.participantID, "error", err)
	} else if len(undeliv) > 0 {
		s.send(EvtUndelivered, undeliveredEvent{PairID: p.PairID, Messages: undeliv})
	}
	if _, err := g.queue.DrainForParticipant(ctx, s.participantID, g.PushFor(s.participantID)); err != nil {
		logger.Error("queue_drain_failed", "participant", s.participantID, "error", err)
	}
}

func (g *Gateway) handleSendMessage(s *session, data json.RawMessage) {
	var p sendMessagePayload
	if err := json.Unmarshal(data, &p); err != nil || p.PairID == "" {
		s.send(EvtError, errorEvent{Code: "validation", Message: "pair_id required"})
		return
	}
	if !s.inRoom(p.PairID) {
		s.sendErr(errdefs.ErrAuthorization)
		return
	}
	if err := g.limiter.Check(s.participantID, ratelimit.CategoryMessage, 1); err != nil {
		s.sendErr(err)
		return
	}
	if p.Content == "" {
		s.send(EvtError, errorEvent{Code: "validation", Message: "content required"})
		return
	}
	if len(p.Content) > g.maxContentBytes {
		s.send(EvtError, errorEvent{Code: "validation", Message: "content too large"})
		return
	}
	if p.Type == "" {
		p.Type = models.MessageText
	}
	if !models.ValidMessageType(p.Type) {
		s.send(EvtError, errorEvent{Code: "validation", Message: "unknown message type"})
		return
	}
	pair, err := g.store.GetPair(p.PairID)
	if err != nil {
		s.sendErr(err)
		return
	}
	recipient := pair.Peer(s.participantID)
	if recipient == "" {
		s.sendErr(errdefs.ErrAuthorization)
		return
	}

	msg := models.Message{
		ID:        utils.GenID(),
		Pair:      p.PairID,
		Sender:    s.participantID,
		Recipient: recipient,
		Content:   p.Content,
		Type:      p.Type,
		Accent:    p.Accent,
	}
	msg, err = g.store.SaveMessage(msg)
	if err != nil {
		s.sendErr(err)
		return
	}
	telemetry.MessagesSent.Inc()
	g.store.TouchPair(p.PairID, msg.CreatedTS)

	// sending clears any armed typing indicator
	if g.typing.Stop(p.PairID, s.participantID) {
		g.notifyPeer(p.PairID, s.participantID, EvtTypingIndicator, typingEvent{
			PairID: p.PairID, ParticipantID: s.participantID, IsTyping: false,
		})
	}

	peer := g.peerInRoom(recipient, p.PairID)
	res, err := g.queue.Resolve(msg, peer != nil)
	if err != nil {
		s.sendErr(err)
		return
	}
	// echo the stored form back so the sender learns the id and timestamp
	s.send(EvtMessage, msg)
	if res == queue.ResolvedDelivered && peer != nil {
		stored, err := g.store.GetMessage(msg.ID)
		if err != nil {
			stored = msg
		}
		peer.send(EvtMessage, stored)
		s.send(EvtMessageDelivered, deliveredEvent{MessageID: stored.ID, DeliveredTS: stored.DeliveredTS})
	}
}

func (g *Gateway) handleTyping(s *session, data json.RawMessage, start bool) {
	var p typingPayload
	if err := json.Unmarshal(data, &p); err != nil || p.PairID == "" {
		s.send(EvtError, errorEvent{Code: "validation", Message: "pair_id required"})
		return
	}
	if !s.inRoom(p.PairID) {
		s.sendErr(errdefs.ErrAuthorization)
		return
	}
	if err := g.limiter.Check(s.participantID, ratelimit.CategoryTyping, 1); err != nil {
		s.sendErr(err)
		return
	}
	if start {
		if g.typing.Start(p.PairID, s.participantID) {
			g.notifyPeer(p.PairID, s.participantID, EvtTypingIndicator, typingEvent{
				PairID: p.PairID, ParticipantID: s.participantID, DisplayName: p.DisplayName, IsTyping: true,
			})
		}
		return
	}
	if g.typing.Stop(p.PairID, s.participantID) {
		g.notifyPeer(p.PairID, s.participantID, EvtTypingIndicator, typingEvent{
			PairID: p.PairID, ParticipantID: s.participantID, DisplayName: p.DisplayName, IsTyping: false,
		})
	}
}

// typingExpired is the tracker's timeout callback.
func (g *Gateway) typingExpired(pairID, participantID string) {
	g.notifyPeer(pairID, participantID, EvtTypingIndicator, typingEvent{
		PairID: pairID, ParticipantID: participantID, IsTyping: false,
	})
}

func (g *Gateway) handleReaction(s *session, data json.RawMessage, remove bool) {
	var p reactionPayload
	if err := json.Unmarshal(data, &p); err != nil || p.MessageID == "" || p.Emoji == "" {
		s.send(EvtError, errorEvent{Code: "validation", Message: "message_id and emoji required"})
		return
	}
	if err := g.limiter.Check(s.participantID, ratelimit.CategoryReaction, 1); err != nil {
		s.sendErr(err)
		return
	}
	msg, err := g.store.GetMessage(p.MessageID)
	if err != nil {
		s.sendErrRef(err, p.MessageID)
		return
	}
	if msg.Sender != s.participantID && msg.Recipient != s.participantID {
		s.sendErrRef(errdefs.ErrAuthorization, p.MessageID)
		return
	}

	var ev reactionEvent
	if remove {
		if err := g.store.RemoveReaction(p.MessageID, s.participantID, p.Emoji); err != nil {
			s.sendErrRef(err, p.MessageID)
			return
		}
		ev = reactionEvent{
			Reaction: models.Reaction{MessageID: p.MessageID, UserID: s.participantID, Emoji: p.Emoji},
			Removed:  true,
		}
	} else {
		r, err := g.store.AddReaction(p.MessageID, s.participantID, p.Emoji)
		if err != nil {
			s.sendErrRef(err, p.MessageID)
			return
		}
		ev = reactionEvent{Reaction: r}
	}
	s.send(EvtReaction, ev)
	g.notifyPeer(msg.Pair, s.participantID, EvtReaction, ev)
}

func (g *Gateway) handleMarkRead(s *session, data json.RawMessage) {
	var p markReadPayload
	if err := json.Unmarshal(data, &p); err != nil || p.MessageID == "" {
		s.send(EvtError, errorEvent{Code: "validation", Message: "message_id required"})
		return
	}
	if err := g.limiter.Check(s.participantID, ratelimit.CategoryGeneral, 1); err != nil {
		s.sendErr(err)
		return
	}
	msg, err := g.store.GetMessage(p.MessageID)
	if err != nil {
		s.sendErrRef(err, p.MessageID)
		return
	}
	// only the addressee can acknowledge a read
	if msg.Recipient != s.participantID {
		s.sendErrRef(errdefs.ErrAuthorization, p.MessageID)
		return
	}
	updated, err := g.store.MarkRead(p.MessageID)
	if err != nil {
		s.sendErrRef(err, p.MessageID)
		return
	}
	if sender := g.peerInRoom(updated.Sender, updated.Pair); sender != nil {
		sender.send(EvtMessageRead, readEvent{MessageID: updated.ID, ReadTS: updated.ReadTS})
	}
}

func (g *Gateway) handleHistory(s *session, data json.RawMessage) {
	var p historyPayload
	if err := json.Unmarshal(data, &p); err != nil || p.PairID == "" {
		s.send(EvtError, errorEvent{Code: "validation", Message: "pair_id required"})
		return
	}
	if !s.inRoom(p.PairID) {
		s.sendErr(errdefs.ErrAuthorization)
		return
	}
	if err := g.limiter.Check(s.participantID, ratelimit.CategoryGeneral, 1); err != nil {
		s.sendErr(err)
		return
	}
	msgs, hasMore, err := g.store.History(p.PairID, store.HistoryOptions{Limit: p.Limit, Before: p.Before})
	if err != nil {
		s.sendErr(err)
		return
	}
	s.send(EvtMessageHistory, historyEvent{PairID: p.PairID, Messages: msgs, HasMore: hasMore})
}

// PushFor implements queue.PushResolver: it returns a push function bound to
// the participant's current session, or nil when they are offline. The push
// re-checks session identity and room membership per message; a connection
// that cannot take the entry is reported as unavailable so the entry stays
// pending instead of burning a delivery attempt.
func (g *Gateway) PushFor(participantID string) queue.PushFunc {
	s := g.sessionFor(participantID)
	if s == nil {
		return nil
	}
	return func(ctx context.Context, m models.Message) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		cur := g.sessionFor(participantID)
		if cur == nil || cur != s {
			return fmt.Errorf("%w: session gone", queue.ErrRecipientUnavailable)
		}
		if !cur.inRoom(m.Pair) {
			return fmt.Errorf("%w: room %s not joined", queue.ErrRecipientUnavailable, m.Pair)
		}
		cur.send(EvtMessage, m)
		if sender := g.sessionFor(m.Sender); sender != nil {
			sender.send(EvtMessageDelivered, deliveredEvent{MessageID: m.ID, DeliveredTS: time.Now().UTC().UnixNano()})
		}
		return nil
	}
}

// Broadcast pushes a system message to every connected session.
func (g *Gateway) Broadcast(content string) int {
	g.mu.Lock()
	targets := make([]*session, 0, len(g.sessions))
	for _, s := range g.sessions {
		targets = append(targets, s)
	}
	g.mu.Unlock()

	ev := systemMessageEvent{Content: content, TS: time.Now().UTC().UnixNano()}
	for _, s := range targets {
		s.send(EvtSystemMessage, ev)
	}
	logger.Info("system_broadcast", "sessions", len(targets))
	return len(targets)
}

// Online reports the number of connected sessions.
func (g *Gateway) Online() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}
