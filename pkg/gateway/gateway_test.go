package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"twinchat/pkg/auth"
	"twinchat/pkg/logger"
	"twinchat/pkg/models"
	"twinchat/pkg/queue"
	"twinchat/pkg/ratelimit"
	"twinchat/pkg/store"
)

func init() {
	logger.Init("error")
}

const signingKey = "test-signing-key"

type harness struct {
	t       *testing.T
	store   *store.Store
	queue   *queue.Manager
	gateway *Gateway
	server  *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	verifier, err := auth.NewHMACVerifier([]string{signingKey})
	require.NoError(t, err)

	qm := queue.NewManager(st, queue.Options{})
	gw := New(Options{
		Verifier:  verifier,
		Store:     st,
		Queue:     qm,
		Limiter:   ratelimit.New(nil),
		TypingTTL: 100 * time.Millisecond,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.ServeWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	h := &harness{t: t, store: st, queue: qm, gateway: gw, server: srv}
	_, err = st.CreatePair(models.TwinPair{ID: "p1",
		Participants: [2]models.Participant{
			{ID: "alice", DisplayName: "Alice"},
			{ID: "bob", DisplayName: "Bob"},
		}})
	require.NoError(t, err)
	return h
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (h *harness) dial(participantID string) *wsClient {
	h.t.Helper()
	token := auth.SignToken(signingKey, participantID)
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{t: h.t, conn: conn}
}

// connect dials and consumes the connected handshake event.
func (h *harness) connect(participantID string) *wsClient {
	h.t.Helper()
	c := h.dial(participantID)
	c.expect(EvtConnected)
	return c
}

func (h *harness) join(c *wsClient, pairID string) {
	h.t.Helper()
	c.emit(EvtJoinTwinRoom, joinPayload{PairID: pairID})
	c.expect(EvtTwinRoomJoined)
}

func (c *wsClient) emit(eventType string, payload any) {
	c.t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(Envelope{Type: eventType, Data: data}))
}

// expect reads frames until one of the wanted type arrives, skipping
// unrelated traffic (presence etc.).
func (c *wsClient) expect(eventType string) json.RawMessage {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(c.t, c.conn.SetReadDeadline(deadline))
		_, raw, err := c.conn.ReadMessage()
		require.NoError(c.t, err, "waiting for %q", eventType)
		var env Envelope
		require.NoError(c.t, json.Unmarshal(raw, &env))
		if env.Type == eventType {
			return env.Data
		}
		if env.Type == EvtError {
			c.t.Fatalf("waiting for %q, got error event: %s", eventType, env.Data)
		}
	}
}

// expectError reads frames until an error event arrives and returns it.
func (c *wsClient) expectError() errorEvent {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(c.t, c.conn.SetReadDeadline(deadline))
		_, raw, err := c.conn.ReadMessage()
		require.NoError(c.t, err, "waiting for error event")
		var env Envelope
		require.NoError(c.t, json.Unmarshal(raw, &env))
		if env.Type == EvtError {
			var ev errorEvent
			require.NoError(c.t, json.Unmarshal(env.Data, &ev))
			return ev
		}
	}
}

func decodeAs[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func TestServeWSRefusesBadToken(t *testing.T) {
	h := newHarness(t)

	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws?token=alice.deadbeef"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(
		"ws"+strings.TrimPrefix(h.server.URL, "http")+"/ws", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestConnectedEventListsPairs(t *testing.T) {
	h := newHarness(t)

	c := h.dial("alice")
	ev := decodeAs[connectedEvent](t, c.expect(EvtConnected))
	assert.Equal(t, "alice", ev.ParticipantID)
	require.Len(t, ev.Pairs, 1)
	assert.Equal(t, "p1", ev.Pairs[0].ID)
}

func TestJoinRequiresMembership(t *testing.T) {
	h := newHarness(t)

	c := h.connect("mallory")
	c.emit(EvtJoinTwinRoom, joinPayload{PairID: "p1"})
	ev := c.expectError()
	assert.Equal(t, "forbidden", ev.Code)
}

func TestSendRequiresJoin(t *testing.T) {
	h := newHarness(t)

	c := h.connect("alice")
	c.emit(EvtSendMessage, sendMessagePayload{PairID: "p1", Content: "hi"})
	ev := c.expectError()
	assert.Equal(t, "forbidden", ev.Code)
}

func TestDirectDelivery(t *testing.T) {
	h := newHarness(t)

	alice := h.connect("alice")
	bob := h.connect("bob")
	h.join(alice, "p1")
	h.join(bob, "p1")

	alice.emit(EvtSendMessage, sendMessagePayload{PairID: "p1", Content: "hello twin"})

	echo := decodeAs[models.Message](t, alice.expect(EvtMessage))
	assert.Equal(t, "hello twin", echo.Content)
	assert.Equal(t, "bob", echo.Recipient)
	require.NotEmpty(t, echo.ID)

	got := decodeAs[models.Message](t, bob.expect(EvtMessage))
	assert.Equal(t, echo.ID, got.ID)
	assert.True(t, got.Delivered())

	ack := decodeAs[deliveredEvent](t, alice.expect(EvtMessageDelivered))
	assert.Equal(t, echo.ID, ack.MessageID)
	assert.NotZero(t, ack.DeliveredTS)

	stored, err := h.store.GetMessage(echo.ID)
	require.NoError(t, err)
	assert.True(t, stored.Delivered())
}

func TestSendValidation(t *testing.T) {
	h := newHarness(t)
	c := h.connect("alice")
	h.join(c, "p1")

	c.emit(EvtSendMessage, sendMessagePayload{PairID: "p1"})
	assert.Equal(t, "validation", c.expectError().Code)

	c.emit(EvtSendMessage, sendMessagePayload{PairID: "p1", Content: "x", Type: "carrier_pigeon"})
	assert.Equal(t, "validation", c.expectError().Code)
}

func TestOfflineQueueAndDrainOnJoin(t *testing.T) {
	h := newHarness(t)

	alice := h.connect("alice")
	h.join(alice, "p1")

	alice.emit(EvtSendMessage, sendMessagePayload{PairID: "p1", Content: "catch up later"})
	echo := decodeAs[models.Message](t, alice.expect(EvtMessage))
	assert.False(t, echo.Delivered())

	// the message sits in the offline queue
	pending, err := h.store.PendingForRecipient("bob")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	bob := h.connect("bob")
	h.join(bob, "p1")

	snapshot := decodeAs[undeliveredEvent](t, bob.expect(EvtUndelivered))
	require.Len(t, snapshot.Messages, 1)
	assert.Equal(t, "catch up later", snapshot.Messages[0].Content)

	// the drain then replays the queued entry over the live socket
	replay := decodeAs[models.Message](t, bob.expect(EvtMessage))
	assert.Equal(t, echo.ID, replay.ID)

	ack := decodeAs[deliveredEvent](t, alice.expect(EvtMessageDelivered))
	assert.Equal(t, echo.ID, ack.MessageID)

	stored, err := h.store.GetMessage(echo.ID)
	require.NoError(t, err)
	assert.True(t, stored.Delivered())
}

func TestSweepKeepsEntryPendingForUnjoinedRecipient(t *testing.T) {
	h := newHarness(t)

	alice := h.connect("alice")
	h.join(alice, "p1")
	// bob is connected but never joins the room
	bob := h.connect("bob")

	alice.emit(EvtSendMessage, sendMessagePayload{PairID: "p1", Content: "wait for it"})
	echo := decodeAs[models.Message](t, alice.expect(EvtMessage))
	assert.False(t, echo.Delivered())

	for i := 0; i < 3; i++ {
		res, err := h.queue.RetrySweep(context.Background(), h.gateway)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Pending)
		assert.Zero(t, res.Failed)
	}
	pending, err := h.store.PendingForRecipient("bob")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Zero(t, pending[0].Attempts)

	// joining drains the entry that the sweeps left alone
	h.join(bob, "p1")
	replay := decodeAs[models.Message](t, bob.expect(EvtMessage))
	assert.Equal(t, echo.ID, replay.ID)

	stored, err := h.store.GetMessage(echo.ID)
	require.NoError(t, err)
	assert.True(t, stored.Delivered())
}

func TestTypingIndicatorRoundTrip(t *testing.T) {
	h := newHarness(t)

	alice := h.connect("alice")
	bob := h.connect("bob")
	h.join(alice, "p1")
	h.join(bob, "p1")

	alice.emit(EvtTypingStart, typingPayload{PairID: "p1", DisplayName: "Alice"})
	ev := decodeAs[typingEvent](t, bob.expect(EvtTypingIndicator))
	assert.True(t, ev.IsTyping)
	assert.Equal(t, "alice", ev.ParticipantID)

	alice.emit(EvtTypingStop, typingPayload{PairID: "p1"})
	ev = decodeAs[typingEvent](t, bob.expect(EvtTypingIndicator))
	assert.False(t, ev.IsTyping)
}

func TestTypingIndicatorExpires(t *testing.T) {
	h := newHarness(t)

	alice := h.connect("alice")
	bob := h.connect("bob")
	h.join(alice, "p1")
	h.join(bob, "p1")

	alice.emit(EvtTypingStart, typingPayload{PairID: "p1"})
	ev := decodeAs[typingEvent](t, bob.expect(EvtTypingIndicator))
	require.True(t, ev.IsTyping)

	// no stop from alice; the 100ms ttl clears it
	ev = decodeAs[typingEvent](t, bob.expect(EvtTypingIndicator))
	assert.False(t, ev.IsTyping)
}

func TestMarkReadNotifiesSender(t *testing.T) {
	h := newHarness(t)

	alice := h.connect("alice")
	bob := h.connect("bob")
	h.join(alice, "p1")
	h.join(bob, "p1")

	alice.emit(EvtSendMessage, sendMessagePayload{PairID: "p1", Content: "read me"})
	msg := decodeAs[models.Message](t, bob.expect(EvtMessage))

	// only the recipient may acknowledge
	alice.emit(EvtMarkRead, markReadPayload{MessageID: msg.ID})
	assert.Equal(t, "forbidden", alice.expectError().Code)

	bob.emit(EvtMarkRead, markReadPayload{MessageID: msg.ID})
	ev := decodeAs[readEvent](t, alice.expect(EvtMessageRead))
	assert.Equal(t, msg.ID, ev.MessageID)
	assert.NotZero(t, ev.ReadTS)

	stored, err := h.store.GetMessage(msg.ID)
	require.NoError(t, err)
	assert.NotZero(t, stored.ReadTS)
	assert.NotZero(t, stored.DeliveredTS)
}

func TestReactionBroadcast(t *testing.T) {
	h := newHarness(t)

	alice := h.connect("alice")
	bob := h.connect("bob")
	h.join(alice, "p1")
	h.join(bob, "p1")

	alice.emit(EvtSendMessage, sendMessagePayload{PairID: "p1", Content: "react to me"})
	msg := decodeAs[models.Message](t, bob.expect(EvtMessage))

	bob.emit(EvtSendReaction, reactionPayload{MessageID: msg.ID, Emoji: "🔥"})
	forBob := decodeAs[reactionEvent](t, bob.expect(EvtReaction))
	forAlice := decodeAs[reactionEvent](t, alice.expect(EvtReaction))
	assert.Equal(t, "🔥", forBob.Emoji)
	assert.Equal(t, "bob", forAlice.UserID)
	assert.False(t, forAlice.Removed)

	bob.emit(EvtRemoveReaction, reactionPayload{MessageID: msg.ID, Emoji: "🔥"})
	removed := decodeAs[reactionEvent](t, alice.expect(EvtReaction))
	assert.True(t, removed.Removed)

	reactions, err := h.store.ListReactions(msg.ID)
	require.NoError(t, err)
	assert.Empty(t, reactions)
}

func TestErrorEventCarriesMessageRef(t *testing.T) {
	h := newHarness(t)
	c := h.connect("alice")

	c.emit(EvtSendReaction, reactionPayload{MessageID: "ghost", Emoji: "👻"})
	ev := c.expectError()
	assert.Equal(t, "not_found", ev.Code)
	require.NotNil(t, ev.Ref)
	assert.Equal(t, "ghost", *ev.Ref)
}

func TestHistoryOverSocket(t *testing.T) {
	h := newHarness(t)

	alice := h.connect("alice")
	bob := h.connect("bob")
	h.join(alice, "p1")
	h.join(bob, "p1")

	for _, text := range []string{"one", "two", "three"} {
		alice.emit(EvtSendMessage, sendMessagePayload{PairID: "p1", Content: text})
		alice.expect(EvtMessageDelivered)
	}

	bob.emit(EvtGetHistory, historyPayload{PairID: "p1", Limit: 2})
	ev := decodeAs[historyEvent](t, bob.expect(EvtMessageHistory))
	require.Len(t, ev.Messages, 2)
	assert.True(t, ev.HasMore)
	assert.Equal(t, "three", ev.Messages[0].Content)
	assert.Equal(t, "two", ev.Messages[1].Content)
}

func TestPresenceOnJoinAndDisconnect(t *testing.T) {
	h := newHarness(t)

	alice := h.connect("alice")
	h.join(alice, "p1")

	bob := h.connect("bob")
	h.join(bob, "p1")

	ev := decodeAs[presenceEvent](t, alice.expect(EvtPresence))
	assert.Equal(t, "bob", ev.ParticipantID)
	assert.True(t, ev.Online)

	require.NoError(t, bob.conn.Close())
	ev = decodeAs[presenceEvent](t, alice.expect(EvtPresence))
	assert.Equal(t, "bob", ev.ParticipantID)
	assert.False(t, ev.Online)
}

func TestBroadcastReachesAllSessions(t *testing.T) {
	h := newHarness(t)

	alice := h.connect("alice")
	bob := h.connect("bob")

	n := h.gateway.Broadcast("maintenance at noon")
	assert.Equal(t, 2, n)

	for _, c := range []*wsClient{alice, bob} {
		ev := decodeAs[systemMessageEvent](t, c.expect(EvtSystemMessage))
		assert.Equal(t, "maintenance at noon", ev.Content)
	}
}

func TestRateLimitErrorCarriesHints(t *testing.T) {
	h := newHarness(t)

	c := h.connect("alice")
	h.join(c, "p1")

	// typing has the smallest bucket: 10 tokens
	for i := 0; i < 10; i++ {
		c.emit(EvtTypingStart, typingPayload{PairID: "p1"})
	}
	c.emit(EvtTypingStart, typingPayload{PairID: "p1"})
	ev := c.expectError()
	assert.Equal(t, "rate_limited", ev.Code)
	require.NotNil(t, ev.Remaining)
	assert.Equal(t, 0, *ev.Remaining)
	require.NotNil(t, ev.ResetSeconds)
}

func TestUnknownEventType(t *testing.T) {
	h := newHarness(t)
	c := h.connect("alice")

	require.NoError(t, c.conn.WriteJSON(Envelope{Type: "warp_drive"}))
	assert.Equal(t, "validation", c.expectError().Code)
}
