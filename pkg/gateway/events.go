package gateway

import (
	"encoding/json"

	"twinchat/pkg/models"
)

// Envelope is the wire frame for both directions: a type tag plus a
// type-specific payload.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Client-to-server event types.
const (
	EvtJoinTwinRoom   = "join_twin_room"
	EvtSendMessage    = "send_message"
	EvtTypingStart    = "typing_start"
	EvtTypingStop     = "typing_stop"
	EvtSendReaction   = "send_reaction"
	EvtRemoveReaction = "remove_reaction"
	EvtMarkRead       = "mark_read"
	EvtGetHistory     = "get_message_history"
)

// Server-to-client event types.
const (
	EvtConnected        = "connected"
	EvtTwinRoomJoined   = "twin_room_joined"
	EvtMessage          = "message"
	EvtMessageDelivered = "message_delivered"
	EvtMessageRead      = "message_read"
	EvtTypingIndicator  = "typing_indicator"
	EvtReaction         = "reaction"
	EvtUndelivered      = "undelivered_messages"
	EvtMessageHistory   = "message_history"
	EvtPresence         = "presence"
	EvtError            = "error"
	EvtSystemMessage    = "system_message"
)

type joinPayload struct {
	PairID string `json:"pair_id"`
}

type sendMessagePayload struct {
	PairID  string             `json:"pair_id"`
	Content string             `json:"content"`
	Type    models.MessageType `json:"type,omitempty"`
	Accent  map[string]string  `json:"accent,omitempty"`
}

type typingPayload struct {
	PairID      string `json:"pair_id"`
	DisplayName string `json:"display_name,omitempty"`
}

type reactionPayload struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

type markReadPayload struct {
	MessageID string `json:"message_id"`
}

type historyPayload struct {
	PairID string `json:"pair_id"`
	Limit  int    `json:"limit,omitempty"`
	Before int64  `json:"before,omitempty"`
}

type connectedEvent struct {
	ParticipantID string            `json:"participant_id"`
	Pairs         []models.TwinPair `json:"pairs"`
}

type roomJoinedEvent struct {
	PairID string `json:"pair_id"`
}

type deliveredEvent struct {
	MessageID   string `json:"message_id"`
	DeliveredTS int64  `json:"delivered_ts"`
}

type readEvent struct {
	MessageID string `json:"message_id"`
	ReadTS    int64  `json:"read_ts"`
}

type typingEvent struct {
	PairID        string `json:"pair_id"`
	ParticipantID string `json:"participant_id"`
	DisplayName   string `json:"display_name,omitempty"`
	IsTyping      bool   `json:"is_typing"`
}

type reactionEvent struct {
	models.Reaction
	Removed bool `json:"removed,omitempty"`
}

type undeliveredEvent struct {
	PairID   string           `json:"pair_id"`
	Messages []models.Message `json:"messages"`
}

type historyEvent struct {
	PairID   string           `json:"pair_id"`
	Messages []models.Message `json:"messages"`
	HasMore  bool             `json:"has_more"`
}

type presenceEvent struct {
	PairID        string `json:"pair_id"`
	ParticipantID string `json:"participant_id"`
	Online        bool   `json:"online"`
}

type errorEvent struct {
	Code         string  `json:"code"`
	Message      string  `json:"message"`
	Remaining    *int    `json:"remaining,omitempty"`
	ResetSeconds *int    `json:"reset_seconds,omitempty"`
	LockoutSecs  *int    `json:"lockout_seconds,omitempty"`
	Ref          *string `json:"ref,omitempty"`
}

type systemMessageEvent struct {
	Content string `json:"content"`
	TS      int64  `json:"ts"`
}
