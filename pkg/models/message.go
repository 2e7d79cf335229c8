package models

// MessageType enumerates the supported message content kinds.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageVoice MessageType = "voice"
)

// ValidMessageType reports whether t names a known message type.
func ValidMessageType(t MessageType) bool {
	switch t {
	case MessageText, MessageImage, MessageVoice:
		return true
	}
	return false
}

// Message is a single chat message inside a twin pair. Delivery and read
// state live on the message itself: DeliveredTS is set exactly once (direct
// path or queue drain), ReadTS implies DeliveredTS is set, DeletedTS marks a
// soft delete performed by the retention sweeper. Timestamps are unix
// nanoseconds; zero means unset.
type Message struct {
	ID        string      `json:"id"`
	Pair      string      `json:"pair"`
	Sender    string      `json:"sender"`
	Recipient string      `json:"recipient"`
	Content   string      `json:"content"`
	Type      MessageType `json:"type"`
	// Accent carries optional presentation metadata (voice accent, image
	// rendering hints). Opaque to the core.
	Accent      map[string]string `json:"accent,omitempty"`
	CreatedTS   int64             `json:"created_ts"`
	DeliveredTS int64             `json:"delivered_ts,omitempty"`
	ReadTS      int64             `json:"read_ts,omitempty"`
	DeletedTS   int64             `json:"deleted_ts,omitempty"`
}

// Delivered reports whether the message has been confirmed delivered.
func (m *Message) Delivered() bool { return m.DeliveredTS != 0 }

// Deleted reports whether the message has been soft-deleted.
func (m *Message) Deleted() bool { return m.DeletedTS != 0 }

// Reaction is a unique (message, user, emoji) tuple. Re-adding the same
// tuple refreshes TS instead of duplicating.
type Reaction struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	Emoji     string `json:"emoji"`
	TS        int64  `json:"ts"`
}
