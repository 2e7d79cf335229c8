package models

// QueueStatus is the lifecycle state of a QueueEntry.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueDelivered  QueueStatus = "delivered"
	QueueFailed     QueueStatus = "failed"
	QueueExpired    QueueStatus = "expired"
)

// Terminal reports whether s is a final status no retry will leave.
func (s QueueStatus) Terminal() bool {
	switch s {
	case QueueDelivered, QueueFailed, QueueExpired:
		return true
	}
	return false
}

// QueueEntry is a durable record of a message awaiting delivery to an
// offline recipient. Exists only while the message has not been confirmed
// delivered; Attempts never exceeds MaxAttempts without the entry going
// failed, and ExpiresTS is always later than CreatedTS.
type QueueEntry struct {
	ID        string `json:"id"`
	Pair      string `json:"pair"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	// Snapshot carries the message fields needed to replay delivery.
	Snapshot      Message     `json:"snapshot"`
	Status        QueueStatus `json:"status"`
	Attempts      int         `json:"attempts"`
	MaxAttempts   int         `json:"max_attempts"`
	CreatedTS     int64       `json:"created_ts"`
	NextAttemptTS int64       `json:"next_attempt_ts"`
	ExpiresTS     int64       `json:"expires_ts"`
	LastError     string      `json:"last_error,omitempty"`
}

// QueueStats aggregates entry counts by status for one pair.
type QueueStats struct {
	Pair       string `json:"pair"`
	Pending    int    `json:"pending"`
	Processing int    `json:"processing"`
	Delivered  int    `json:"delivered"`
	Failed     int    `json:"failed"`
	Expired    int    `json:"expired"`
	Total      int    `json:"total"`
}
