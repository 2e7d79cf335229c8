package models

// Participant is a reference to an identity owned by the external identity
// service; the core only carries the id and a display name.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
}

// TwinPair is the fixed two-participant conversation scope. Every message's
// sender and recipient must both belong to the pair.
type TwinPair struct {
	ID           string         `json:"id"`
	Participants [2]Participant `json:"participants"`
	CreatedTS    int64          `json:"created_ts,omitempty"`
	UpdatedTS    int64          `json:"updated_ts,omitempty"`
}

// Member reports whether participantID belongs to the pair.
func (p *TwinPair) Member(participantID string) bool {
	return p.Participants[0].ID == participantID || p.Participants[1].ID == participantID
}

// Peer returns the other participant's id, or empty when participantID is
// not a member.
func (p *TwinPair) Peer(participantID string) string {
	switch participantID {
	case p.Participants[0].ID:
		return p.Participants[1].ID
	case p.Participants[1].ID:
		return p.Participants[0].ID
	}
	return ""
}
