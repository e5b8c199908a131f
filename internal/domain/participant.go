package domain

import "time"

// Participant is one connection's membership record in a room.
// ParticipantID is the caller-supplied display identity and is not unique;
// ConnectionID is.
type Participant struct {
	ParticipantID string
	ConnectionID  string
	RoomID        string
	JoinedAt      time.Time
	LeftAt        time.Time
	Active        bool
}

func NewParticipant(connectionID, participantID, roomID string) *Participant {
	return &Participant{
		ParticipantID: participantID,
		ConnectionID:  connectionID,
		RoomID:        roomID,
		JoinedAt:      time.Now().UTC(),
		Active:        true,
	}
}

func (p *Participant) Deactivate() {
	p.Active = false
	p.LeftAt = time.Now().UTC()
}

func (p *Participant) Info() ParticipantInfo {
	return ParticipantInfo{
		ConnectionID:  p.ConnectionID,
		ParticipantID: p.ParticipantID,
	}
}
