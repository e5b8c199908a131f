package domain

import (
	"time"
)

type RoomType string

const (
	RoomTypeVideo RoomType = "video"
	RoomTypeAudio RoomType = "audio"
	RoomTypeChat  RoomType = "chat"
)

// ParseRoomType maps an optional wire value to a room type, defaulting to video.
func ParseRoomType(s string) RoomType {
	switch RoomType(s) {
	case RoomTypeAudio:
		return RoomTypeAudio
	case RoomTypeChat:
		return RoomTypeChat
	default:
		return RoomTypeVideo
	}
}

// Negotiates reports whether peers in a room of this type exchange media.
func (t RoomType) Negotiates() bool {
	return t != RoomTypeChat
}

// Room groups participants exchanging signaling messages and chat.
// It is not safe for concurrent use; the owning registry serializes access.
type Room struct {
	ID           string
	Type         RoomType
	Participants map[string]*Participant
	History      []ChatMessage
	CreatedAt    time.Time

	historyLimit int
	purges       map[string]*time.Timer
}

func NewRoom(id string, roomType RoomType, historyLimit int) *Room {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Room{
		ID:           id,
		Type:         roomType,
		Participants: make(map[string]*Participant),
		History:      make([]ChatMessage, 0),
		CreatedAt:    time.Now().UTC(),
		historyLimit: historyLimit,
		purges:       make(map[string]*time.Timer),
	}
}

// Append adds msg to the history, dropping the oldest entries past the limit.
func (r *Room) Append(msg ChatMessage) {
	r.History = append(r.History, msg)
	if over := len(r.History) - r.historyLimit; over > 0 {
		trimmed := make([]ChatMessage, r.historyLimit)
		copy(trimmed, r.History[over:])
		r.History = trimmed
	}
}

// HistorySnapshot returns a copy of the history in append order.
func (r *Room) HistorySnapshot() []ChatMessage {
	out := make([]ChatMessage, len(r.History))
	copy(out, r.History)
	return out
}

// ActiveParticipants returns active members except the given connection.
func (r *Room) ActiveParticipants(exclude string) []Participant {
	out := make([]Participant, 0, len(r.Participants))
	for id, p := range r.Participants {
		if id == exclude || !p.Active {
			continue
		}
		out = append(out, *p)
	}
	return out
}

func (r *Room) ActiveCount() int {
	n := 0
	for _, p := range r.Participants {
		if p.Active {
			n++
		}
	}
	return n
}

func (r *Room) IsActiveMember(connectionID string) bool {
	p, ok := r.Participants[connectionID]
	return ok && p.Active
}

// SchedulePurge replaces any pending purge timer for the connection.
func (r *Room) SchedulePurge(connectionID string, t *time.Timer) {
	r.CancelPurge(connectionID)
	r.purges[connectionID] = t
}

func (r *Room) CancelPurge(connectionID string) {
	if t, ok := r.purges[connectionID]; ok {
		t.Stop()
		delete(r.purges, connectionID)
	}
}

// StopTimers cancels every pending purge. Called when the room is destroyed.
func (r *Room) StopTimers() {
	for id, t := range r.purges {
		t.Stop()
		delete(r.purges, id)
	}
}
