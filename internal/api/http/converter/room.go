package converter

import (
	"time"

	"github.com/immxrtalbeast/axenix_meet/internal/registry"
)

type RoomResponse struct {
	ID                 string    `json:"roomId"`
	Type               string    `json:"roomType"`
	Participants       int       `json:"participants"`
	ActiveParticipants int       `json:"activeParticipants"`
	Messages           int       `json:"messages"`
	CreatedAt          time.Time `json:"createdAt"`
}

func RoomToApi(r registry.RoomSummary) RoomResponse {
	return RoomResponse{
		ID:                 r.ID,
		Type:               string(r.Type),
		Participants:       r.Participants,
		ActiveParticipants: r.ActiveParticipants,
		Messages:           r.Messages,
		CreatedAt:          r.CreatedAt,
	}
}

func RoomsToApi(rooms []registry.RoomSummary) []RoomResponse {
	out := make([]RoomResponse, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, RoomToApi(r))
	}
	return out
}
