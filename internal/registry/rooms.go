package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/immxrtalbeast/axenix_meet/internal/domain"
)

// Departure describes a participant that just turned inactive and the
// connections that should be told about it.
type Departure struct {
	RoomID      string
	Participant domain.Participant
	Recipients  []string
}

type JoinResult struct {
	Participant domain.Participant
	RoomType    domain.RoomType
	Existing    []domain.Participant
	History     []domain.ChatMessage
	// Rejoined is set when the connection was already an active member of
	// the room under the same identity.
	Rejoined   bool
	Departures []Departure
}

type RoomSummary struct {
	ID                 string
	Type               domain.RoomType
	Participants       int
	ActiveParticipants int
	Messages           int
	CreatedAt          time.Time
}

// Rooms owns every room and its participants behind one mutex. Critical
// sections only touch memory; callers do network I/O with the snapshots.
type Rooms struct {
	mu           sync.Mutex
	rooms        map[string]*domain.Room
	byConn       map[string]string // connection id -> room with its active row
	gracePeriod  time.Duration
	historyLimit int
	closed       bool
	log          *slog.Logger
}

func NewRooms(gracePeriod time.Duration, historyLimit int, log *slog.Logger) *Rooms {
	if log == nil {
		log = slog.Default()
	}
	if historyLimit <= 0 {
		historyLimit = domain.DefaultHistoryLimit
	}
	return &Rooms{
		rooms:        make(map[string]*domain.Room),
		byConn:       make(map[string]string),
		gracePeriod:  gracePeriod,
		historyLimit: historyLimit,
		log:          log,
	}
}

func (r *Rooms) Join(connectionID, participantID, roomID string, roomType domain.RoomType) (*JoinResult, error) {
	const op = "registry.rooms.join"

	if connectionID == "" || participantID == "" || roomID == "" {
		return nil, fmt.Errorf("%s: %w: connection, participant and room are required", op, domain.ErrInvalidRequest)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("%s: registry closed", op)
	}

	res := &JoinResult{}
	if current, ok := r.byConn[connectionID]; ok && current != roomID {
		if d := r.deactivateLocked(connectionID); d != nil {
			res.Departures = append(res.Departures, *d)
		}
	}

	room, ok := r.rooms[roomID]
	if !ok {
		room = domain.NewRoom(roomID, roomType, r.historyLimit)
		r.rooms[roomID] = room
		r.log.Info("room created", slog.String("room_id", roomID), slog.String("room_type", string(room.Type)))
	}

	prev, had := room.Participants[connectionID]
	res.Rejoined = had && prev.Active && prev.ParticipantID == participantID

	room.CancelPurge(connectionID)
	p := domain.NewParticipant(connectionID, participantID, roomID)
	if res.Rejoined {
		p.JoinedAt = prev.JoinedAt
	}
	room.Participants[connectionID] = p
	r.byConn[connectionID] = roomID

	res.Participant = *p
	res.RoomType = room.Type
	res.Existing = room.ActiveParticipants(connectionID)
	res.History = room.HistorySnapshot()

	return res, nil
}

// Leave marks the connection's row inactive and schedules its purge. It
// returns nil when the connection was not an active member anywhere.
func (r *Rooms) Leave(connectionID string) *Departure {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deactivateLocked(connectionID)
}

func (r *Rooms) deactivateLocked(connectionID string) *Departure {
	roomID, ok := r.byConn[connectionID]
	if !ok {
		return nil
	}
	delete(r.byConn, connectionID)

	room, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	p, ok := room.Participants[connectionID]
	if !ok || !p.Active {
		return nil
	}

	p.Deactivate()
	if !r.closed {
		room.SchedulePurge(connectionID, time.AfterFunc(r.gracePeriod, func() {
			r.purge(roomID, connectionID)
		}))
	}

	return &Departure{
		RoomID:      roomID,
		Participant: *p,
		Recipients:  connectionIDs(room.ActiveParticipants(connectionID)),
	}
}

func (r *Rooms) purge(roomID, connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return
	}
	room.CancelPurge(connectionID)

	if p, ok := room.Participants[connectionID]; ok && !p.Active {
		delete(room.Participants, connectionID)
		r.log.Debug("inactive participant purged",
			slog.String("room_id", roomID),
			slog.String("connection_id", connectionID),
			slog.String("participant_id", p.ParticipantID),
		)
	}

	if len(room.Participants) == 0 {
		r.removeLocked(room)
		r.log.Info("room deleted (empty)", slog.String("room_id", roomID))
	}
}

// AppendMessage records a chat message sent by an active member.
func (r *Rooms) AppendMessage(connectionID, roomID, text string) (domain.ChatMessage, error) {
	const op = "registry.rooms.append"

	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok || !room.IsActiveMember(connectionID) {
		return domain.ChatMessage{}, fmt.Errorf("%s: %w", op, domain.ErrNotInRoom)
	}

	msg := domain.NewChatMessage(room.Participants[connectionID], text)
	room.Append(msg)
	return msg, nil
}

// Audience returns the sender's row and the active members that should
// receive a room broadcast from it.
func (r *Rooms) Audience(connectionID, roomID string, includeSender bool) (domain.Participant, []string, error) {
	const op = "registry.rooms.audience"

	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok || !room.IsActiveMember(connectionID) {
		return domain.Participant{}, nil, fmt.Errorf("%s: %w", op, domain.ErrNotInRoom)
	}

	exclude := connectionID
	if includeSender {
		exclude = ""
	}
	return *room.Participants[connectionID], connectionIDs(room.ActiveParticipants(exclude)), nil
}

// Recipients lists active members of the room other than exclude.
func (r *Rooms) Recipients(roomID, exclude string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	return connectionIDs(room.ActiveParticipants(exclude))
}

func (r *Rooms) IsActiveMember(connectionID, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	return ok && room.IsActiveMember(connectionID)
}

// RoomOf returns the room in which the connection currently has an active row.
func (r *Rooms) RoomOf(connectionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	roomID, ok := r.byConn[connectionID]
	return roomID, ok
}

func (r *Rooms) Participants(roomID string) ([]domain.Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return nil, false
	}
	out := make([]domain.Participant, 0, len(room.Participants))
	for _, p := range room.Participants {
		out = append(out, *p)
	}
	return out, true
}

func (r *Rooms) History(roomID string) []domain.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	return room.HistorySnapshot()
}

func (r *Rooms) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

func (r *Rooms) List() []RoomSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]RoomSummary, 0, len(r.rooms))
	for _, room := range r.rooms {
		out = append(out, RoomSummary{
			ID:                 room.ID,
			Type:               room.Type,
			Participants:       len(room.Participants),
			ActiveParticipants: room.ActiveCount(),
			Messages:           len(room.History),
			CreatedAt:          room.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Delete removes a room outright and cancels its pending purges.
func (r *Rooms) Delete(roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	r.removeLocked(room)
	return true
}

// Close stops every purge timer and drops all rooms.
func (r *Rooms) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for _, room := range r.rooms {
		r.removeLocked(room)
	}
}

func (r *Rooms) removeLocked(room *domain.Room) {
	room.StopTimers()
	for connID, roomID := range r.byConn {
		if roomID == room.ID {
			delete(r.byConn, connID)
		}
	}
	delete(r.rooms, room.ID)
}

func connectionIDs(ps []domain.Participant) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.ConnectionID)
	}
	return out
}
