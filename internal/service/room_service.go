package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/immxrtalbeast/axenix_meet/internal/domain"
	"github.com/immxrtalbeast/axenix_meet/internal/registry"
	"github.com/immxrtalbeast/axenix_meet/lib/logger/sl"
)

type Status struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Rooms       int       `json:"rooms"`
	Connections int       `json:"connections"`
}

// RoomService is the relay router. It validates inbound signaling messages
// and fans them out through the connection registry.
type RoomService struct {
	conns *registry.Connections
	rooms *registry.Rooms
	log   *slog.Logger
}

func NewRoomService(conns *registry.Connections, rooms *registry.Rooms, log *slog.Logger) *RoomService {
	if log == nil {
		log = slog.Default()
	}
	return &RoomService{
		conns: conns,
		rooms: rooms,
		log:   log,
	}
}

// Connect registers a live connection and greets it with its id.
func (s *RoomService) Connect(ctx context.Context, connectionID string, sink registry.Sink) {
	s.conns.Register(connectionID, sink)
	s.log.Info("client connected", slog.String("connection_id", connectionID))
	s.send(connectionID, &domain.Message{Type: domain.TypeConnected, ConnectionID: connectionID})
}

// Disconnect is called once the transport is gone. The participant row turns
// inactive and the rest of the room hears about it.
func (s *RoomService) Disconnect(ctx context.Context, connectionID string) {
	s.Leave(ctx, connectionID)
	if _, ok := s.conns.Unregister(connectionID); ok {
		s.log.Info("client disconnected", slog.String("connection_id", connectionID))
	}
}

func (s *RoomService) Join(ctx context.Context, connectionID, participantID, roomID string, roomType domain.RoomType) error {
	const op = "service.room.join"
	log := s.log.With(
		slog.String("op", op),
		slog.String("connection_id", connectionID),
		slog.String("room_id", roomID),
	)

	res, err := s.rooms.Join(connectionID, strings.TrimSpace(participantID), strings.TrimSpace(roomID), roomType)
	if err != nil {
		log.Warn("join rejected", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}
	s.conns.Bind(connectionID, res.Participant.ParticipantID, res.Participant.RoomID)

	for _, dep := range res.Departures {
		s.announceDeparture(dep)
	}

	if !res.Rejoined {
		joined := &domain.Message{
			Type:          domain.TypeParticipantJoined,
			ConnectionID:  connectionID,
			ParticipantID: res.Participant.ParticipantID,
		}
		for _, id := range s.rooms.Recipients(res.Participant.RoomID, connectionID) {
			s.send(id, joined)
		}
	}

	existing := make([]domain.ParticipantInfo, 0, len(res.Existing))
	for i := range res.Existing {
		existing = append(existing, res.Existing[i].Info())
	}
	s.send(connectionID, &domain.Message{Type: domain.TypeRoomParticipants, Participants: existing})
	s.send(connectionID, &domain.Message{Type: domain.TypeChatHistory, History: res.History})
	s.send(connectionID, &domain.Message{
		Type:             domain.TypeRoomJoined,
		RoomID:           res.Participant.RoomID,
		RoomType:         string(res.RoomType),
		ParticipantCount: len(existing) + 1,
	})

	log.Info("participant joined",
		slog.String("participant_id", res.Participant.ParticipantID),
		slog.Int("existing", len(existing)),
		slog.Bool("rejoined", res.Rejoined),
	)
	return nil
}

// Leave deactivates the connection's membership, if any.
func (s *RoomService) Leave(ctx context.Context, connectionID string) {
	dep := s.rooms.Leave(connectionID)
	s.conns.Unbind(connectionID)
	if dep == nil {
		return
	}
	s.announceDeparture(*dep)
	s.log.Info("participant left",
		slog.String("connection_id", connectionID),
		slog.String("participant_id", dep.Participant.ParticipantID),
		slog.String("room_id", dep.RoomID),
	)
}

func (s *RoomService) announceDeparture(dep registry.Departure) {
	left := &domain.Message{
		Type:          domain.TypeParticipantLeft,
		ConnectionID:  dep.Participant.ConnectionID,
		ParticipantID: dep.Participant.ParticipantID,
	}
	for _, id := range dep.Recipients {
		s.send(id, left)
	}
}

// RouteDirected forwards an offer, answer or candidate to one connection.
// The payload is passed through byte for byte.
func (s *RoomService) RouteDirected(ctx context.Context, from, target string, kind domain.MessageType, payload json.RawMessage) error {
	const op = "service.room.route"

	if !kind.IsDirected() || target == "" || len(payload) == 0 {
		return fmt.Errorf("%s: %w: %s needs target and payload", op, domain.ErrInvalidRequest, kind)
	}

	dst, ok := s.conns.Lookup(target)
	if !ok || dst.Sink == nil {
		return fmt.Errorf("%s: %w: %s", op, domain.ErrTargetUnavailable, target)
	}

	var fromParticipant string
	if src, ok := s.conns.Lookup(from); ok {
		fromParticipant = src.ParticipantID
	}

	if !dst.Sink.Send(domain.NewDirected(kind, payload, from, fromParticipant)) {
		return fmt.Errorf("%s: %w: outbound queue full", op, domain.ErrTargetUnavailable)
	}
	s.log.Debug("relayed",
		slog.String("type", string(kind)),
		slog.String("from", from),
		slog.String("target", target),
	)
	return nil
}

// Broadcast sends msg to the active members of roomID. The sender must be an
// active member itself.
func (s *RoomService) Broadcast(ctx context.Context, from, roomID string, msg *domain.Message, includeSender bool) error {
	const op = "service.room.broadcast"

	_, recipients, err := s.rooms.Audience(from, roomID, includeSender)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	for _, id := range recipients {
		s.send(id, msg)
	}
	return nil
}

// SendChat stores the message in the room history and echoes it to every
// member, sender included. Length is capped by the sending client.
func (s *RoomService) SendChat(ctx context.Context, from, roomID, text string) error {
	const op = "service.room.chat"

	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%s: %w: empty message", op, domain.ErrInvalidRequest)
	}

	chat, err := s.rooms.AppendMessage(from, roomID, text)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := s.Broadcast(ctx, from, roomID, domain.NewChatEvent(chat), true); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *RoomService) Toggle(ctx context.Context, from, roomID string, kind domain.MessageType, enabled bool) error {
	const op = "service.room.toggle"

	var out domain.MessageType
	switch kind {
	case domain.TypeAudioToggled:
		out = domain.TypeUserAudioToggled
	case domain.TypeVideoToggled:
		out = domain.TypeUserVideoToggled
	default:
		return fmt.Errorf("%s: %w: unknown toggle %q", op, domain.ErrInvalidRequest, kind)
	}

	sender, recipients, err := s.rooms.Audience(from, roomID, false)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	msg := &domain.Message{
		Type:          out,
		ConnectionID:  from,
		ParticipantID: sender.ParticipantID,
		Enabled:       domain.BoolPtr(enabled),
	}
	for _, id := range recipients {
		s.send(id, msg)
	}
	return nil
}

func (s *RoomService) ScreenShare(ctx context.Context, from, roomID string, started bool) error {
	const op = "service.room.screen_share"

	sender, recipients, err := s.rooms.Audience(from, roomID, false)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	kind := domain.TypeScreenShareStop
	if started {
		kind = domain.TypeScreenShareStart
	}
	msg := &domain.Message{
		Type:              kind,
		From:              from,
		FromParticipantID: sender.ParticipantID,
	}
	for _, id := range recipients {
		s.send(id, msg)
	}
	return nil
}

// HandleMessage dispatches one inbound message. Invalid requests are reported
// back to the sender; routing misses are only logged.
func (s *RoomService) HandleMessage(ctx context.Context, connectionID string, msg *domain.Message) error {
	const op = "service.room.handle"

	err := s.dispatch(ctx, connectionID, msg)
	if err == nil {
		return nil
	}

	log := s.log.With(
		slog.String("op", op),
		slog.String("connection_id", connectionID),
	)
	if msg != nil {
		log = log.With(slog.String("type", string(msg.Type)))
	}

	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		log.Warn("invalid request", sl.Err(err))
		s.send(connectionID, domain.NewErrorMessage(err))
	case errors.Is(err, domain.ErrTargetUnavailable), errors.Is(err, domain.ErrNotInRoom):
		log.Warn("message dropped", sl.Err(err))
	default:
		log.Error("failed to handle message", sl.Err(err))
	}
	return err
}

func (s *RoomService) dispatch(ctx context.Context, connectionID string, msg *domain.Message) error {
	if msg == nil {
		return fmt.Errorf("empty message: %w", domain.ErrInvalidRequest)
	}

	switch msg.Type {
	case domain.TypeJoinRoom:
		return s.Join(ctx, connectionID, msg.ParticipantID, msg.RoomID, domain.ParseRoomType(msg.RoomType))
	case domain.TypeLeaveRoom:
		s.Leave(ctx, connectionID)
		return nil
	case domain.TypeOffer, domain.TypeAnswer, domain.TypeICECandidate:
		return s.RouteDirected(ctx, connectionID, msg.Target, msg.Type, msg.Payload())
	case domain.TypeSendMessage:
		return s.SendChat(ctx, connectionID, s.roomFor(connectionID, msg.RoomID), msg.Text)
	case domain.TypeAudioToggled, domain.TypeVideoToggled:
		if msg.Enabled == nil {
			return fmt.Errorf("%s without enabled flag: %w", msg.Type, domain.ErrInvalidRequest)
		}
		return s.Toggle(ctx, connectionID, s.roomFor(connectionID, msg.RoomID), msg.Type, *msg.Enabled)
	case domain.TypeScreenShareStart, domain.TypeScreenShareStop:
		return s.ScreenShare(ctx, connectionID, s.roomFor(connectionID, msg.RoomID), msg.Type == domain.TypeScreenShareStart)
	case domain.TypePing:
		s.send(connectionID, &domain.Message{Type: domain.TypePong})
		return nil
	default:
		return fmt.Errorf("unsupported message type %q: %w", msg.Type, domain.ErrInvalidRequest)
	}
}

// roomFor falls back to the connection's bound room when the message omits it.
func (s *RoomService) roomFor(connectionID, roomID string) string {
	if roomID != "" {
		return roomID
	}
	if b, ok := s.conns.Lookup(connectionID); ok {
		return b.RoomID
	}
	return ""
}

func (s *RoomService) Status() Status {
	return Status{
		Status:      "ok",
		Timestamp:   time.Now().UTC(),
		Rooms:       s.rooms.Count(),
		Connections: s.conns.Count(),
	}
}

func (s *RoomService) ListRooms() []registry.RoomSummary {
	return s.rooms.List()
}

// Close drops every live connection and stops all purge timers.
func (s *RoomService) Close(ctx context.Context) error {
	s.conns.CloseAll()
	s.rooms.Close()
	s.log.Info("room service closed")
	return nil
}

func (s *RoomService) send(connectionID string, msg *domain.Message) {
	b, ok := s.conns.Lookup(connectionID)
	if !ok || b.Sink == nil {
		s.log.Debug("recipient gone", slog.String("connection_id", connectionID), slog.String("type", string(msg.Type)))
		return
	}
	if !b.Sink.Send(msg) {
		s.log.Debug("dropping outbound message", slog.String("connection_id", connectionID), slog.String("type", string(msg.Type)))
	}
}
