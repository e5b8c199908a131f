package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pion/webrtc/v3"

	"github.com/immxrtalbeast/axenix_meet/internal/domain"
	"github.com/immxrtalbeast/axenix_meet/lib/logger/sl"
)

// Negotiator receives the server events that drive peer negotiation.
type Negotiator interface {
	SetSelf(connectionID string)
	Joined(roomID string, roomType domain.RoomType)
	ParticipantJoined(connectionID, participantID string)
	ParticipantLeft(connectionID string)
	HandleOffer(from, fromParticipantID string, desc webrtc.SessionDescription)
	HandleAnswer(from string, desc webrtc.SessionDescription)
	HandleCandidate(from string, c webrtc.ICECandidateInit)
}

// Events are optional callbacks for everything that is not negotiation.
type Events struct {
	OnChat        func(msg domain.ChatMessage)
	OnToggle      func(connectionID, participantID string, kind domain.MessageType, enabled bool)
	OnScreenShare func(from, fromParticipantID string, started bool)
	OnRoster      func(participants []domain.ParticipantInfo)
	OnError       func(code, message string)
}

// Dispatcher routes server messages, in arrival order, to the negotiator.
type Dispatcher struct {
	negotiator Negotiator
	events     Events
	log        *slog.Logger
}

func NewDispatcher(negotiator Negotiator, events Events, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		negotiator: negotiator,
		events:     events,
		log:        log,
	}
}

// Run consumes in until it is closed or ctx is done.
func (d *Dispatcher) Run(ctx context.Context, in <-chan *domain.Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-in:
			if !ok {
				return ErrClosed
			}
			if err := d.Dispatch(msg); err != nil {
				d.log.Warn("dropping server message", slog.String("type", string(msg.Type)), sl.Err(err))
			}
		}
	}
}

func (d *Dispatcher) Dispatch(msg *domain.Message) error {
	const op = "signaling.dispatcher.dispatch"

	switch msg.Type {
	case domain.TypeConnected:
		d.negotiator.SetSelf(msg.ConnectionID)
	case domain.TypeRoomJoined:
		d.negotiator.Joined(msg.RoomID, domain.ParseRoomType(msg.RoomType))
	case domain.TypeRoomParticipants:
		if d.events.OnRoster != nil {
			d.events.OnRoster(msg.Participants)
		}
	case domain.TypeParticipantJoined:
		d.negotiator.ParticipantJoined(msg.ConnectionID, msg.ParticipantID)
	case domain.TypeParticipantLeft:
		d.negotiator.ParticipantLeft(msg.ConnectionID)
	case domain.TypeOffer, domain.TypeAnswer:
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(msg.SDP, &desc); err != nil {
			return fmt.Errorf("%s: decode %s: %w", op, msg.Type, err)
		}
		if msg.Type == domain.TypeOffer {
			d.negotiator.HandleOffer(msg.From, msg.FromParticipantID, desc)
		} else {
			d.negotiator.HandleAnswer(msg.From, desc)
		}
	case domain.TypeICECandidate:
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal(msg.Candidate, &c); err != nil {
			return fmt.Errorf("%s: decode candidate: %w", op, err)
		}
		d.negotiator.HandleCandidate(msg.From, c)
	case domain.TypeChatHistory:
		if d.events.OnChat != nil {
			for _, m := range msg.History {
				d.events.OnChat(m)
			}
		}
	case domain.TypeChatMessage:
		if d.events.OnChat != nil {
			chat := domain.ChatMessage{
				ID:                  msg.ID,
				SenderParticipantID: msg.SenderParticipantID,
				SenderConnectionID:  msg.From,
				Text:                msg.Text,
			}
			if msg.Timestamp != nil {
				chat.Timestamp = *msg.Timestamp
			}
			d.events.OnChat(chat)
		}
	case domain.TypeUserAudioToggled, domain.TypeUserVideoToggled:
		if d.events.OnToggle != nil && msg.Enabled != nil {
			d.events.OnToggle(msg.ConnectionID, msg.ParticipantID, msg.Type, *msg.Enabled)
		}
	case domain.TypeScreenShareStart, domain.TypeScreenShareStop:
		if d.events.OnScreenShare != nil {
			d.events.OnScreenShare(msg.From, msg.FromParticipantID, msg.Type == domain.TypeScreenShareStart)
		}
	case domain.TypeError:
		d.log.Warn("server reported error", slog.String("code", msg.Code), slog.String("error", msg.Error))
		if d.events.OnError != nil {
			d.events.OnError(msg.Code, msg.Error)
		}
	case domain.TypePong:
	default:
		return fmt.Errorf("%s: unknown message type %q", op, msg.Type)
	}
	return nil
}
