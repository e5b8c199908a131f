package domain

import (
	"encoding/json"
	"time"
)

type MessageType string

// Client to server.
const (
	TypeJoinRoom         MessageType = "join-room"
	TypeLeaveRoom        MessageType = "leave-room"
	TypeOffer            MessageType = "offer"
	TypeAnswer           MessageType = "answer"
	TypeICECandidate     MessageType = "ice-candidate"
	TypeSendMessage      MessageType = "send-message"
	TypeAudioToggled     MessageType = "audio-toggled"
	TypeVideoToggled     MessageType = "video-toggled"
	TypeScreenShareStart MessageType = "screen-share-start"
	TypeScreenShareStop  MessageType = "screen-share-stop"
	TypePing             MessageType = "ping"
)

// Server to client. Offer, answer, ice-candidate and the screen share types
// are relayed under their inbound names.
const (
	TypeConnected         MessageType = "connected"
	TypeParticipantJoined MessageType = "participant-joined"
	TypeParticipantLeft   MessageType = "participant-left"
	TypeRoomParticipants  MessageType = "room-participants"
	TypeChatHistory       MessageType = "chat-history"
	TypeRoomJoined        MessageType = "room-joined"
	TypeChatMessage       MessageType = "chat-message"
	TypeUserAudioToggled  MessageType = "user-audio-toggled"
	TypeUserVideoToggled  MessageType = "user-video-toggled"
	TypeError             MessageType = "error"
	TypePong              MessageType = "pong"
)

// IsDirected reports whether messages of this type go to a single target.
func (t MessageType) IsDirected() bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeICECandidate:
		return true
	}
	return false
}

type ParticipantInfo struct {
	ConnectionID  string `json:"connectionId"`
	ParticipantID string `json:"participantId"`
}

// Message is the single JSON envelope used in both directions. SDP and
// Candidate stay raw on the server so relayed payloads are forwarded unchanged.
type Message struct {
	Type MessageType `json:"type"`

	RoomID        string `json:"roomId,omitempty"`
	RoomType      string `json:"roomType,omitempty"`
	ParticipantID string `json:"participantId,omitempty"`
	ConnectionID  string `json:"connectionId,omitempty"`

	Target            string `json:"target,omitempty"`
	From              string `json:"from,omitempty"`
	FromParticipantID string `json:"fromParticipantId,omitempty"`

	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`

	SenderParticipantID string `json:"senderParticipantId,omitempty"`

	Text      string     `json:"text,omitempty"`
	ID        int64      `json:"id,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Enabled   *bool      `json:"enabled,omitempty"`

	Participants     []ParticipantInfo `json:"participants,omitempty"`
	History          []ChatMessage     `json:"history,omitempty"`
	ParticipantCount int               `json:"participantCount,omitempty"`

	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// Payload returns the relayed body of a directed message.
func (m *Message) Payload() json.RawMessage {
	if m.Type == TypeICECandidate {
		return m.Candidate
	}
	return m.SDP
}

// NewDirected builds the forwarded form of a directed message.
func NewDirected(kind MessageType, payload json.RawMessage, from, fromParticipantID string) *Message {
	msg := &Message{
		Type:              kind,
		From:              from,
		FromParticipantID: fromParticipantID,
	}
	if kind == TypeICECandidate {
		msg.Candidate = payload
	} else {
		msg.SDP = payload
	}
	return msg
}

func NewChatEvent(chat ChatMessage) *Message {
	ts := chat.Timestamp
	return &Message{
		Type:                TypeChatMessage,
		ID:                  chat.ID,
		SenderParticipantID: chat.SenderParticipantID,
		From:                chat.SenderConnectionID,
		Text:                chat.Text,
		Timestamp:           &ts,
	}
}

func NewErrorMessage(err error) *Message {
	return &Message{
		Type:  TypeError,
		Error: err.Error(),
		Code:  ErrorCode(err),
	}
}

func BoolPtr(v bool) *bool {
	return &v
}
