package domain

import (
	"sync/atomic"
	"time"
)

const (
	DefaultHistoryLimit  = 100
	MaxChatMessageLength = 500
)

var chatSeq atomic.Int64

func init() {
	chatSeq.Store(time.Now().UnixMilli() * 1000)
}

type ChatMessage struct {
	ID                  int64     `json:"id"`
	SenderParticipantID string    `json:"senderParticipantId"`
	SenderConnectionID  string    `json:"senderConnectionId"`
	Text                string    `json:"text"`
	Timestamp           time.Time `json:"timestamp"`
}

// NewChatMessage stamps the message with a process-wide increasing id.
func NewChatMessage(sender *Participant, text string) ChatMessage {
	msg := ChatMessage{
		ID:        chatSeq.Add(1),
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
	if sender != nil {
		msg.SenderParticipantID = sender.ParticipantID
		msg.SenderConnectionID = sender.ConnectionID
	}
	return msg
}
