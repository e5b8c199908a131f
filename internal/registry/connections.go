package registry

import (
	"sync"

	"github.com/immxrtalbeast/axenix_meet/internal/domain"
)

// Sink is the outbound side of a live connection. Send must not block; it
// reports false when the message was dropped.
type Sink interface {
	Send(msg *domain.Message) bool
	Close()
}

type Binding struct {
	ConnectionID  string
	ParticipantID string
	RoomID        string
	Sink          Sink
}

// Connections maps live transport connections to their room binding.
type Connections struct {
	mu    sync.RWMutex
	conns map[string]*Binding
}

func NewConnections() *Connections {
	return &Connections{
		conns: make(map[string]*Binding),
	}
}

func (c *Connections) Register(connectionID string, sink Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[connectionID] = &Binding{ConnectionID: connectionID, Sink: sink}
}

// Unregister forgets the connection and returns its last binding.
func (c *Connections) Unregister(connectionID string) (Binding, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.conns[connectionID]
	if !ok {
		return Binding{}, false
	}
	delete(c.conns, connectionID)
	return *b, true
}

// Bind records the room membership of a live connection. A later Bind
// replaces the earlier one.
func (c *Connections) Bind(connectionID, participantID, roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.conns[connectionID]
	if !ok {
		return false
	}
	b.ParticipantID = participantID
	b.RoomID = roomID
	return true
}

func (c *Connections) Unbind(connectionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.conns[connectionID]; ok {
		b.ParticipantID = ""
		b.RoomID = ""
	}
}

func (c *Connections) Lookup(connectionID string) (Binding, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.conns[connectionID]
	if !ok {
		return Binding{}, false
	}
	return *b, true
}

func (c *Connections) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.conns)
}

// CloseAll closes every live sink. Sinks are closed outside the lock.
func (c *Connections) CloseAll() {
	c.mu.RLock()
	sinks := make([]Sink, 0, len(c.conns))
	for _, b := range c.conns {
		sinks = append(sinks, b.Sink)
	}
	c.mu.RUnlock()

	for _, s := range sinks {
		if s != nil {
			s.Close()
		}
	}
}
