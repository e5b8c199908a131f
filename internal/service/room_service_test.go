package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/immxrtalbeast/axenix_meet/internal/domain"
	"github.com/immxrtalbeast/axenix_meet/internal/registry"
)

type recordingSink struct {
	mu     sync.Mutex
	msgs   []*domain.Message
	closed bool
}

func (s *recordingSink) Send(msg *domain.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.msgs = append(s.msgs, msg)
	return true
}

func (s *recordingSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *recordingSink) ofType(t domain.MessageType) []*domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Message
	for _, m := range s.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (s *recordingSink) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = nil
}

type fixture struct {
	svc   *RoomService
	sinks map[string]*recordingSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewRoomService(registry.NewConnections(), registry.NewRooms(time.Minute, 100, log), log)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return &fixture{svc: svc, sinks: make(map[string]*recordingSink)}
}

func (f *fixture) connect(id string) *recordingSink {
	sink := &recordingSink{}
	f.sinks[id] = sink
	f.svc.Connect(context.Background(), id, sink)
	return sink
}

func (f *fixture) join(t *testing.T, connID, participantID, roomID string) {
	t.Helper()
	err := f.svc.HandleMessage(context.Background(), connID, &domain.Message{
		Type:          domain.TypeJoinRoom,
		ParticipantID: participantID,
		RoomID:        roomID,
	})
	require.NoError(t, err)
}

func TestRoomService_ConnectGreets(t *testing.T) {
	f := newFixture(t)
	sink := f.connect("c1")

	got := sink.ofType(domain.TypeConnected)
	require.Len(t, got, 1)
	assert.Equal(t, "c1", got[0].ConnectionID)
}

func TestRoomService_JoinNotifiesBothSides(t *testing.T) {
	f := newFixture(t)
	a := f.connect("a")
	b := f.connect("b")

	f.join(t, "a", "alice", "R1")
	f.join(t, "b", "bob", "R1")

	joined := a.ofType(domain.TypeParticipantJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, "b", joined[0].ConnectionID)
	assert.Equal(t, "bob", joined[0].ParticipantID)

	roster := b.ofType(domain.TypeRoomParticipants)
	require.Len(t, roster, 1)
	assert.Equal(t, []domain.ParticipantInfo{{ConnectionID: "a", ParticipantID: "alice"}}, roster[0].Participants)

	require.Len(t, b.ofType(domain.TypeChatHistory), 1)

	ack := b.ofType(domain.TypeRoomJoined)
	require.Len(t, ack, 1)
	assert.Equal(t, "R1", ack[0].RoomID)
	assert.Equal(t, 2, ack[0].ParticipantCount)
	assert.Equal(t, "video", ack[0].RoomType)

	assert.Empty(t, b.ofType(domain.TypeParticipantJoined), "joiner is not told about itself")
}

func TestRoomService_JoinInvalidReportsError(t *testing.T) {
	f := newFixture(t)
	a := f.connect("a")

	err := f.svc.HandleMessage(context.Background(), "a", &domain.Message{Type: domain.TypeJoinRoom, RoomID: "R1"})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)

	errs := a.ofType(domain.TypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, "invalid_request", errs[0].Code)
	assert.Equal(t, 0, f.svc.Status().Rooms)
}

func TestRoomService_RelayPreservesPayloadAndSender(t *testing.T) {
	f := newFixture(t)
	f.connect("a")
	b := f.connect("b")
	f.join(t, "a", "alice", "R1")
	f.join(t, "b", "bob", "R1")

	sdp := json.RawMessage(`{"type":"offer","sdp":"v=0\r\no=- 42 2 IN IP4 127.0.0.1\r\n"}`)
	err := f.svc.HandleMessage(context.Background(), "a", &domain.Message{
		Type:   domain.TypeOffer,
		Target: "b",
		SDP:    sdp,
	})
	require.NoError(t, err)

	offers := b.ofType(domain.TypeOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, "a", offers[0].From)
	assert.Equal(t, "alice", offers[0].FromParticipantID)
	assert.Equal(t, []byte(sdp), []byte(offers[0].SDP))

	cand := json.RawMessage(`{"candidate":"candidate:1 1 udp 2122260223 10.0.0.1 54321 typ host","sdpMid":"0"}`)
	err = f.svc.HandleMessage(context.Background(), "a", &domain.Message{
		Type:      domain.TypeICECandidate,
		Target:    "b",
		Candidate: cand,
	})
	require.NoError(t, err)

	cands := b.ofType(domain.TypeICECandidate)
	require.Len(t, cands, 1)
	assert.Equal(t, []byte(cand), []byte(cands[0].Candidate))
}

func TestRoomService_RelayPreservesOrder(t *testing.T) {
	f := newFixture(t)
	f.connect("a")
	b := f.connect("b")

	for i := 0; i < 20; i++ {
		raw := json.RawMessage(`{"candidate":"c` + string(rune('a'+i)) + `"}`)
		require.NoError(t, f.svc.RouteDirected(context.Background(), "a", "b", domain.TypeICECandidate, raw))
	}

	cands := b.ofType(domain.TypeICECandidate)
	require.Len(t, cands, 20)
	for i, c := range cands {
		assert.Equal(t, `{"candidate":"c`+string(rune('a'+i))+`"}`, string(c.Candidate))
	}
}

func TestRoomService_RelayToMissingTarget(t *testing.T) {
	f := newFixture(t)
	a := f.connect("a")
	f.join(t, "a", "alice", "R1")
	a.reset()

	err := f.svc.HandleMessage(context.Background(), "a", &domain.Message{
		Type:   domain.TypeAnswer,
		Target: "ghost",
		SDP:    json.RawMessage(`{"type":"answer","sdp":"v=0"}`),
	})
	require.ErrorIs(t, err, domain.ErrTargetUnavailable)
	assert.Empty(t, a.ofType(domain.TypeError), "sender is not told about unreachable targets")
}

func TestRoomService_RelayWithoutTarget(t *testing.T) {
	f := newFixture(t)
	a := f.connect("a")

	err := f.svc.HandleMessage(context.Background(), "a", &domain.Message{
		Type: domain.TypeOffer,
		SDP:  json.RawMessage(`{}`),
	})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
	assert.Len(t, a.ofType(domain.TypeError), 1)
}

func TestRoomService_ChatIncludesSenderAndHistory(t *testing.T) {
	f := newFixture(t)
	a := f.connect("a")
	b := f.connect("b")
	f.join(t, "a", "alice", "R1")
	f.join(t, "b", "bob", "R1")

	err := f.svc.HandleMessage(context.Background(), "a", &domain.Message{
		Type:   domain.TypeSendMessage,
		RoomID: "R1",
		Text:   "hello",
	})
	require.NoError(t, err)

	for _, sink := range []*recordingSink{a, b} {
		chats := sink.ofType(domain.TypeChatMessage)
		require.Len(t, chats, 1)
		assert.Equal(t, "hello", chats[0].Text)
		assert.Equal(t, "alice", chats[0].SenderParticipantID)
		assert.NotZero(t, chats[0].ID)
		require.NotNil(t, chats[0].Timestamp)
	}

	c := f.connect("c")
	f.join(t, "c", "carol", "R1")
	history := c.ofType(domain.TypeChatHistory)
	require.Len(t, history, 1)
	require.Len(t, history[0].History, 1)
	assert.Equal(t, "hello", history[0].History[0].Text)
}

func TestRoomService_ChatFromNonMember(t *testing.T) {
	f := newFixture(t)
	a := f.connect("a")
	f.connect("b")
	f.join(t, "b", "bob", "R1")

	err := f.svc.HandleMessage(context.Background(), "a", &domain.Message{
		Type:   domain.TypeSendMessage,
		RoomID: "R1",
		Text:   "sneaky",
	})
	require.ErrorIs(t, err, domain.ErrNotInRoom)
	assert.Empty(t, a.ofType(domain.TypeError))
	assert.Empty(t, f.sinks["b"].ofType(domain.TypeChatMessage))
}

func TestRoomService_ChatUsesBoundRoom(t *testing.T) {
	f := newFixture(t)
	a := f.connect("a")
	f.join(t, "a", "alice", "R1")

	err := f.svc.HandleMessage(context.Background(), "a", &domain.Message{Type: domain.TypeSendMessage, Text: "hi"})
	require.NoError(t, err)
	assert.Len(t, a.ofType(domain.TypeChatMessage), 1)
}

func TestRoomService_ToggleExcludesSender(t *testing.T) {
	f := newFixture(t)
	a := f.connect("a")
	b := f.connect("b")
	f.join(t, "a", "alice", "R1")
	f.join(t, "b", "bob", "R1")

	err := f.svc.HandleMessage(context.Background(), "a", &domain.Message{
		Type:    domain.TypeAudioToggled,
		RoomID:  "R1",
		Enabled: domain.BoolPtr(false),
	})
	require.NoError(t, err)

	assert.Empty(t, a.ofType(domain.TypeUserAudioToggled))
	got := b.ofType(domain.TypeUserAudioToggled)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ConnectionID)
	assert.Equal(t, "alice", got[0].ParticipantID)
	require.NotNil(t, got[0].Enabled)
	assert.False(t, *got[0].Enabled)

	err = f.svc.HandleMessage(context.Background(), "a", &domain.Message{Type: domain.TypeVideoToggled, RoomID: "R1"})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestRoomService_ScreenShare(t *testing.T) {
	f := newFixture(t)
	f.connect("a")
	b := f.connect("b")
	f.join(t, "a", "alice", "R1")
	f.join(t, "b", "bob", "R1")

	require.NoError(t, f.svc.HandleMessage(context.Background(), "a", &domain.Message{Type: domain.TypeScreenShareStart, RoomID: "R1"}))
	require.NoError(t, f.svc.HandleMessage(context.Background(), "a", &domain.Message{Type: domain.TypeScreenShareStop, RoomID: "R1"}))

	start := b.ofType(domain.TypeScreenShareStart)
	require.Len(t, start, 1)
	assert.Equal(t, "a", start[0].From)
	assert.Len(t, b.ofType(domain.TypeScreenShareStop), 1)
}

func TestRoomService_DisconnectNotifiesRoom(t *testing.T) {
	f := newFixture(t)
	a := f.connect("a")
	f.connect("b")
	f.join(t, "a", "alice", "R1")
	f.join(t, "b", "bob", "R1")

	f.svc.Disconnect(context.Background(), "b")

	left := a.ofType(domain.TypeParticipantLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "b", left[0].ConnectionID)
	assert.Equal(t, "bob", left[0].ParticipantID)

	err := f.svc.RouteDirected(context.Background(), "a", "b", domain.TypeOffer, json.RawMessage(`{}`))
	require.ErrorIs(t, err, domain.ErrTargetUnavailable)

	rooms := f.svc.ListRooms()
	require.Len(t, rooms, 1)
	assert.Equal(t, 2, rooms[0].Participants)
	assert.Equal(t, 1, rooms[0].ActiveParticipants)
	assert.Equal(t, 1, f.svc.Status().Connections)
}

func TestRoomService_RejoinOtherRoom(t *testing.T) {
	f := newFixture(t)
	a := f.connect("a")
	b := f.connect("b")
	f.join(t, "a", "alice", "R1")
	f.join(t, "b", "bob", "R1")

	f.join(t, "b", "bob", "R2")

	left := a.ofType(domain.TypeParticipantLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "b", left[0].ConnectionID)

	b.reset()
	require.NoError(t, f.svc.HandleMessage(context.Background(), "a", &domain.Message{Type: domain.TypeSendMessage, RoomID: "R1", Text: "still here?"}))
	assert.Empty(t, b.ofType(domain.TypeChatMessage))
}

func TestRoomService_PingPong(t *testing.T) {
	f := newFixture(t)
	a := f.connect("a")

	require.NoError(t, f.svc.HandleMessage(context.Background(), "a", &domain.Message{Type: domain.TypePing}))
	assert.Len(t, a.ofType(domain.TypePong), 1)
}

func TestRoomService_UnknownType(t *testing.T) {
	f := newFixture(t)
	a := f.connect("a")

	err := f.svc.HandleMessage(context.Background(), "a", &domain.Message{Type: "dance"})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
	assert.Len(t, a.ofType(domain.TypeError), 1)
}

func TestRoomService_CloseDropsConnections(t *testing.T) {
	f := newFixture(t)
	a := f.connect("a")
	f.join(t, "a", "alice", "R1")

	require.NoError(t, f.svc.Close(context.Background()))
	assert.True(t, a.closed)
	assert.Equal(t, 0, f.svc.Status().Rooms)
}
