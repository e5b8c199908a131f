// Package negotiation turns relayed signaling messages into working peer
// connections, one session per remote participant.
package negotiation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/pion/webrtc/v3"

	"github.com/immxrtalbeast/axenix_meet/internal/domain"
)

// Signaler delivers messages to the signaling server.
type Signaler interface {
	Send(ctx context.Context, msg *domain.Message) error
}

// Hooks are invoked from session goroutines and must not block.
type Hooks struct {
	OnStateChange func(remoteID string, state State)
	OnFailure     func(remoteID string, err error)
	OnTrack       func(remoteID string, track *webrtc.TrackRemote)
}

type Options struct {
	RetryInterval time.Duration
	MaxRetries    int
}

func (o *Options) setDefaults() {
	if o.RetryInterval <= 0 {
		o.RetryInterval = 500 * time.Millisecond
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 10
	}
}

type SessionInfo struct {
	RemoteID            string
	RemoteParticipantID string
	State               State
}

type Engine struct {
	connector Connector
	signaler  Signaler
	opts      Options
	hooks     Hooks
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	selfID       string
	roomID       string
	roomType     domain.RoomType
	sessions     map[string]*Session
	departed     map[string]struct{}
	camera       *Stream
	screen       *Stream
	sharing      bool
	audioEnabled bool
	videoEnabled bool
}

func NewEngine(connector Connector, signaler Signaler, opts Options, hooks Hooks, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		connector:    connector,
		signaler:     signaler,
		opts:         opts,
		hooks:        hooks,
		log:          log,
		ctx:          ctx,
		cancel:       cancel,
		roomType:     domain.RoomTypeVideo,
		sessions:     make(map[string]*Session),
		departed:     make(map[string]struct{}),
		audioEnabled: true,
		videoEnabled: true,
	}
}

// SetSelf records the connection id assigned by the server.
func (e *Engine) SetSelf(connectionID string) {
	e.mu.Lock()
	e.selfID = connectionID
	e.mu.Unlock()
}

func (e *Engine) Join(ctx context.Context, participantID, roomID string, roomType domain.RoomType) error {
	const op = "negotiation.engine.join"

	if strings.TrimSpace(participantID) == "" || strings.TrimSpace(roomID) == "" {
		return fmt.Errorf("%s: %w: participant and room are required", op, domain.ErrInvalidRequest)
	}

	e.mu.Lock()
	e.roomID = roomID
	e.roomType = roomType
	e.mu.Unlock()

	msg := &domain.Message{
		Type:          domain.TypeJoinRoom,
		ParticipantID: participantID,
		RoomID:        roomID,
		RoomType:      string(roomType),
	}
	if err := e.signaler.Send(ctx, msg); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Joined applies the server's confirmation. The room type of an existing
// room wins over the one we asked for.
func (e *Engine) Joined(roomID string, roomType domain.RoomType) {
	e.mu.Lock()
	e.roomID = roomID
	e.roomType = roomType
	e.mu.Unlock()
	e.log.Info("joined room", slog.String("room_id", roomID), slog.String("room_type", string(roomType)))
}

func (e *Engine) RoomID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.roomID
}

// SetLocalMedia installs the camera/microphone stream. Sessions waiting for
// media pick it up on their next retry.
func (e *Engine) SetLocalMedia(stream *Stream) {
	e.mu.Lock()
	e.camera = stream
	audio, video := e.audioEnabled, e.videoEnabled
	e.mu.Unlock()

	if stream != nil {
		if stream.Audio != nil {
			stream.Audio.SetEnabled(audio)
		}
		if stream.Video != nil {
			stream.Video.SetEnabled(video)
		}
	}
}

func (e *Engine) mediaReady() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.camera == nil {
		return false
	}
	for _, t := range e.camera.Tracks() {
		if !t.Stopped() {
			return true
		}
	}
	return false
}

// activeTracks is what a new peer connection sends: microphone audio plus
// the camera video, or the screen video while sharing.
func (e *Engine) activeTracks() []*LocalTrack {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*LocalTrack
	if e.camera != nil && e.camera.Audio != nil {
		out = append(out, e.camera.Audio)
	}
	if e.roomType == domain.RoomTypeAudio {
		return out
	}
	switch {
	case e.sharing && e.screen != nil && e.screen.Video != nil:
		out = append(out, e.screen.Video)
	case e.camera != nil && e.camera.Video != nil:
		out = append(out, e.camera.Video)
	}
	return out
}

func (e *Engine) negotiates() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.roomType.Negotiates()
}

// session returns the entry for remoteID, creating it in the absent state.
// It returns nil for a remote that already left the room.
func (e *Engine) session(remoteID, remoteParticipantID string) (*Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, gone := e.departed[remoteID]; gone {
		return nil, false
	}
	if s, ok := e.sessions[remoteID]; ok {
		s.setRemoteParticipant(remoteParticipantID)
		return s, false
	}
	s := newSession(e, remoteID, remoteParticipantID)
	e.sessions[remoteID] = s
	return s, true
}

func (e *Engine) isSelf(connectionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return connectionID == "" || connectionID == e.selfID
}

// ParticipantJoined starts an outgoing negotiation with a newcomer.
func (e *Engine) ParticipantJoined(connectionID, participantID string) {
	if e.isSelf(connectionID) || !e.negotiates() {
		return
	}
	e.mu.Lock()
	delete(e.departed, connectionID)
	e.mu.Unlock()

	s, created := e.session(connectionID, participantID)
	if created {
		e.log.Info("participant joined, starting negotiation",
			slog.String("remote_id", connectionID),
			slog.String("participant_id", participantID),
		)
	}
	s.enqueue(s.startOutgoing)
}

// ParticipantLeft closes the session for connectionID. Late messages from
// that connection are dropped until it joins again.
func (e *Engine) ParticipantLeft(connectionID string) {
	e.mu.Lock()
	s, ok := e.sessions[connectionID]
	delete(e.sessions, connectionID)
	e.departed[connectionID] = struct{}{}
	e.mu.Unlock()

	if ok {
		s.close()
		e.log.Info("participant left, session closed", slog.String("remote_id", connectionID))
	}
}

func (e *Engine) HandleOffer(from, fromParticipantID string, desc webrtc.SessionDescription) {
	if e.isSelf(from) || !e.negotiates() {
		return
	}
	s, _ := e.session(from, fromParticipantID)
	if s == nil {
		e.log.Debug("offer from departed participant ignored", slog.String("remote_id", from))
		return
	}
	s.enqueue(func() { s.handleOffer(desc) })
}

func (e *Engine) HandleAnswer(from string, desc webrtc.SessionDescription) {
	e.mu.Lock()
	s, ok := e.sessions[from]
	e.mu.Unlock()
	if !ok {
		e.log.Debug("answer for unknown session ignored", slog.String("remote_id", from))
		return
	}
	s.enqueue(func() { s.handleAnswer(desc) })
}

// HandleCandidate buffers or applies a remote candidate. Candidates may
// arrive before the offer, so an unknown sender gets an absent session.
func (e *Engine) HandleCandidate(from string, c webrtc.ICECandidateInit) {
	if e.isSelf(from) || !e.negotiates() {
		return
	}
	s, _ := e.session(from, "")
	if s == nil {
		e.log.Debug("candidate from departed participant ignored", slog.String("remote_id", from))
		return
	}
	s.enqueue(func() { s.handleCandidate(c) })
}

func (e *Engine) SetAudioEnabled(ctx context.Context, enabled bool) error {
	e.mu.Lock()
	e.audioEnabled = enabled
	tracks := []*LocalTrack{}
	if e.camera != nil && e.camera.Audio != nil {
		tracks = append(tracks, e.camera.Audio)
	}
	if e.screen != nil && e.screen.Audio != nil {
		tracks = append(tracks, e.screen.Audio)
	}
	roomID := e.roomID
	e.mu.Unlock()

	for _, t := range tracks {
		t.SetEnabled(enabled)
	}
	return e.notifyRoom(ctx, roomID, &domain.Message{Type: domain.TypeAudioToggled, Enabled: domain.BoolPtr(enabled)})
}

func (e *Engine) SetVideoEnabled(ctx context.Context, enabled bool) error {
	e.mu.Lock()
	e.videoEnabled = enabled
	var track *LocalTrack
	if e.camera != nil {
		track = e.camera.Video
	}
	roomID := e.roomID
	e.mu.Unlock()

	if track != nil {
		track.SetEnabled(enabled)
	}
	return e.notifyRoom(ctx, roomID, &domain.Message{Type: domain.TypeVideoToggled, Enabled: domain.BoolPtr(enabled)})
}

// StartScreenShare swaps every session's outgoing video to the screen track.
func (e *Engine) StartScreenShare(ctx context.Context, screen *Stream) error {
	const op = "negotiation.engine.screen_share"

	if screen == nil || screen.Video == nil {
		return fmt.Errorf("%s: %w: screen stream has no video", op, domain.ErrInvalidRequest)
	}

	e.mu.Lock()
	prev := e.screen
	e.screen = screen
	e.sharing = true
	audio := e.audioEnabled
	roomID := e.roomID
	e.mu.Unlock()

	if prev != nil && prev != screen {
		prev.Stop()
	}
	if screen.Audio != nil {
		screen.Audio.SetEnabled(audio)
	}

	e.replaceVideo(screen.Video.Track())
	return e.notifyRoom(ctx, roomID, &domain.Message{Type: domain.TypeScreenShareStart})
}

func (e *Engine) StopScreenShare(ctx context.Context) error {
	e.mu.Lock()
	if !e.sharing {
		e.mu.Unlock()
		return nil
	}
	screen := e.screen
	e.screen = nil
	e.sharing = false
	var camera webrtc.TrackLocal
	if e.camera != nil && e.camera.Video != nil {
		camera = e.camera.Video.Track()
	}
	roomID := e.roomID
	e.mu.Unlock()

	e.replaceVideo(camera)
	if screen != nil {
		screen.Stop()
	}
	return e.notifyRoom(ctx, roomID, &domain.Message{Type: domain.TypeScreenShareStop})
}

func (e *Engine) Sharing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sharing
}

func (e *Engine) replaceVideo(track webrtc.TrackLocal) {
	for _, s := range e.snapshot() {
		s := s
		s.enqueue(func() { s.replaceVideo(track) })
	}
}

// SendChat validates and sends a chat line to the current room.
func (e *Engine) SendChat(ctx context.Context, text string) error {
	const op = "negotiation.engine.chat"

	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%s: %w: empty message", op, domain.ErrInvalidRequest)
	}
	if utf8.RuneCountInString(text) > domain.MaxChatMessageLength {
		return fmt.Errorf("%s: %w: limit is %d characters", op, domain.ErrMessageTooLong, domain.MaxChatMessageLength)
	}

	roomID := e.RoomID()
	if roomID == "" {
		return fmt.Errorf("%s: %w", op, domain.ErrNotInRoom)
	}
	if err := e.signaler.Send(ctx, &domain.Message{Type: domain.TypeSendMessage, RoomID: roomID, Text: text}); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (e *Engine) notifyRoom(ctx context.Context, roomID string, msg *domain.Message) error {
	if roomID == "" {
		return nil
	}
	msg.RoomID = roomID
	return e.signaler.Send(ctx, msg)
}

// Leave closes every session, stops local media and tells the server.
func (e *Engine) Leave(ctx context.Context) error {
	e.mu.Lock()
	roomID := e.roomID
	e.roomID = ""
	e.mu.Unlock()

	e.teardown()

	if roomID == "" {
		return nil
	}
	if err := e.signaler.Send(ctx, &domain.Message{Type: domain.TypeLeaveRoom}); err != nil {
		return fmt.Errorf("negotiation.engine.leave: %w", err)
	}
	return nil
}

// Close tears everything down without signaling.
func (e *Engine) Close() {
	e.teardown()
	e.cancel()
}

func (e *Engine) teardown() {
	e.mu.Lock()
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.sessions = make(map[string]*Session)
	e.departed = make(map[string]struct{})
	camera, screen := e.camera, e.screen
	e.camera, e.screen = nil, nil
	e.sharing = false
	e.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.close()
		}(s)
	}
	wg.Wait()

	if camera != nil {
		camera.Stop()
	}
	if screen != nil {
		screen.Stop()
	}
}

func (e *Engine) snapshot() []*Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, s)
	}
	return out
}

func (e *Engine) State(remoteID string) (State, bool) {
	e.mu.Lock()
	s, ok := e.sessions[remoteID]
	e.mu.Unlock()
	if !ok {
		return "", false
	}
	return s.State(), true
}

func (e *Engine) Sessions() []SessionInfo {
	sessions := e.snapshot()
	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SessionInfo{
			RemoteID:            s.RemoteID(),
			RemoteParticipantID: s.RemoteParticipantID(),
			State:               s.State(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteID < out[j].RemoteID })
	return out
}
