package negotiation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/immxrtalbeast/axenix_meet/internal/domain"
	"github.com/immxrtalbeast/axenix_meet/lib/logger/sl"
)

const sessionQueueSize = 64

type attachedSender struct {
	sender Sender
	kind   webrtc.RTPCodecType
}

// Session is the negotiation state for one remote participant. Every
// transition runs on the session's own goroutine, in the order the events
// were queued. Fields below the mutex are owned by that goroutine.
type Session struct {
	remoteID string
	engine   *Engine
	log      *slog.Logger

	events   chan func()
	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
	once     sync.Once

	mu                  sync.RWMutex
	state               State
	remoteParticipantID string

	outgoing  bool
	pc        PeerConnection
	senders   []attachedSender
	pending   []webrtc.ICECandidateInit
	remoteSet bool
	heldOffer *webrtc.SessionDescription
	waiting   bool
}

func newSession(e *Engine, remoteID, remoteParticipantID string) *Session {
	ctx, cancel := context.WithCancel(e.ctx)
	s := &Session{
		remoteID:            remoteID,
		remoteParticipantID: remoteParticipantID,
		engine:              e,
		log:                 e.log.With(slog.String("remote_id", remoteID)),
		events:              make(chan func(), sessionQueueSize),
		ctx:                 ctx,
		cancel:              cancel,
		loopDone:            make(chan struct{}),
		state:               StateAbsent,
	}
	go s.run()
	return s
}

func (s *Session) run() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.ctx.Done():
			return
		case fn := <-s.events:
			fn()
		}
	}
}

// enqueue schedules fn on the session goroutine. It reports false once the
// session is closed.
func (s *Session) enqueue(fn func()) bool {
	select {
	case <-s.ctx.Done():
		return false
	default:
	}
	select {
	case s.events <- fn:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Session) RemoteID() string {
	return s.remoteID
}

func (s *Session) RemoteParticipantID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remoteParticipantID
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setRemoteParticipant(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	s.remoteParticipantID = id
	s.mu.Unlock()
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	if prev.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()

	if prev == st {
		return
	}
	s.log.Debug("session state changed", slog.String("from", string(prev)), slog.String("to", string(st)))
	if hook := s.engine.hooks.OnStateChange; hook != nil {
		hook(s.remoteID, st)
	}
}

// close stops the goroutine and releases the peer connection. Queued events
// are discarded.
func (s *Session) close() {
	s.once.Do(func() {
		s.cancel()
		<-s.loopDone
		s.teardown(StateClosed)
	})
}

func (s *Session) teardown(final State) {
	if s.pc != nil {
		if err := s.pc.Close(); err != nil {
			s.log.Warn("failed to close peer connection", sl.Err(err))
		}
		s.pc = nil
	}
	s.senders = nil
	s.pending = nil
	s.heldOffer = nil
	s.setState(final)
}

func (s *Session) fail(err error) {
	if s.State().Terminal() {
		return
	}
	s.log.Error("negotiation failed", sl.Err(err))
	s.teardown(StateFailed)
	if hook := s.engine.hooks.OnFailure; hook != nil {
		hook(s.remoteID, err)
	}
}

// startOutgoing makes this side the offerer. Repeated calls are no-ops.
func (s *Session) startOutgoing() {
	if s.State() != StateAbsent || s.outgoing {
		return
	}
	s.outgoing = true
	if !s.engine.mediaReady() {
		s.awaitMedia()
		return
	}
	s.sendOffer()
}

// awaitMedia polls for local media in the background and resumes the
// session once it is there.
func (s *Session) awaitMedia() {
	s.setState(StatePendingLocalMedia)
	if s.waiting {
		return
	}
	s.waiting = true

	opts := s.engine.opts
	go func() {
		err := waitFor(s.ctx, opts.RetryInterval, opts.MaxRetries, s.engine.mediaReady)
		s.enqueue(func() {
			s.waiting = false
			if err != nil {
				s.fail(fmt.Errorf("%w: local media not ready after %d retries", domain.ErrNegotiationFailed, opts.MaxRetries))
				return
			}
			s.onMediaReady()
		})
	}()
}

func (s *Session) onMediaReady() {
	if s.State().Terminal() {
		return
	}
	if s.heldOffer != nil {
		offer := *s.heldOffer
		s.heldOffer = nil
		s.answer(offer)
		return
	}
	if s.outgoing && s.pc == nil {
		s.sendOffer()
	}
}

func (s *Session) sendOffer() {
	const op = "negotiation.session.offer"

	pc, err := s.ensurePeer()
	if err != nil {
		s.fail(fmt.Errorf("%s: %w: %w", op, domain.ErrNegotiationFailed, err))
		return
	}
	offer, err := pc.CreateOffer()
	if err != nil {
		s.fail(fmt.Errorf("%s: %w: create offer: %w", op, domain.ErrNegotiationFailed, err))
		return
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		s.fail(fmt.Errorf("%s: %w: set local description: %w", op, domain.ErrNegotiationFailed, err))
		return
	}
	if err := s.sendDescription(domain.TypeOffer, offer); err != nil {
		s.fail(fmt.Errorf("%s: %w: %w", op, domain.ErrNegotiationFailed, err))
		return
	}
	s.setState(StateOfferSent)
}

func (s *Session) handleOffer(desc webrtc.SessionDescription) {
	if s.State().Terminal() {
		return
	}
	if s.remoteSet || s.heldOffer != nil {
		s.log.Debug("duplicate offer ignored")
		return
	}
	if s.outgoing && s.pc != nil {
		s.log.Warn("offer received while own offer is outstanding, ignoring")
		return
	}
	if !s.engine.mediaReady() {
		s.heldOffer = &desc
		s.awaitMedia()
		return
	}
	s.answer(desc)
}

func (s *Session) answer(desc webrtc.SessionDescription) {
	const op = "negotiation.session.answer"

	pc, err := s.ensurePeer()
	if err != nil {
		s.fail(fmt.Errorf("%s: %w: %w", op, domain.ErrNegotiationFailed, err))
		return
	}
	if err := pc.SetRemoteDescription(desc); err != nil {
		s.fail(fmt.Errorf("%s: %w: set remote description: %w", op, domain.ErrNegotiationFailed, err))
		return
	}
	s.remoteSet = true
	s.flushCandidates()
	s.setState(StateAnswerPending)

	answer, err := pc.CreateAnswer()
	if err != nil {
		s.fail(fmt.Errorf("%s: %w: create answer: %w", op, domain.ErrNegotiationFailed, err))
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		s.fail(fmt.Errorf("%s: %w: set local description: %w", op, domain.ErrNegotiationFailed, err))
		return
	}
	if err := s.sendDescription(domain.TypeAnswer, answer); err != nil {
		s.fail(fmt.Errorf("%s: %w: %w", op, domain.ErrNegotiationFailed, err))
		return
	}
	s.setState(StateConnected)
}

func (s *Session) handleAnswer(desc webrtc.SessionDescription) {
	const op = "negotiation.session.apply_answer"

	if s.State().Terminal() || !s.outgoing || s.pc == nil || s.remoteSet {
		s.log.Debug("answer ignored", slog.String("state", string(s.State())))
		return
	}
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		s.fail(fmt.Errorf("%s: %w: set remote description: %w", op, domain.ErrNegotiationFailed, err))
		return
	}
	s.remoteSet = true
	s.flushCandidates()
	s.setState(StateConnected)
}

func (s *Session) handleCandidate(c webrtc.ICECandidateInit) {
	if s.State().Terminal() {
		return
	}
	if !s.remoteSet || s.pc == nil {
		s.pending = append(s.pending, c)
		return
	}
	if err := s.pc.AddICECandidate(c); err != nil {
		s.log.Warn("failed to add ice candidate", sl.Err(err))
	}
}

func (s *Session) flushCandidates() {
	if len(s.pending) > 0 {
		s.log.Debug("flushing buffered candidates", slog.Int("count", len(s.pending)))
	}
	for _, c := range s.pending {
		if err := s.pc.AddICECandidate(c); err != nil {
			s.log.Warn("failed to add buffered ice candidate", sl.Err(err))
		}
	}
	s.pending = nil
}

// replaceVideo swaps the outgoing video without renegotiating.
func (s *Session) replaceVideo(track webrtc.TrackLocal) {
	for _, a := range s.senders {
		if a.kind != webrtc.RTPCodecTypeVideo {
			continue
		}
		if err := a.sender.ReplaceTrack(track); err != nil {
			s.log.Warn("failed to replace video track", sl.Err(err))
		}
	}
}

func (s *Session) onTransportState(st webrtc.PeerConnectionState) {
	s.log.Debug("peer connection state", slog.String("state", st.String()))
	switch st {
	case webrtc.PeerConnectionStateFailed:
		s.fail(fmt.Errorf("%w: transport failed", domain.ErrNegotiationFailed))
	case webrtc.PeerConnectionStateConnected:
		s.setState(StateConnected)
	}
}

func (s *Session) ensurePeer() (PeerConnection, error) {
	if s.pc != nil {
		return s.pc, nil
	}

	pc, err := s.engine.connector.NewPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	var senders []attachedSender
	for _, t := range s.engine.activeTracks() {
		sender, err := pc.AddTrack(t.Track())
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		senders = append(senders, attachedSender{sender: sender, kind: t.Kind()})
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		raw, err := json.Marshal(c.ToJSON())
		if err != nil {
			s.log.Warn("failed to encode ice candidate", sl.Err(err))
			return
		}
		msg := &domain.Message{Type: domain.TypeICECandidate, Target: s.remoteID, Candidate: raw}
		if err := s.engine.signaler.Send(s.ctx, msg); err != nil {
			s.log.Warn("failed to send ice candidate", sl.Err(err))
		}
	})
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		s.enqueue(func() { s.onTransportState(st) })
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.log.Info("remote track", slog.String("kind", track.Kind().String()), slog.String("track_id", track.ID()))
		if hook := s.engine.hooks.OnTrack; hook != nil {
			hook(s.remoteID, track)
		}
	})

	s.pc = pc
	s.senders = senders
	return pc, nil
}

func (s *Session) sendDescription(kind domain.MessageType, desc webrtc.SessionDescription) error {
	raw, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	return s.engine.signaler.Send(s.ctx, &domain.Message{Type: kind, Target: s.remoteID, SDP: raw})
}
