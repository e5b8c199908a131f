package negotiation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"

	"github.com/immxrtalbeast/axenix_meet/internal/domain"
)

type fakeSender struct {
	mu       sync.Mutex
	track    webrtc.TrackLocal
	replaced []webrtc.TrackLocal
}

func (s *fakeSender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *fakeSender) ReplaceTrack(t webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = t
	s.replaced = append(s.replaced, t)
	return nil
}

func (s *fakeSender) replacements() []webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]webrtc.TrackLocal(nil), s.replaced...)
}

// fakePeer records every call in order so tests can assert sequencing.
type fakePeer struct {
	name string

	mu        sync.Mutex
	ops       []string
	senders   []*fakeSender
	remote    *webrtc.SessionDescription
	local     *webrtc.SessionDescription
	closed    bool
	onState   func(webrtc.PeerConnectionState)
	remoteErr error
}

func (p *fakePeer) record(op string) {
	p.mu.Lock()
	p.ops = append(p.ops, op)
	p.mu.Unlock()
}

func (p *fakePeer) AddTrack(t webrtc.TrackLocal) (Sender, error) {
	p.record("add-track:" + t.Kind().String())
	s := &fakeSender{track: t}
	p.mu.Lock()
	p.senders = append(p.senders, s)
	p.mu.Unlock()
	return s, nil
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	p.record("create-offer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-from-" + p.name}, nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	p.record("create-answer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-from-" + p.name}, nil
}

func (p *fakePeer) SetLocalDescription(d webrtc.SessionDescription) error {
	p.record("set-local:" + d.Type.String())
	p.mu.Lock()
	p.local = &d
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.record("set-remote:" + d.Type.String())
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteErr != nil {
		return p.remoteErr
	}
	p.remote = &d
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.record("candidate:" + c.Candidate)
	return nil
}

func (p *fakePeer) OnICECandidate(func(*webrtc.ICECandidate)) {}

func (p *fakePeer) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = f
	p.mu.Unlock()
}

func (p *fakePeer) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (p *fakePeer) Close() error {
	p.record("close")
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ops...)
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) fireState(st webrtc.PeerConnectionState) {
	p.mu.Lock()
	f := p.onState
	p.mu.Unlock()
	f(st)
}

type fakeConnector struct {
	name      string
	mu        sync.Mutex
	peers     []*fakePeer
	remoteErr error
}

func (c *fakeConnector) NewPeerConnection() (PeerConnection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := &fakePeer{name: c.name, remoteErr: c.remoteErr}
	c.peers = append(c.peers, p)
	return p, nil
}

func (c *fakeConnector) created() []*fakePeer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakePeer(nil), c.peers...)
}

// fakeSignaler records outbound messages. When relay is set each message is
// also handed to it, standing in for the server.
type fakeSignaler struct {
	mu    sync.Mutex
	sent  []*domain.Message
	relay func(msg *domain.Message)
	err   error
}

func (s *fakeSignaler) Send(_ context.Context, msg *domain.Message) error {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return s.err
	}
	s.sent = append(s.sent, msg)
	relay := s.relay
	s.mu.Unlock()

	if relay != nil {
		relay(msg)
	}
	return nil
}

func (s *fakeSignaler) ofType(t domain.MessageType) []*domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Message
	for _, m := range s.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

type failureLog struct {
	mu    sync.Mutex
	errs  map[string]error
	count atomic.Int32
}

func (f *failureLog) hook(remoteID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.errs == nil {
		f.errs = make(map[string]error)
	}
	f.errs[remoteID] = err
	f.count.Add(1)
}

func (f *failureLog) get(remoteID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.errs[remoteID]
}

var errBoom = errors.New("boom")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(name string, opts Options, hooks Hooks) (*Engine, *fakeConnector, *fakeSignaler) {
	conn := &fakeConnector{name: name}
	sig := &fakeSignaler{}
	if opts.RetryInterval == 0 {
		opts.RetryInterval = 5 * time.Millisecond
	}
	e := NewEngine(conn, sig, opts, hooks, discardLogger())
	e.SetSelf(name)
	return e, conn, sig
}

func testTrack(t *testing.T, kind webrtc.RTPCodecType, id string) *LocalTrack {
	t.Helper()
	mime := webrtc.MimeTypeOpus
	if kind == webrtc.RTPCodecTypeVideo {
		mime = webrtc.MimeTypeVP8
	}
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, "stream-"+id)
	require.NoError(t, err)
	return NewLocalTrack(track)
}

func cameraStream(t *testing.T) *Stream {
	t.Helper()
	return &Stream{
		ID:    "camera",
		Audio: testTrack(t, webrtc.RTPCodecTypeAudio, "mic"),
		Video: testTrack(t, webrtc.RTPCodecTypeVideo, "cam"),
	}
}

func candidate(i int) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: fmt.Sprintf("c%d", i)}
}

func waitState(t *testing.T, e *Engine, remoteID string, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, ok := e.State(remoteID)
		return ok && st == want
	}, 2*time.Second, 2*time.Millisecond, "session %s never reached %s", remoteID, want)
}
