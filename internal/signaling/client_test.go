package signaling

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpapi "github.com/immxrtalbeast/axenix_meet/internal/api/http"
	"github.com/immxrtalbeast/axenix_meet/internal/domain"
	"github.com/immxrtalbeast/axenix_meet/internal/negotiation"
	"github.com/immxrtalbeast/axenix_meet/internal/registry"
	"github.com/immxrtalbeast/axenix_meet/internal/service"
)

type stubSender struct{ track webrtc.TrackLocal }

func (s *stubSender) Track() webrtc.TrackLocal { return s.track }
func (s *stubSender) ReplaceTrack(t webrtc.TrackLocal) error { s.track = t; return nil }

// stubPeer answers every call successfully and never produces candidates.
type stubPeer struct{ name string }

func (p *stubPeer) AddTrack(t webrtc.TrackLocal) (negotiation.Sender, error) {
	return &stubSender{track: t}, nil
}
func (p *stubPeer) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-" + p.name}, nil
}
func (p *stubPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-" + p.name}, nil
}
func (p *stubPeer) SetLocalDescription(webrtc.SessionDescription) error { return nil }
func (p *stubPeer) SetRemoteDescription(webrtc.SessionDescription) error { return nil }
func (p *stubPeer) AddICECandidate(webrtc.ICECandidateInit) error { return nil }
func (p *stubPeer) OnICECandidate(func(*webrtc.ICECandidate)) {}
func (p *stubPeer) OnConnectionStateChange(func(webrtc.PeerConnectionState)) {}
func (p *stubPeer) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}
func (p *stubPeer) Close() error { return nil }

type stubConnector struct{ name string }

func (c stubConnector) NewPeerConnection() (negotiation.PeerConnection, error) {
	return &stubPeer{name: c.name}, nil
}

func startServer(t *testing.T) string {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := quietLogger()
	svc := service.NewRoomService(registry.NewConnections(), registry.NewRooms(time.Minute, 100, log), log)
	ctrl := httpapi.NewRoomController(svc, nil, []string{"*"}, httpapi.ConnOptions{OutboxSize: 64}, log)
	srv := httptest.NewServer(httpapi.SetupRouter(ctrl, []string{"*"}))
	t.Cleanup(func() {
		_ = svc.Close(context.Background())
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func testStream(t *testing.T) *negotiation.Stream {
	t.Helper()
	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "mic", "cam")
	require.NoError(t, err)
	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "cam", "cam")
	require.NoError(t, err)
	return &negotiation.Stream{
		ID:    "cam",
		Audio: negotiation.NewLocalTrack(audio),
		Video: negotiation.NewLocalTrack(video),
	}
}

type peerClient struct {
	client *Client
	engine *negotiation.Engine
	mu     sync.Mutex
	chats  []domain.ChatMessage
}

func (p *peerClient) chatTexts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.chats))
	for _, c := range p.chats {
		out = append(out, c.Text)
	}
	return out
}

func startPeer(t *testing.T, ctx context.Context, url, name string) *peerClient {
	t.Helper()
	log := quietLogger()

	client := NewClient(url, log)
	require.NoError(t, client.Connect(ctx, 0))
	t.Cleanup(client.Close)

	engine := negotiation.NewEngine(stubConnector{name: name}, client, negotiation.Options{RetryInterval: 5 * time.Millisecond}, negotiation.Hooks{}, log)
	t.Cleanup(engine.Close)
	engine.SetLocalMedia(testStream(t))

	p := &peerClient{client: client, engine: engine}
	d := NewDispatcher(engine, Events{OnChat: func(m domain.ChatMessage) {
		p.mu.Lock()
		p.chats = append(p.chats, m)
		p.mu.Unlock()
	}}, log)
	go func() { _ = d.Run(ctx, client.Incoming()) }()
	return p
}

func connectedTo(e *negotiation.Engine) func() bool {
	return func() bool {
		sessions := e.Sessions()
		return len(sessions) == 1 && sessions[0].State == negotiation.StateConnected
	}
}

func TestEndToEnd_TwoPeersNegotiateThroughServer(t *testing.T) {
	url := startServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := startPeer(t, ctx, url, "alice")
	require.NoError(t, alice.engine.Join(ctx, "alice", "R1", domain.RoomTypeVideo))
	require.Eventually(t, func() bool { return alice.engine.RoomID() == "R1" }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, alice.engine.SendChat(ctx, "before bob"))

	bob := startPeer(t, ctx, url, "bob")
	require.NoError(t, bob.engine.Join(ctx, "bob", "R1", domain.RoomTypeVideo))

	require.Eventually(t, connectedTo(alice.engine), 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, connectedTo(bob.engine), 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "bob", alice.engine.Sessions()[0].RemoteParticipantID)
	assert.Equal(t, "alice", bob.engine.Sessions()[0].RemoteParticipantID)

	require.Eventually(t, func() bool {
		return len(bob.chatTexts()) == 1
	}, 2*time.Second, 5*time.Millisecond, "history replayed to the newcomer")
	assert.Equal(t, []string{"before bob"}, bob.chatTexts())

	require.NoError(t, bob.engine.Leave(ctx))
	require.Eventually(t, func() bool {
		return len(alice.engine.Sessions()) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestClient_SendAfterClose(t *testing.T) {
	url := startServer(t)

	client := NewClient(url, quietLogger())
	require.NoError(t, client.Connect(context.Background(), 0))
	client.Close()

	err := client.Send(context.Background(), &domain.Message{Type: domain.TypePing})
	require.ErrorIs(t, err, ErrClosed)

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-client.Incoming():
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}

func TestClient_ConnectFails(t *testing.T) {
	client := NewClient("ws://127.0.0.1:1/ws", quietLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.Error(t, client.Connect(ctx, 0))
}
