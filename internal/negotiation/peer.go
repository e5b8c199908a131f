package negotiation

import (
	"github.com/pion/webrtc/v3"
)

// PeerConnection is the subset of a WebRTC peer connection the engine drives.
type PeerConnection interface {
	AddTrack(track webrtc.TrackLocal) (Sender, error)
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	Close() error
}

// Sender is an attached outgoing track. Replacing it does not renegotiate.
type Sender interface {
	Track() webrtc.TrackLocal
	ReplaceTrack(track webrtc.TrackLocal) error
}

type Connector interface {
	NewPeerConnection() (PeerConnection, error)
}

// PionConnector builds real pion peer connections.
type PionConnector struct {
	config webrtc.Configuration
}

func NewPionConnector(iceServers []webrtc.ICEServer) *PionConnector {
	return &PionConnector{
		config: webrtc.Configuration{ICEServers: iceServers},
	}
}

func (c *PionConnector) NewPeerConnection() (PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(c.config)
	if err != nil {
		return nil, err
	}
	return &pionPeer{pc: pc}, nil
}

type pionPeer struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeer) AddTrack(track webrtc.TrackLocal) (Sender, error) {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	// RTCP has to be read for interceptors like NACK to work.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return sender, nil
}

func (p *pionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *pionPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *pionPeer) OnICECandidate(f func(*webrtc.ICECandidate)) {
	p.pc.OnICECandidate(f)
}

func (p *pionPeer) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(f)
}

func (p *pionPeer) OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	p.pc.OnTrack(f)
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}
