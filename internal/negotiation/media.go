package negotiation

import (
	"sync/atomic"

	"github.com/pion/webrtc/v3"
)

// LocalTrack wraps an outgoing track with a mute flag. Producers check
// Enabled before writing samples; a muted track stays attached and silent.
type LocalTrack struct {
	track   webrtc.TrackLocal
	enabled atomic.Bool
	stopped atomic.Bool
}

func NewLocalTrack(track webrtc.TrackLocal) *LocalTrack {
	t := &LocalTrack{track: track}
	t.enabled.Store(true)
	return t
}

func (t *LocalTrack) Track() webrtc.TrackLocal {
	return t.track
}

func (t *LocalTrack) Kind() webrtc.RTPCodecType {
	return t.track.Kind()
}

func (t *LocalTrack) Enabled() bool {
	return t.enabled.Load() && !t.stopped.Load()
}

func (t *LocalTrack) SetEnabled(v bool) {
	t.enabled.Store(v)
}

func (t *LocalTrack) Stop() {
	t.stopped.Store(true)
}

func (t *LocalTrack) Stopped() bool {
	return t.stopped.Load()
}

// Stream is a set of local tracks captured together: the camera and
// microphone, or a screen capture.
type Stream struct {
	ID    string
	Audio *LocalTrack
	Video *LocalTrack
}

func (s *Stream) Tracks() []*LocalTrack {
	if s == nil {
		return nil
	}
	out := make([]*LocalTrack, 0, 2)
	if s.Audio != nil {
		out = append(out, s.Audio)
	}
	if s.Video != nil {
		out = append(out, s.Video)
	}
	return out
}

func (s *Stream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}
