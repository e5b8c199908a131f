package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMustLoadPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
env: "prod"
http:
  address: ":9090"
room:
  grace_period: 5s
  history_limit: 20
webrtc:
  turn_servers: ["turn:turn.example.com:3478"]
  turn_username: "u"
  turn_password: "p"
`), 0o600))

	cfg := MustLoadPath(path)

	assert.Equal(t, "prod", cfg.Env)
	assert.Equal(t, ":9090", cfg.HTTP.Address)
	assert.Equal(t, 5*time.Second, cfg.Room.GracePeriod)
	assert.Equal(t, 20, cfg.Room.HistoryLimit)
	assert.Equal(t, 256, cfg.Room.OutboxSize)
	assert.Equal(t, 10*time.Second, cfg.HTTP.ShutdownTimeout)
	assert.NotEmpty(t, cfg.WebRTC.STUNServers)
	assert.Equal(t, 500*time.Millisecond, cfg.Client.RetryInterval)
}

func TestMustLoadPath_Missing(t *testing.T) {
	assert.Panics(t, func() {
		MustLoadPath(filepath.Join(t.TempDir(), "nope.yaml"))
	})
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("HTTP_ADDRESS", ":7000")
	t.Setenv("SIGNALING_URL", "ws://signal.example.com/ws")

	cfg, err := LoadEnv()
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.HTTP.Address)
	assert.Equal(t, "ws://signal.example.com/ws", cfg.Client.ServerURL)
	assert.Equal(t, 10, cfg.Client.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.Room.GracePeriod)
}

func TestICEServers(t *testing.T) {
	w := WebRTCConfig{
		STUNServers: []string{"stun:a:19302"},
		TURNServers: []string{"turn:b:3478"},
		TURNUser:    "user",
		TURNPass:    "secret",
	}

	servers := w.ICEServers()
	require.Len(t, servers, 2)
	assert.Equal(t, []string{"stun:a:19302"}, servers[0].URLs)
	assert.Empty(t, servers[0].Username)
	assert.Equal(t, []string{"turn:b:3478"}, servers[1].URLs)
	assert.Equal(t, "user", servers[1].Username)
	assert.Equal(t, "secret", servers[1].Credential)
	assert.Equal(t, webrtc.ICECredentialTypePassword, servers[1].CredentialType)

	assert.Empty(t, WebRTCConfig{}.ICEServers())
}
