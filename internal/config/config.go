package config

import (
	"flag"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/pion/webrtc/v3"
)

type Config struct {
	Env    string       `yaml:"env" env:"ENV" env-default:"local"`
	HTTP   HTTPConfig   `yaml:"http"`
	Room   RoomConfig   `yaml:"room"`
	WebRTC WebRTCConfig `yaml:"webrtc"`
	Client ClientConfig `yaml:"client"`
}

type HTTPConfig struct {
	Address         string        `yaml:"address" env:"HTTP_ADDRESS" env-default:""`
	AllowedOrigins  []string      `yaml:"allowed_origins" env:"HTTP_ALLOWED_ORIGINS" env-separator:","`
	MaxMessageSize  int64         `yaml:"max_message_size" env-default:"65536"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env-default:"10s"`
}

type RoomConfig struct {
	GracePeriod  time.Duration `yaml:"grace_period" env:"ROOM_GRACE_PERIOD" env-default:"30s"`
	HistoryLimit int           `yaml:"history_limit" env-default:"100"`
	OutboxSize   int           `yaml:"outbox_size" env-default:"256"`
	// inbound messages per second per connection; zero disables limiting
	RateLimit float64 `yaml:"rate_limit" env-default:"20"`
	RateBurst int     `yaml:"rate_burst" env-default:"40"`
}

type WebRTCConfig struct {
	STUNServers []string `yaml:"stun_servers" env:"STUN_SERVERS" env-separator:","`
	TURNServers []string `yaml:"turn_servers" env:"TURN_SERVERS" env-separator:","`
	TURNUser    string   `yaml:"turn_username" env:"TURN_USERNAME"`
	TURNPass    string   `yaml:"turn_password" env:"TURN_PASSWORD"`
}

// ClientConfig is read by the peer CLI only.
type ClientConfig struct {
	ServerURL     string        `yaml:"server_url" env:"SIGNALING_URL" env-default:"ws://localhost:8080/ws"`
	RetryInterval time.Duration `yaml:"retry_interval" env-default:"500ms"`
	MaxRetries    int           `yaml:"max_retries" env-default:"10"`
}

func MustLoad() *Config {
	configPath := fetchConfigPath()
	if configPath == "" {
		panic("config path is empty")
	}

	return MustLoadPath(configPath)
}

func MustLoadPath(configPath string) *Config {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		panic("config file does not exist: " + configPath)
	}

	var cfg Config

	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		panic("cannot read config: " + err.Error())
	}

	cfg.setDefaults()

	return &cfg
}

// LoadEnv builds a config from environment variables only. Used when no
// config file is present (the peer CLI is usually run that way).
func LoadEnv() (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, err
	}
	cfg.setDefaults()
	return &cfg, nil
}

func fetchConfigPath() string {
	var res string

	flag.StringVar(&res, "config", "", "path to config file")
	flag.Parse()

	if res == "" {
		res = os.Getenv("CONFIG_PATH")
	}

	if res == "" {
		res = "config/local.yaml"
	}

	return res
}

func (c *Config) setDefaults() {
	if c.HTTP.Address == "" {
		c.HTTP.Address = ":8080"
	}
	if len(c.HTTP.AllowedOrigins) == 0 {
		c.HTTP.AllowedOrigins = []string{"http://localhost:3000"}
	}
	if len(c.WebRTC.STUNServers) == 0 {
		c.WebRTC.STUNServers = []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		}
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		c.HTTP.ShutdownTimeout = 10 * time.Second
	}
	if c.Room.HistoryLimit <= 0 {
		c.Room.HistoryLimit = 100
	}
	if c.Room.GracePeriod <= 0 {
		c.Room.GracePeriod = 30 * time.Second
	}
	if c.Room.OutboxSize <= 0 {
		c.Room.OutboxSize = 256
	}
	if c.Client.MaxRetries <= 0 {
		c.Client.MaxRetries = 10
	}
	if c.Client.RetryInterval <= 0 {
		c.Client.RetryInterval = 500 * time.Millisecond
	}
}

// ICEServers converts the configured STUN/TURN endpoints to pion's form.
func (w WebRTCConfig) ICEServers() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, 2)
	if len(w.STUNServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: w.STUNServers})
	}
	if len(w.TURNServers) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:           w.TURNServers,
			Username:       w.TURNUser,
			Credential:     w.TURNPass,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}
	return servers
}
