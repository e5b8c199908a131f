package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/immxrtalbeast/axenix_meet/internal/config"
	"github.com/immxrtalbeast/axenix_meet/internal/domain"
	"github.com/immxrtalbeast/axenix_meet/internal/negotiation"
	"github.com/immxrtalbeast/axenix_meet/internal/signaling"
	"github.com/immxrtalbeast/axenix_meet/lib/logger"
	"github.com/immxrtalbeast/axenix_meet/lib/logger/sl"
)

var (
	flagConfig      string
	flagServer      string
	flagParticipant string
	flagRoom        string
	flagRoomType    string
	flagChat        string
	flagShare       time.Duration
	flagVerbose     bool
)

var rootCmd = &cobra.Command{
	Use:   "peer",
	Short: "Join a meeting room as a headless WebRTC participant",
	Long: `peer connects to the signaling server, joins a room and negotiates a
WebRTC session with every other participant using synthetic audio and
video tracks.

Examples:
  peer --room standup --participant bot-1
  peer --room standup --type chat --chat "hello"
  peer --room demo --share 10s`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVarP(&flagConfig, "config", "c", "", "path to config file (environment only when empty)")
	rootCmd.Flags().StringVarP(&flagServer, "server", "s", "", "signaling websocket url")
	rootCmd.Flags().StringVarP(&flagParticipant, "participant", "p", "", "participant id (random when empty)")
	rootCmd.Flags().StringVarP(&flagRoom, "room", "r", "", "room id to join")
	rootCmd.Flags().StringVarP(&flagRoomType, "type", "t", string(domain.RoomTypeVideo), "room type: video, audio or chat")
	rootCmd.Flags().StringVar(&flagChat, "chat", "", "chat message to post after joining")
	rootCmd.Flags().DurationVar(&flagShare, "share", 0, "share a synthetic screen for this long after joining")
	rootCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
	_ = rootCmd.MarkFlagRequired("room")
}

func main() {
	_ = godotenv.Load(".env")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		color.Red("error: %v", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if flagConfig != "" {
		return config.MustLoadPath(flagConfig), nil
	}
	return config.LoadEnv()
}

func run(ctx context.Context) error {
	const op = "peer.run"

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if flagServer != "" {
		cfg.Client.ServerURL = flagServer
	}
	if flagParticipant == "" {
		flagParticipant = "peer-" + uuid.NewString()[:8]
	}
	roomType := domain.ParseRoomType(flagRoomType)

	log := setupLogger(flagVerbose)

	client := signaling.NewClient(cfg.Client.ServerURL, log)
	if err := client.Connect(ctx, cfg.Client.MaxRetries); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer client.Close()

	engine := negotiation.NewEngine(
		negotiation.NewPionConnector(cfg.WebRTC.ICEServers()),
		client,
		negotiation.Options{
			RetryInterval: cfg.Client.RetryInterval,
			MaxRetries:    cfg.Client.MaxRetries,
		},
		negotiation.Hooks{
			OnStateChange: func(remoteID string, state negotiation.State) {
				log.Info("session state", slog.String("remote", remoteID), slog.String("state", string(state)))
			},
			OnFailure: func(remoteID string, err error) {
				log.Error("session failed", slog.String("remote", remoteID), sl.Err(err))
			},
			OnTrack: func(remoteID string, track *webrtc.TrackRemote) {
				log.Info("remote track",
					slog.String("remote", remoteID),
					slog.String("kind", track.Kind().String()),
					slog.String("codec", track.Codec().MimeType),
				)
				go drain(track)
			},
		},
		log,
	)
	defer engine.Close()

	camera, err := syntheticStream("camera")
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	engine.SetLocalMedia(camera)

	neg := &joinWatcher{Engine: engine, joined: make(chan struct{})}
	dispatcher := signaling.NewDispatcher(neg, signaling.Events{
		OnChat: printChat,
		OnToggle: func(connectionID, participantID string, kind domain.MessageType, enabled bool) {
			log.Info("participant toggled media",
				slog.String("participant", participantID),
				slog.String("kind", string(kind)),
				slog.Bool("enabled", enabled),
			)
		},
		OnScreenShare: func(from, fromParticipantID string, started bool) {
			log.Info("screen share", slog.String("participant", fromParticipantID), slog.Bool("started", started))
		},
		OnRoster: func(participants []domain.ParticipantInfo) {
			log.Info("room roster", slog.Int("participants", len(participants)))
		},
	}, log)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := dispatcher.Run(gctx, client.Incoming())
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		feed(gctx, camera)
		return nil
	})

	g.Go(func() error {
		if err := engine.Join(gctx, flagParticipant, flagRoom, roomType); err != nil {
			return err
		}
		select {
		case <-neg.joined:
		case <-gctx.Done():
			return nil
		}
		color.Green("joined room %s as %s (%s)", flagRoom, flagParticipant, roomType)

		if flagChat != "" {
			if err := engine.SendChat(gctx, flagChat); err != nil {
				return err
			}
		}
		if flagShare > 0 && roomType == domain.RoomTypeVideo {
			return shareScreen(gctx, engine, flagShare)
		}
		return nil
	})

	<-gctx.Done()

	leaveCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := engine.Leave(leaveCtx); err != nil {
		log.Warn("leave failed", sl.Err(err))
	}
	client.Close()

	if err := g.Wait(); err != nil && !errors.Is(err, signaling.ErrClosed) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// joinWatcher signals once the server confirms the join.
type joinWatcher struct {
	*negotiation.Engine
	joined chan struct{}
	once   sync.Once
}

func (w *joinWatcher) Joined(roomID string, roomType domain.RoomType) {
	w.Engine.Joined(roomID, roomType)
	w.once.Do(func() { close(w.joined) })
}

func shareScreen(ctx context.Context, engine *negotiation.Engine, d time.Duration) error {
	screen, err := syntheticStream("screen")
	if err != nil {
		return err
	}
	screen.Audio = nil

	if err := engine.StartScreenShare(ctx, screen); err != nil {
		return err
	}
	feedCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go feed(feedCtx, screen)

	select {
	case <-time.After(d):
	case <-ctx.Done():
		return nil
	}
	return engine.StopScreenShare(ctx)
}

func syntheticStream(id string) (*negotiation.Stream, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		id+"-audio", id,
	)
	if err != nil {
		return nil, err
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		id+"-video", id,
	)
	if err != nil {
		return nil, err
	}
	return &negotiation.Stream{
		ID:    id,
		Audio: negotiation.NewLocalTrack(audio),
		Video: negotiation.NewLocalTrack(video),
	}, nil
}

// feed writes filler samples to every enabled track of stream until ctx ends.
func feed(ctx context.Context, stream *negotiation.Stream) {
	const frame = 20 * time.Millisecond

	ticker := time.NewTicker(frame)
	defer ticker.Stop()

	payload := make([]byte, 160)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, t := range stream.Tracks() {
			if !t.Enabled() {
				continue
			}
			sample, ok := t.Track().(*webrtc.TrackLocalStaticSample)
			if !ok {
				continue
			}
			_ = sample.WriteSample(media.Sample{Data: payload, Duration: frame})
		}
	}
}

func drain(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

func printChat(msg domain.ChatMessage) {
	ts := color.New(color.FgHiBlack).Sprint(msg.Timestamp.Format("15:04:05"))
	who := color.New(color.FgCyan, color.Bold).Sprint(msg.SenderParticipantID)
	fmt.Printf("%s %s: %s\n", ts, who, msg.Text)
}

func setupLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return logger.NewPretty(os.Stderr, level)
}
