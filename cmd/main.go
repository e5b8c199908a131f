package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/joho/godotenv"

	httpapi "github.com/immxrtalbeast/axenix_meet/internal/api/http"
	"github.com/immxrtalbeast/axenix_meet/internal/config"
	"github.com/immxrtalbeast/axenix_meet/internal/registry"
	"github.com/immxrtalbeast/axenix_meet/internal/service"
	"github.com/immxrtalbeast/axenix_meet/lib/logger"
	"github.com/immxrtalbeast/axenix_meet/lib/logger/sl"
)

func main() {
	_ = godotenv.Load(".env")

	cfg := config.MustLoad()
	log := logger.New(cfg.Env)

	conns := registry.NewConnections()
	rooms := registry.NewRooms(cfg.Room.GracePeriod, cfg.Room.HistoryLimit, log)

	roomService := service.NewRoomService(conns, rooms, log)

	roomController := httpapi.NewRoomController(
		roomService,
		cfg.WebRTC.ICEServers(),
		cfg.HTTP.AllowedOrigins,
		httpapi.ConnOptions{
			MaxMessageSize: cfg.HTTP.MaxMessageSize,
			OutboxSize:     cfg.Room.OutboxSize,
			RateLimit:      cfg.Room.RateLimit,
			RateBurst:      cfg.Room.RateBurst,
		},
		log,
	)

	router := httpapi.SetupRouter(roomController, cfg.HTTP.AllowedOrigins)

	srv := &http.Server{
		Addr:    cfg.HTTP.Address,
		Handler: router,
	}

	go func() {
		log.Info("starting application",
			slog.String("addr", cfg.HTTP.Address),
			slog.String("env", cfg.Env),
			slog.Duration("grace_period", cfg.Room.GracePeriod),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server stopped", sl.Err(err))
			os.Exit(1)
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.HTTP.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"http-server": func(ctx context.Context) error {
				log.Info("shutting down http server")
				return srv.Shutdown(ctx)
			},
			"signaling": func(ctx context.Context) error {
				return roomService.Close(ctx)
			},
		},
	)

	exitCode := <-wait
	log.Info("application stopped", slog.Int("exit_code", exitCode))
	os.Exit(exitCode)
}
