package logger

import (
	"io"
	"log/slog"
	"os"

	"github.com/immxrtalbeast/axenix_meet/lib/logger/slogpretty"
)

const (
	EnvLocal = "local"
	EnvDev   = "dev"
	EnvProd  = "prod"
)

// New picks the handler for env: pretty text locally, JSON elsewhere.
func New(env string) *slog.Logger {
	switch env {
	case EnvDev:
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	case EnvProd:
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	default:
		return NewPretty(os.Stdout, slog.LevelDebug)
	}
}

func NewPretty(out io.Writer, level slog.Level) *slog.Logger {
	opts := slogpretty.PrettyHandlerOptions{
		SlogOpts: &slog.HandlerOptions{Level: level},
	}
	return slog.New(opts.NewPrettyHandler(out))
}
