package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide root logger, initialized once at startup.
var Logger zerolog.Logger

type Config struct {
	Level      string
	JSONOutput bool
	Output     io.Writer
}

// Init configures the root logger. JSON output for deployments, console
// writer for local development.
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if !cfg.JSONOutput {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	Logger = zerolog.New(output).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with the subsystem name
// (e.g. "fanout", "outbox", "ws"). The pointer lets call sites chain level
// methods directly.
func WithComponent(component string) *zerolog.Logger {
	l := Logger.With().Str("component", component).Logger()
	return &l
}
