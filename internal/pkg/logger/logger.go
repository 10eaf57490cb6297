package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	appCtx "github.com/baechuer/real-time-ressys/services/reservation-service/internal/pkg/context"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

const serviceName = "reservation-service"

// Logger is the process-wide logger. Setup replaces it.
var Logger zerolog.Logger

type Options struct {
	Level  string // zerolog level name; unknown names mean info
	Format string // "json" or "console"
	Writer io.Writer
}

// Setup builds the global logger and mirrors it into zerolog/log.
func Setup(opts Options) {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(opts.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	if !strings.EqualFold(strings.TrimSpace(opts.Format), "json") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	Logger = zerolog.New(w).Level(level).With().
		Timestamp().
		Str("service", serviceName).
		Logger()
	zlog.Logger = Logger
}

// Init configures the logger from LOG_LEVEL and LOG_FORMAT.
func Init() {
	InitWithWriter(os.Stdout)
}

func InitWithWriter(w io.Writer) {
	Setup(Options{
		Level:  os.Getenv("LOG_LEVEL"),
		Format: os.Getenv("LOG_FORMAT"),
		Writer: w,
	})
}

// WithCtx returns the global logger annotated with the request id, if any.
func WithCtx(ctx context.Context) *zerolog.Logger {
	rid := appCtx.GetRequestID(ctx)
	if rid == "" {
		return &Logger
	}
	l := Logger.With().Str("request_id", rid).Logger()
	return &l
}
