package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger builds the process logger and installs it as the global one.
// format is "console" or "json"; an unknown level falls back to info.
func InitLogger(app, level, format string) zerolog.Logger {
	return initLogger(os.Stdout, app, level, format)
}

func initLogger(w io.Writer, app, level, format string) zerolog.Logger {
	out := w
	if strings.TrimSpace(format) != "json" {
		out = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	logger := zerolog.New(out).Level(lvl).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger
}
