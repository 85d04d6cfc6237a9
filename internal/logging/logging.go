package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup builds the process logger, installs it as the zerolog global and
// returns it. Format is "json" (default) or "console".
func Setup(level, format string) zerolog.Logger {
	logger := New(os.Stderr, level, format)
	log.Logger = logger
	zerolog.SetGlobalLevel(logger.GetLevel())
	return logger
}

func New(w io.Writer, level, format string) zerolog.Logger {
	if strings.EqualFold(strings.TrimSpace(format), "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(ParseLevel(level)).With().Timestamp().Logger()
}

// ParseLevel accepts debug, info, warn and error; anything else is info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
