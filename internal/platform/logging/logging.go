package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls where and how the service logs.
type Options struct {
	Level  string
	Format string // "json" or "console"
	File   string // optional rotating log file
	Stdout io.Writer
}

// New builds the service logger. Output fans out to stdout and, when a file
// is configured, to a lumberjack-rotated file that always receives JSON.
func New(opts Options) zerolog.Logger {
	out := opts.Stdout
	if out == nil {
		out = os.Stdout
	}
	if strings.EqualFold(opts.Format, "console") {
		out = zerolog.ConsoleWriter{Out: out}
	}

	writers := []io.Writer{out}
	if opts.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		})
	}

	var w io.Writer = out
	if len(writers) > 1 {
		w = zerolog.MultiLevelWriter(writers...)
	}

	return zerolog.New(w).
		Level(ParseLevel(opts.Level)).
		With().
		Timestamp().
		Str("service", "aac-server").
		Logger()
}

func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
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
