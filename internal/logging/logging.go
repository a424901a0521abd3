package logging

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// New creates a console-only logger for read-only commands.
func New(level string) zerolog.Logger {
	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(console).Level(parseLevel(level)).With().Timestamp().Logger()
}

// NewWithFile creates a logger with console and file output. If the log file
// cannot be opened the logger degrades to console only; lifecycle commands
// must keep working on a box with a read-only or missing log directory.
func NewWithFile(level, path string) zerolog.Logger {
	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}

	os.MkdirAll(filepath.Dir(path), 0755)
	logFile, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		logger := zerolog.New(console).Level(parseLevel(level)).With().Timestamp().Logger()
		logger.Warn().Err(err).Str("path", path).Msg("Log file unavailable, console only")
		return logger
	}

	multi := zerolog.MultiLevelWriter(console, logFile)

	return zerolog.New(multi).Level(parseLevel(level)).With().Timestamp().Logger()
}

// NewPipeline creates a logger for a pipeline supervisor writing into the
// pipeline's own log file. Lines are rendered in console format without color
// so marker lines and raw engine output stay readable in one file.
func NewPipeline(level string, out io.Writer) zerolog.Logger {
	writer := zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: true}
	return zerolog.New(writer).Level(parseLevel(level)).With().Timestamp().Logger()
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
