package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
)

var (
	Logger *slog.Logger
	level  = new(slog.LevelVar) // dynamic level, adjusted by Init from LOG_LEVEL
)

func init() {
	Logger = slog.New(newHandler(os.Stdout, os.Getenv("LOG_FORMAT")))
}

// Init rebuilds the process logger from LOG_FORMAT ("text" or json) and
// LOG_LEVEL (debug, info, warn, error) and installs it as the slog default.
func Init() {
	SetLevel(os.Getenv("LOG_LEVEL"))
	Logger = slog.New(newHandler(os.Stdout, os.Getenv("LOG_FORMAT")))
	slog.SetDefault(Logger)
}

func newHandler(w io.Writer, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// SetLevel accepts debug|info|warn|error; anything else leaves the level at info.
func SetLevel(name string) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn", "warning":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
}

// Shortcut helpers
func Info(msg string, args ...any)  { Logger.Info(msg, args...) }
func Warn(msg string, args ...any)  { Logger.Warn(msg, args...) }
func Error(msg string, args ...any) { Logger.Error(msg, args...) }
func Debug(msg string, args ...any) { Logger.Debug(msg, args...) }

func Fatal(msg string, args ...any) {
	Logger.Error(msg, args...)
	os.Exit(1)
}

// WrapSlog adapts the structured logger to the *log.Logger expected by the
// goburrow modbus handlers. Frames are logged at debug level.
func WrapSlog(args ...any) *log.Logger {
	return slog.NewLogLogger(Logger.With(args...).Handler(), slog.LevelDebug)
}
