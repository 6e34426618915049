package logging

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	Level string
	JSON  bool
	// File, when set, sends output to a size-rotated file instead of stderr.
	File string
	// Writer overrides both stderr and File.
	Writer io.Writer
}

var def atomic.Value

func init() {
	cfg := &slog.HandlerOptions{Level: slog.LevelInfo}
	h := slog.NewTextHandler(os.Stderr, cfg)
	def.Store(slog.New(h))
}

// Configure replaces the process logger and returns it.
func Configure(opts Options) *slog.Logger {
	l := New(opts)
	def.Store(l)
	slog.SetDefault(l)
	return l
}

// New builds a logger without installing it.
func New(opts Options) *slog.Logger {
	cfg := &slog.HandlerOptions{Level: parseLevel(opts.Level)}
	var w io.Writer = os.Stderr
	switch {
	case opts.Writer != nil:
		w = opts.Writer
	case opts.File != "":
		w = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     14,
			Compress:   true,
		}
	}
	var h slog.Handler
	if opts.JSON {
		h = slog.NewJSONHandler(w, cfg)
	} else {
		h = slog.NewTextHandler(w, cfg)
	}
	return slog.New(h)
}

func parseLevel(s string) slog.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func L() *slog.Logger {
	l, _ := def.Load().(*slog.Logger)
	return l
}

// InitFromEnv applies LOGBRIDGE_LOG_LEVEL, LOGBRIDGE_LOG_JSON and LOGBRIDGE_LOG_FILE.
func InitFromEnv() {
	lvl := os.Getenv("LOGBRIDGE_LOG_LEVEL")
	jsonStr := os.Getenv("LOGBRIDGE_LOG_JSON")
	json := false
	if b, err := strconv.ParseBool(strings.TrimSpace(jsonStr)); err == nil {
		json = b
	}
	Configure(Options{Level: lvl, JSON: json, File: os.Getenv("LOGBRIDGE_LOG_FILE")})
}
