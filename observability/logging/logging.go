package logging

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls log level and optional file rotation.
type Options struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	// Output overrides stdout, mainly for tests.
	Output io.Writer
}

// Setup configures the standard library logger to emit structured JSON and returns
// the underlying slog.Logger. All log lines include the service name and
// environment when provided. When opts.File is set, lines are also written to a
// size-rotated file.
func Setup(service, env string, opts Options) (*slog.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	var out io.Writer = os.Stdout
	if opts.Output != nil {
		out = opts.Output
	}
	if path := strings.TrimSpace(opts.File); path != "" {
		out = io.MultiWriter(out, &lumberjack.Logger{
			Filename:   path,
			MaxSize:    positiveOr(opts.MaxSizeMB, 100),
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		})
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.TimeKey:
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			case slog.LevelKey:
				return slog.String("severity", strings.ToUpper(attr.Value.String()))
			case slog.MessageKey:
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return attr
		},
	})

	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(service))}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}
	withArgs := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		withArgs = append(withArgs, attr)
	}

	base := slog.New(handler).With(withArgs...)
	slog.SetDefault(base)

	stdBridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	stdBridge.SetFlags(0)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base, nil
}

// ParseLevel maps a textual level to slog. Empty means info.
func ParseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("logging: unknown level %q", raw)
	}
}

func positiveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
