// Package logging builds the process-wide slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

// Options describes logger construction parameters.
type Options struct {
	Level  string
	Format string // console or json
	File   string // optional path; records are written to stdout and the file
}

// New constructs a logger and the closer for any file it opened.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	level := ParseLevel(opts.Level)
	handlerOpts := &slog.HandlerOptions{Level: level, AddSource: level <= slog.LevelDebug}

	stdout, err := newHandler(os.Stdout, opts.Format, handlerOpts)
	if err != nil {
		return nil, nil, err
	}

	if opts.File == "" {
		return slog.New(stdout), nopCloser{}, nil
	}

	f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file %s: %w", opts.File, err)
	}
	// The file always gets JSON so it stays machine readable.
	fileHandler := slog.NewJSONHandler(f, handlerOpts)

	return slog.New(slogmulti.Fanout(stdout, fileHandler)), f, nil
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newHandler(w io.Writer, format string, opts *slog.HandlerOptions) (slog.Handler, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "console", "text":
		return slog.NewTextHandler(w, opts), nil
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("log format: unsupported value %q", format)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
