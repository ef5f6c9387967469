// Package logging initializes zerolog for the CLI and opens per-run debug
// log files for the loader.
package logging

import (
	"fmt"
	"io"
	stdlog "log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Options configures the process logger.
type Options struct {
	Level  string // debug, info, warn, error; default info
	Pretty bool   // console writer instead of JSON
	App    string
	Out    io.Writer // default os.Stderr
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	if l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s))); err == nil && l != zerolog.NoLevel {
		return l
	}
	return zerolog.InfoLevel
}

// Init builds the process logger, installs it as the zerolog global, and
// redirects the standard library logger into it.
func Init(opts Options) zerolog.Logger {
	level := ParseLevel(opts.Level)
	zerolog.SetGlobalLevel(level)

	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	var w io.Writer = out
	if opts.Pretty {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	app := opts.App
	if app == "" {
		app = "pkmlog"
	}
	logger := zerolog.New(w).Level(level).With().Timestamp().Str("app", app).Logger()

	zlog.Logger = logger
	stdlog.SetFlags(0)
	stdlog.SetOutput(logger)
	return logger
}

// RunLog is a per-run debug log file.
type RunLog struct {
	Logger zerolog.Logger
	Path   string
	file   *os.File
}

// OpenRunLog creates <base>/<app>/<YYYYMMDD-HHMMSS>/loader_debug.log. If the
// file cannot be created the returned RunLog discards everything and err
// says why; the caller is expected to continue.
func OpenRunLog(base, app string, now time.Time) (*RunLog, error) {
	app = strings.TrimSpace(app)
	if app == "" {
		app = "app"
	}
	if base == "" {
		base = "outputs"
	}
	dir := filepath.Join(base, app, now.Format("20060102-150405"))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &RunLog{Logger: zerolog.Nop()}, fmt.Errorf("creating run log dir: %w", err)
	}
	path := filepath.Join(dir, "loader_debug.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return &RunLog{Logger: zerolog.Nop()}, fmt.Errorf("opening run log: %w", err)
	}
	return &RunLog{
		Logger: zerolog.New(f).Level(zerolog.DebugLevel).With().Timestamp().Logger(),
		Path:   path,
		file:   f,
	}, nil
}

// Close flushes and closes the file. Safe on a discarding RunLog.
func (r *RunLog) Close() error {
	if r == nil || r.file == nil {
		return nil
	}
	return r.file.Close()
}
