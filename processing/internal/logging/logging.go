// Package logging installs the process-wide slog logger: JSON on stdout and,
// when a file is configured, the same records to a size-rotated file.
package logging

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/psen-processing/psen/processing/internal/config"
)

// New builds a JSON logger writing to stdout and, if cfg.File is set, to a
// rotated file. The returned closer releases the file; it is a no-op otherwise.
func New(cfg config.LogConfig) (*slog.Logger, io.Closer) {
	return newLogger(cfg, os.Stdout)
}

// Setup builds the logger and installs it as the slog default.
func Setup(cfg config.LogConfig) io.Closer {
	logger, closer := New(cfg)
	slog.SetDefault(logger)
	return closer
}

func newLogger(cfg config.LogConfig, stdout io.Writer) (*slog.Logger, io.Closer) {
	var (
		w      io.Writer = stdout
		closer io.Closer = nopCloser{}
	)
	if cfg.File != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			LocalTime:  true,
			Compress:   true,
		}
		w = io.MultiWriter(stdout, file)
		closer = file
	}
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	return slog.New(h), closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
