package main

import (
	"io"
	"log/slog"

	"github.com/kstaniek/go-flexcan/internal/logging"
)

func setupLogger(format, level string, w io.Writer) *slog.Logger {
	lvl, err := logging.ParseLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	l := logging.New(format, lvl, w).With("app", "flexcan-server")
	logging.Set(l)
	return l
}
