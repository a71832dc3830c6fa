package main

import (
	"log/slog"
	"os"

	"github.com/kstaniek/gsusb-obd/internal/logging"
)

func setupLogger(format, level string) *slog.Logger {
	lvl, err := logging.ParseLevel(level)
	l := logging.New(format, lvl, os.Stderr).With("app", "gsusb-obd")
	if err != nil {
		l.Warn("log_level_fallback", "level", level, "used", lvl.String())
	}
	logging.Set(l)
	return l
}
