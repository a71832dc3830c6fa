package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kstaniek/gsusb-obd/internal/socketcan"
	"github.com/kstaniek/gsusb-obd/internal/transport"
)

// openMirrorDev is swapped in tests.
var openMirrorDev = func(iface string) (socketcan.Dev, func() error, error) {
	d, err := socketcan.Open(iface)
	if err != nil {
		return nil, nil, err
	}
	return d, d.Close, nil
}

// initMirror opens the SocketCAN mirror when configured. The returned sink is
// nil when mirroring is disabled; cleanup is always safe to call.
func initMirror(ctx context.Context, cfg *appConfig, l *slog.Logger) (transport.FrameSink, func(), error) {
	if cfg.canMirror == "" {
		return nil, func() {}, nil
	}
	dev, closeDev, err := openMirrorDev(cfg.canMirror)
	if err != nil {
		return nil, func() {}, fmt.Errorf("mirror %s: %w", cfg.canMirror, err)
	}
	w := socketcan.NewTXWriter(ctx, dev, cfg.mirrorBuffer)
	l.Info("mirror_enabled", "if", cfg.canMirror, "buffer", cfg.mirrorBuffer)
	return w, func() {
		w.Close()
		if err := closeDev(); err != nil {
			l.Warn("mirror_close_error", "error", err)
		}
	}, nil
}
