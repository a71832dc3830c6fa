package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/gsusb-obd/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"usb_rx", snap.USBRx,
					"usb_tx", snap.USBTx,
					"control", snap.Control,
					"purged", snap.Purged,
					"malformed", snap.Malformed,
					"obd_queries", snap.OBDQueries,
					"obd_failures", snap.OBDFailures,
					"mirror_tx", snap.MirrorTx,
					"feed_tx", snap.FeedTx,
					"feed_clients", snap.HubClients,
					"hub_drops", snap.HubDrops,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
