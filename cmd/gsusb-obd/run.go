package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kstaniek/gsusb-obd/internal/can"
	"github.com/kstaniek/gsusb-obd/internal/gsusb"
	"github.com/kstaniek/gsusb-obd/internal/hub"
	"github.com/kstaniek/gsusb-obd/internal/obd"
	"github.com/kstaniek/gsusb-obd/internal/server"
	"github.com/kstaniek/gsusb-obd/internal/socketcan"
	"github.com/kstaniek/gsusb-obd/internal/transport"
)

// maxConsecutiveFailures ends the loop when the adapter stops answering
// altogether (e.g. unplugged).
const maxConsecutiveFailures = 10

// runOBD scans the supported PIDs once, then polls cfg.pids until ctx is
// done. It runs on the goroutine that owns sess.
func runOBD(ctx context.Context, cfg *appConfig, sess *gsusb.Session, h *hub.Hub, srv *server.Server, l *slog.Logger) error {
	eng := obd.NewEngine(sess, obd.WithLogger(l))
	supported, err := eng.SupportedPIDs()
	if err != nil {
		l.Warn("supported_pids_scan_failed", "error", err, "found", len(supported))
		purge(sess, l)
	}
	l.Info("supported_pids", "count", len(supported), "pids", formatPIDs(supported))
	srv.SetPIDs(supported, cfg.pids)

	p, err := obd.NewPoller(eng, cfg.pids, cfg.pollInterval)
	if err != nil {
		return err
	}
	failures := 0
	var fatal error
	stop, cancel := context.WithCancel(ctx)
	defer cancel()
	p.OnReading = func(r obd.Reading) {
		failures = 0
		l.Debug("obd_reading", "pid", r.Name, "value", r.Value, "unit", r.Unit)
		msg, err := server.EncodeReading(r)
		if err != nil {
			l.Warn("feed_encode_error", "error", err)
			return
		}
		h.Broadcast(msg)
	}
	p.OnError = func(pid byte, err error) {
		failures++
		l.Warn("obd_read_failed", "pid", formatPIDs([]byte{pid}), "error", err)
		// a late or extra answer would be taken as the next echo; drain it
		if errors.Is(err, obd.ErrQueryFailed) {
			purge(sess, l)
		}
		if errors.Is(err, gsusb.ErrTransport) && failures >= maxConsecutiveFailures {
			fatal = err
			cancel()
		}
	}
	err = p.Run(stop)
	if fatal != nil {
		return fatal
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func purge(sess *gsusb.Session, l *slog.Logger) {
	if n, err := sess.PurgeRxQueue(); err != nil {
		l.Warn("rx_purge_failed", "error", err)
	} else if n > 0 {
		l.Debug("rx_purged", "frames", n)
	}
}

// frameSource is the receive half of a session.
type frameSource interface {
	ReceiveFrame() (can.Frame, error)
}

// runMonitor forwards every received frame to the feed and the optional
// mirror until ctx is done.
func runMonitor(ctx context.Context, src frameSource, h *hub.Hub, mirror transport.FrameSink, l *slog.Logger) error {
	failures := 0
	for ctx.Err() == nil {
		f, err := src.ReceiveFrame()
		switch {
		case err == nil:
			failures = 0
		case errors.Is(err, gsusb.ErrTimeout):
			continue
		case errors.Is(err, gsusb.ErrMalformedFrame):
			l.Debug("malformed_frame_dropped", "error", err)
			continue
		default:
			failures++
			l.Warn("receive_error", "error", err)
			if failures >= maxConsecutiveFailures {
				return err
			}
			continue
		}
		msg, err := server.EncodeFrame(f, time.Now())
		if err == nil {
			h.Broadcast(msg)
		}
		if mirror != nil {
			if err := mirror.SendFrame(f); err != nil && !errors.Is(err, socketcan.ErrTxOverflow) {
				l.Debug("mirror_send_error", "error", err)
			}
		}
	}
	return nil
}
