package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kstaniek/gsusb-obd/internal/gsusb"
	"github.com/kstaniek/gsusb-obd/internal/server"
	"github.com/kstaniek/gsusb-obd/internal/usb"
)

// openTransport is swapped in tests.
var openTransport gsusb.Opener = usb.Opener

// openSession brings the adapter from closed to running and returns the
// description published on the feed. On error nothing stays open.
func openSession(ctx context.Context, cfg *appConfig, l *slog.Logger) (*gsusb.Session, server.DeviceInfo, error) {
	sess, err := gsusb.Open(openTransport,
		gsusb.WithDevice(cfg.vid, cfg.pid),
		gsusb.WithTimeout(cfg.timeout),
		gsusb.WithPurgeTimeout(cfg.purgeTimeout),
		gsusb.WithLogger(l),
	)
	if err != nil {
		return nil, server.DeviceInfo{}, err
	}
	fail := func(err error) (*gsusb.Session, server.DeviceInfo, error) {
		if cerr := sess.Close(); cerr != nil {
			l.Warn("session_close_error", "error", cerr)
		}
		return nil, server.DeviceInfo{}, err
	}
	if err := sess.Configure(); err != nil {
		return fail(err)
	}
	dc, err := sess.DeviceInfo()
	if err != nil {
		return fail(err)
	}
	l.Info("device_info",
		"sw_version", dc.SoftwareVersion,
		"hw_version", dc.HardwareVersion,
		"channels", int(dc.InterfaceCount)+1,
	)
	if ts, err := sess.DeviceTimestamp(); err == nil {
		l.Debug("device_clock", "timestamp_us", ts)
	} else {
		l.Debug("device_clock_unavailable", "error", err)
	}
	if cfg.identify > 0 {
		if err := blink(ctx, sess, cfg.identify); err != nil {
			l.Warn("identify_failed", "error", err)
		}
	}
	consts, err := sess.BitTimingConsts()
	if err != nil {
		return fail(err)
	}
	bt, err := sess.SetBitrate(cfg.bitrate)
	if err != nil {
		return fail(err)
	}
	var flags uint32
	if cfg.loopback {
		flags |= gsusb.FlagLoopback
	}
	if cfg.listenOnly {
		flags |= gsusb.FlagListenOnly
	}
	if err := sess.StartWithFlags(flags); err != nil {
		return fail(err)
	}
	n, err := sess.PurgeRxQueue()
	if err != nil {
		return fail(err)
	}
	l.Info("channel_running",
		"bitrate", bt.Bitrate(consts.FclkCAN),
		"brp", bt.BRP,
		"sample_point", bt.SamplePoint(),
		"flags", fmt.Sprintf("0x%02x", sess.Flags()),
		"purged", n,
	)
	info := server.DeviceInfo{
		VendorID:        fmt.Sprintf("%04x", cfg.vid),
		ProductID:       fmt.Sprintf("%04x", cfg.pid),
		SoftwareVersion: dc.SoftwareVersion,
		HardwareVersion: dc.HardwareVersion,
		Channels:        int(dc.InterfaceCount) + 1,
		FclkCAN:         consts.FclkCAN,
		Bitrate:         bt.Bitrate(consts.FclkCAN),
		SamplePoint:     bt.SamplePoint(),
		Flags:           sess.Flags(),
		Mode:            cfg.mode,
	}
	return sess, info, nil
}

// blink turns the identify pattern on for d, or until ctx is done.
func blink(ctx context.Context, sess *gsusb.Session, d time.Duration) error {
	if err := sess.Identify(true); err != nil {
		return err
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
	return sess.Identify(false)
}

// closeSession stops the channel and releases the adapter.
func closeSession(sess *gsusb.Session, l *slog.Logger) {
	if err := sess.Stop(); err != nil {
		l.Warn("channel_stop_error", "error", err)
	}
	if err := sess.Close(); err != nil {
		l.Warn("session_close_error", "error", err)
	}
	l.Info("session_closed")
}
