package gsusb

import (
	"encoding"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kstaniek/gsusb-obd/internal/can"
	"github.com/kstaniek/gsusb-obd/internal/logging"
	"github.com/kstaniek/gsusb-obd/internal/metrics"
)

// State is the host-tracked adapter state. The device does not report
// whether its channel is running.
type State int

const (
	StateClosed State = iota
	StateOpened
	StateConfigured
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpened:
		return "opened"
	case StateConfigured:
		return "configured"
	case StateRunning:
		return "running"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session owns one adapter handle and its single CAN channel.
type Session struct {
	tr           Transport
	state        State
	vid, pid     uint16
	timeout      time.Duration
	purgeTimeout time.Duration
	purgeLimit   int
	logger       *slog.Logger
	info         *DeviceConfig
	flags        uint32 // flags commanded with the last start
	closed       atomic.Bool
}

// Option configures a Session at Open.
type Option func(*Session)

// WithDevice overrides the vendor/product id matched by the opener.
func WithDevice(vid, pid uint16) Option {
	return func(s *Session) { s.vid, s.pid = vid, pid }
}

// WithTimeout bounds every control and bulk transfer.
func WithTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithPurgeTimeout sets the bulk IN wait after which the receive queue is
// considered empty.
func WithPurgeTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.purgeTimeout = d
		}
	}
}

// WithPurgeLimit caps the number of transfers a single purge may discard.
func WithPurgeLimit(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.purgeLimit = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// Open finds and opens the adapter. The returned session is in StateOpened
// and must be closed by the caller.
func Open(open Opener, opts ...Option) (*Session, error) {
	if open == nil {
		return nil, fmt.Errorf("%w: nil opener", ErrInvalidArgument)
	}
	s := &Session{
		vid:          VendorID,
		pid:          ProductID,
		timeout:      DefaultTimeout,
		purgeTimeout: DefaultPurgeTimeout,
		purgeLimit:   DefaultPurgeLimit,
		logger:       logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	tr, err := open(s.vid, s.pid)
	if err != nil {
		return nil, fmt.Errorf("open %04x:%04x: %w", s.vid, s.pid, err)
	}
	if tr == nil {
		return nil, fmt.Errorf("open %04x:%04x: %w", s.vid, s.pid, ErrDeviceNotFound)
	}
	s.tr = tr
	s.setState(StateOpened)
	s.logger.Debug("session_opened", "vid", fmt.Sprintf("%04x", s.vid), "pid", fmt.Sprintf("%04x", s.pid))
	return s, nil
}

// State returns the tracked state.
func (s *Session) State() State { return s.state }

// IsConnected reports whether the session still holds the adapter.
func (s *Session) IsConnected() bool { return s.state != StateClosed }

// Timeout returns the current transfer bound.
func (s *Session) Timeout() time.Duration { return s.timeout }

// SetTimeout changes the transfer bound for subsequent transfers.
func (s *Session) SetTimeout(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: timeout must be > 0", ErrInvalidArgument)
	}
	s.timeout = d
	return nil
}

// Configure claims the interface and announces the host byte order. On
// failure the session stays opened and Configure may be retried.
func (s *Session) Configure() error {
	if err := s.require("configure", StateOpened); err != nil {
		return err
	}
	if err := s.tr.Configure(); err != nil {
		return fmt.Errorf("%w: claim interface: %w", ErrConfigurationFailed, err)
	}
	if err := s.controlOut(RequestHostFormat, HostConfig{ByteOrder: HostByteOrder}); err != nil {
		return fmt.Errorf("%w: %w", ErrConfigurationFailed, err)
	}
	s.setState(StateConfigured)
	s.logger.Debug("session_configured")
	return nil
}

// DeviceInfo returns the adapter configuration, read once per session.
func (s *Session) DeviceInfo() (DeviceConfig, error) {
	if err := s.require("device info", StateConfigured, StateRunning); err != nil {
		return DeviceConfig{}, err
	}
	if s.info != nil {
		return *s.info, nil
	}
	var dc DeviceConfig
	if err := s.controlIn(RequestDeviceConfig, DeviceConfigSize, &dc); err != nil {
		return DeviceConfig{}, err
	}
	s.info = &dc
	return dc, nil
}

// Identify switches the identification LED pattern on or off.
func (s *Session) Identify(enable bool) error {
	if err := s.require("identify", StateConfigured, StateRunning); err != nil {
		return err
	}
	mode := IdentifyOff
	if enable {
		mode = IdentifyOn
	}
	return s.controlOut(RequestIdentify, IdentifyMode{Mode: mode})
}

// BitTimingConsts reads the adapter clock and timing limits.
func (s *Session) BitTimingConsts() (BitTimingConsts, error) {
	if err := s.require("bit timing consts", StateConfigured, StateRunning); err != nil {
		return BitTimingConsts{}, err
	}
	var c BitTimingConsts
	if err := s.controlIn(RequestBitTimingConsts, BitTimingConstsSize, &c); err != nil {
		return BitTimingConsts{}, err
	}
	return c, nil
}

// SetBitrate computes and writes the bit timing for bitrate. Timing cannot
// change while the channel runs.
func (s *Session) SetBitrate(bitrate uint32) (BitTiming, error) {
	if err := s.require("set bitrate", StateConfigured); err != nil {
		return BitTiming{}, err
	}
	var c BitTimingConsts
	if err := s.controlIn(RequestBitTimingConsts, BitTimingConstsSize, &c); err != nil {
		return BitTiming{}, err
	}
	bt, err := CalcBitTiming(bitrate, c)
	if err != nil {
		return BitTiming{}, err
	}
	if err := s.controlOut(RequestBitTiming, bt); err != nil {
		return BitTiming{}, err
	}
	s.logger.Debug("bitrate_set", "bitrate", bitrate, "brp", bt.BRP, "fclk", c.FclkCAN, "sample_point", bt.SamplePoint())
	return bt, nil
}

// Start opens the channel, optionally in loopback.
func (s *Session) Start(loopback bool) error {
	var flags uint32
	if loopback {
		flags |= FlagLoopback
	}
	return s.StartWithFlags(flags)
}

// StartWithFlags opens the channel with the given mode flags. Hardware
// timestamps are always requested because HostFrame carries the timestamp.
func (s *Session) StartWithFlags(flags uint32) error {
	if err := s.require("start", StateConfigured); err != nil {
		return err
	}
	flags |= FlagHWTimestamp
	if err := s.controlOut(RequestMode, DeviceMode{Mode: ModeStart, Flags: flags}); err != nil {
		return err
	}
	s.flags = flags
	s.setState(StateRunning)
	s.logger.Debug("channel_started", "flags", fmt.Sprintf("0x%02x", flags))
	return nil
}

// Flags returns the mode flags commanded by the last start.
func (s *Session) Flags() uint32 { return s.flags }

// Stop resets the channel. Stopping a configured session is a no-op.
func (s *Session) Stop() error {
	if s.state == StateConfigured {
		return nil
	}
	if err := s.require("stop", StateRunning); err != nil {
		return err
	}
	if err := s.controlOut(RequestMode, DeviceMode{Mode: ModeReset}); err != nil {
		return err
	}
	s.flags = 0
	s.setState(StateConfigured)
	s.logger.Debug("channel_stopped")
	return nil
}

// DeviceTimestamp reads the adapter microsecond clock.
func (s *Session) DeviceTimestamp() (uint32, error) {
	if err := s.require("timestamp", StateConfigured, StateRunning); err != nil {
		return 0, err
	}
	buf := make([]byte, TimestampSize)
	n, err := s.tr.ControlIn(uint8(RequestTimestamp), buf, s.timeout)
	metrics.IncControl(RequestTimestamp.String())
	if err != nil {
		return 0, s.transportErr("control in "+RequestTimestamp.String(), metrics.ErrUSBControl, err)
	}
	if n != TimestampSize {
		metrics.IncMalformed()
		return 0, fmt.Errorf("%w: timestamp: got %d bytes, want %d", ErrMalformedRegister, n, TimestampSize)
	}
	return wireOrder.Uint32(buf), nil
}

// SendFrame transmits one standard or extended frame. data is at most 8
// bytes. It returns the number of bytes handed to the bulk endpoint.
func (s *Session) SendFrame(canID uint32, data []byte) (int, error) {
	if err := s.require("send frame", StateRunning); err != nil {
		return 0, err
	}
	if len(data) > can.MaxLen {
		return 0, fmt.Errorf("%w: payload %d bytes exceeds %d", ErrInvalidArgument, len(data), can.MaxLen)
	}
	f := can.Frame{CANID: canID, Len: uint8(len(data))}
	copy(f.Data[:], data)
	return s.send(f)
}

// Send transmits f as is.
func (s *Session) Send(f can.Frame) (int, error) {
	if err := s.require("send frame", StateRunning); err != nil {
		return 0, err
	}
	if f.Len > can.MaxLen {
		return 0, fmt.Errorf("%w: dlc %d exceeds %d", ErrInvalidArgument, f.Len, can.MaxLen)
	}
	return s.send(f)
}

func (s *Session) send(f can.Frame) (int, error) {
	b, err := NewHostFrame(f, 0).MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := s.tr.BulkOut(b, s.timeout)
	if err != nil {
		return n, s.transportErr("bulk out", metrics.ErrUSBBulkOut, err)
	}
	if n != len(b) {
		metrics.IncError(metrics.ErrUSBBulkOut)
		return n, fmt.Errorf("%w: short bulk write %d/%d", ErrTransport, n, len(b))
	}
	metrics.IncUSBTx()
	return n, nil
}

// Receive waits up to the session timeout for one host frame, echoes
// included.
func (s *Session) Receive() (HostFrame, error) {
	if err := s.require("receive frame", StateRunning); err != nil {
		return HostFrame{}, err
	}
	buf := make([]byte, HostFrameSize)
	n, err := s.tr.BulkIn(buf, s.timeout)
	if err != nil {
		return HostFrame{}, s.transportErr("bulk in", metrics.ErrUSBBulkIn, err)
	}
	var hf HostFrame
	if err := hf.UnmarshalBinary(buf[:n]); err != nil {
		return HostFrame{}, err
	}
	metrics.IncUSBRx()
	return hf, nil
}

// ReceiveFrame is Receive reduced to the CAN frame.
func (s *Session) ReceiveFrame() (can.Frame, error) {
	hf, err := s.Receive()
	if err != nil {
		return can.Frame{}, err
	}
	return hf.Frame(), nil
}

// PurgeRxQueue discards pending frames until a short receive times out and
// returns how many transfers were discarded. It is meant for a quiet bus; on
// a busy bus it stops after the purge limit.
func (s *Session) PurgeRxQueue() (int, error) {
	if err := s.require("purge", StateRunning); err != nil {
		return 0, err
	}
	buf := make([]byte, HostFrameSize)
	purged := 0
	defer func() { metrics.AddPurged(purged) }()
	for purged < s.purgeLimit {
		if _, err := s.tr.BulkIn(buf, s.purgeTimeout); err != nil {
			if errors.Is(err, ErrTimeout) {
				return purged, nil
			}
			return purged, s.transportErr("purge bulk in", metrics.ErrUSBBulkIn, err)
		}
		purged++
	}
	s.logger.Warn("purge_limit_reached", "purged", purged)
	return purged, nil
}

// Close resets a running channel and releases the adapter. Only the first
// call does anything; later calls return nil.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	var errs []error
	if s.state == StateRunning {
		if err := s.controlOut(RequestMode, DeviceMode{Mode: ModeReset}); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.tr.Close(); err != nil {
		errs = append(errs, fmt.Errorf("%w: close: %w", ErrTransport, err))
	}
	s.setState(StateClosed)
	s.logger.Debug("session_closed")
	return errors.Join(errs...)
}

func (s *Session) require(op string, allowed ...State) error {
	for _, st := range allowed {
		if s.state == st {
			return nil
		}
	}
	names := make([]string, len(allowed))
	for i, st := range allowed {
		names[i] = st.String()
	}
	return fmt.Errorf("%w: %s needs %s, session is %s", ErrInvalidState, op, strings.Join(names, "|"), s.state)
}

func (s *Session) setState(st State) {
	s.state = st
	metrics.SetSessionState(int(st))
}

func (s *Session) controlOut(req Request, rec encoding.BinaryMarshaler) error {
	b, err := rec.MarshalBinary()
	if err != nil {
		return err
	}
	n, err := s.tr.ControlOut(uint8(req), b, s.timeout)
	metrics.IncControl(req.String())
	if err != nil {
		return s.transportErr("control out "+req.String(), metrics.ErrUSBControl, err)
	}
	if n != len(b) {
		metrics.IncError(metrics.ErrUSBControl)
		return fmt.Errorf("%w: control out %s: short write %d/%d", ErrTransport, req, n, len(b))
	}
	s.logger.Debug("usb_control_out", "request", req.String(), "len", n)
	return nil
}

func (s *Session) controlIn(req Request, size int, rec encoding.BinaryUnmarshaler) error {
	buf := make([]byte, size)
	n, err := s.tr.ControlIn(uint8(req), buf, s.timeout)
	metrics.IncControl(req.String())
	if err != nil {
		return s.transportErr("control in "+req.String(), metrics.ErrUSBControl, err)
	}
	s.logger.Debug("usb_control_in", "request", req.String(), "len", n)
	return rec.UnmarshalBinary(buf[:n])
}

// transportErr classifies a transport failure. Timeouts keep ErrTimeout so
// callers can retry; everything else is wrapped with ErrTransport.
func (s *Session) transportErr(op, label string, err error) error {
	if errors.Is(err, ErrTimeout) {
		metrics.IncError(metrics.ErrUSBTimeout)
		return fmt.Errorf("%s: %w", op, err)
	}
	metrics.IncError(label)
	return fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
}
