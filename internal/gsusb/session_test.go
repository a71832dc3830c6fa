package gsusb

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kstaniek/gsusb-obd/internal/can"
	"github.com/kstaniek/gsusb-obd/internal/logging"
)

type controlCall struct {
	request uint8
	data    []byte
}

// fakeTransport answers control-in requests from a table and bulk-in
// transfers from a queue. An empty queue times out.
type fakeTransport struct {
	configureErr error
	controlIn    map[uint8][]byte
	controlErr   error
	outs         []controlCall
	bulkIn       [][]byte
	bulkInErr    error
	bulkOut      [][]byte
	bulkOutN     int // 0 means full write
	closes       int
	closeErr     error
	timeouts     []time.Duration
}

func newFakeTransport() *fakeTransport {
	c, _ := testConsts().MarshalBinary()
	dc, _ := DeviceConfig{SoftwareVersion: 2, HardwareVersion: 1}.MarshalBinary()
	return &fakeTransport{controlIn: map[uint8][]byte{
		uint8(RequestBitTimingConsts): c,
		uint8(RequestDeviceConfig):    dc,
		uint8(RequestTimestamp):       {0x40, 0xe2, 0x01, 0x00},
	}}
}

func (f *fakeTransport) Configure() error { return f.configureErr }

func (f *fakeTransport) ControlIn(request uint8, buf []byte, _ time.Duration) (int, error) {
	if f.controlErr != nil {
		return 0, f.controlErr
	}
	return copy(buf, f.controlIn[request]), nil
}

func (f *fakeTransport) ControlOut(request uint8, data []byte, _ time.Duration) (int, error) {
	if f.controlErr != nil {
		return 0, f.controlErr
	}
	f.outs = append(f.outs, controlCall{request, append([]byte(nil), data...)})
	return len(data), nil
}

func (f *fakeTransport) BulkIn(buf []byte, timeout time.Duration) (int, error) {
	f.timeouts = append(f.timeouts, timeout)
	if len(f.bulkIn) == 0 {
		if f.bulkInErr != nil {
			return 0, f.bulkInErr
		}
		return 0, ErrTimeout
	}
	n := copy(buf, f.bulkIn[0])
	f.bulkIn = f.bulkIn[1:]
	return n, nil
}

func (f *fakeTransport) BulkOut(data []byte, _ time.Duration) (int, error) {
	f.bulkOut = append(f.bulkOut, append([]byte(nil), data...))
	if f.bulkOutN > 0 {
		return f.bulkOutN, nil
	}
	return len(data), nil
}

func (f *fakeTransport) Close() error {
	f.closes++
	return f.closeErr
}

func (f *fakeTransport) lastOut(t *testing.T) controlCall {
	t.Helper()
	require.NotEmpty(t, f.outs)
	return f.outs[len(f.outs)-1]
}

func (f *fakeTransport) queueRX(t *testing.T, h HostFrame) {
	t.Helper()
	b, err := h.MarshalBinary()
	require.NoError(t, err)
	f.bulkIn = append(f.bulkIn, b)
}

func openerFor(tr Transport) Opener {
	return func(uint16, uint16) (Transport, error) { return tr, nil }
}

func openFake(t *testing.T, opts ...Option) (*Session, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	s, err := Open(openerFor(tr), opts...)
	require.NoError(t, err)
	return s, tr
}

func runningFake(t *testing.T) (*Session, *fakeTransport) {
	t.Helper()
	s, tr := openFake(t)
	require.NoError(t, s.Configure())
	_, err := s.SetBitrate(500_000)
	require.NoError(t, err)
	require.NoError(t, s.Start(false))
	return s, tr
}

func TestOpenUsesDeviceIDs(t *testing.T) {
	var gotVID, gotPID uint16
	op := func(vid, pid uint16) (Transport, error) {
		gotVID, gotPID = vid, pid
		return newFakeTransport(), nil
	}
	s, err := Open(op, WithLogger(logging.Discard()))
	require.NoError(t, err)
	assert.Equal(t, VendorID, gotVID)
	assert.Equal(t, ProductID, gotPID)
	assert.Equal(t, StateOpened, s.State())
	assert.True(t, s.IsConnected())

	_, err = Open(op, WithDevice(0x1234, 0x5678), WithLogger(logging.Discard()))
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), gotVID)
	assert.Equal(t, uint16(0x5678), gotPID)
}

func TestOpenErrors(t *testing.T) {
	_, err := Open(func(uint16, uint16) (Transport, error) { return nil, ErrDeviceNotFound })
	assert.ErrorIs(t, err, ErrDeviceNotFound)
	_, err = Open(func(uint16, uint16) (Transport, error) { return nil, ErrDeviceBusy })
	assert.ErrorIs(t, err, ErrDeviceBusy)
	_, err = Open(nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestConfigureSendsHostFormat(t *testing.T) {
	s, tr := openFake(t)
	require.NoError(t, s.Configure())
	assert.Equal(t, StateConfigured, s.State())
	require.Len(t, tr.outs, 1)
	assert.Equal(t, uint8(RequestHostFormat), tr.outs[0].request)
	assert.Equal(t, []byte{0xef, 0xbe, 0, 0}, tr.outs[0].data)

	assert.ErrorIs(t, s.Configure(), ErrInvalidState)
}

func TestConfigureFailureStaysOpened(t *testing.T) {
	s, tr := openFake(t)
	tr.configureErr = errors.New("claim refused")
	err := s.Configure()
	require.ErrorIs(t, err, ErrConfigurationFailed)
	assert.Equal(t, StateOpened, s.State())

	tr.configureErr = nil
	tr.controlErr = errors.New("stall")
	err = s.Configure()
	require.ErrorIs(t, err, ErrConfigurationFailed)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, StateOpened, s.State())

	tr.controlErr = nil
	require.NoError(t, s.Configure())
}

func TestDeviceInfoCached(t *testing.T) {
	s, tr := openFake(t)
	_, err := s.DeviceInfo()
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, s.Configure())
	dc, err := s.DeviceInfo()
	require.NoError(t, err)
	assert.Equal(t, uint32(2), dc.SoftwareVersion)

	tr.controlErr = errors.New("gone")
	dc2, err := s.DeviceInfo()
	require.NoError(t, err)
	assert.Equal(t, dc, dc2)
}

func TestDeviceInfoMalformed(t *testing.T) {
	s, tr := openFake(t)
	require.NoError(t, s.Configure())
	tr.controlIn[uint8(RequestDeviceConfig)] = []byte{1, 2, 3}
	_, err := s.DeviceInfo()
	assert.ErrorIs(t, err, ErrMalformedRegister)
}

func TestIdentify(t *testing.T) {
	s, tr := openFake(t)
	assert.ErrorIs(t, s.Identify(true), ErrInvalidState)
	require.NoError(t, s.Configure())
	require.NoError(t, s.Identify(true))
	out := tr.lastOut(t)
	assert.Equal(t, uint8(RequestIdentify), out.request)
	assert.Equal(t, []byte{1, 0, 0, 0}, out.data)
	assert.Equal(t, StateConfigured, s.State())
}

func TestSetBitrateWritesTiming(t *testing.T) {
	s, tr := openFake(t)
	require.NoError(t, s.Configure())
	bt, err := s.SetBitrate(500_000)
	require.NoError(t, err)
	assert.Equal(t, uint32(6), bt.BRP)

	out := tr.lastOut(t)
	assert.Equal(t, uint8(RequestBitTiming), out.request)
	var written BitTiming
	require.NoError(t, written.UnmarshalBinary(out.data))
	assert.Equal(t, bt, written)

	n := len(tr.outs)
	_, err = s.SetBitrate(0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Len(t, tr.outs, n)
}

func TestStartStop(t *testing.T) {
	s, tr := openFake(t)
	assert.ErrorIs(t, s.Start(false), ErrInvalidState)
	assert.ErrorIs(t, s.Stop(), ErrInvalidState)

	require.NoError(t, s.Configure())
	require.NoError(t, s.Stop()) // no-op
	assert.Len(t, tr.outs, 1)

	require.NoError(t, s.Start(true))
	assert.Equal(t, StateRunning, s.State())
	var mode DeviceMode
	require.NoError(t, mode.UnmarshalBinary(tr.lastOut(t).data))
	assert.Equal(t, ModeStart, mode.Mode)
	assert.Equal(t, FlagLoopback|FlagHWTimestamp, mode.Flags)
	assert.Equal(t, mode.Flags, s.Flags())

	_, err := s.SetBitrate(500_000)
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, s.Stop())
	assert.Equal(t, StateConfigured, s.State())
	require.NoError(t, mode.UnmarshalBinary(tr.lastOut(t).data))
	assert.Equal(t, ModeReset, mode.Mode)
}

func TestSendReceiveRequireRunning(t *testing.T) {
	s, _ := openFake(t)
	_, err := s.SendFrame(0x7DF, []byte{1})
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = s.ReceiveFrame()
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = s.PurgeRxQueue()
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, s.Configure())
	_, err = s.SendFrame(0x7DF, []byte{1})
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = s.ReceiveFrame()
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestSendFrame(t *testing.T) {
	s, tr := runningFake(t)
	n, err := s.SendFrame(0x7DF, []byte{2, 1, 0x0C, 0x55, 0x55, 0x55, 0x55, 0x55})
	require.NoError(t, err)
	assert.Equal(t, HostFrameSize, n)

	require.Len(t, tr.bulkOut, 1)
	var h HostFrame
	require.NoError(t, h.UnmarshalBinary(tr.bulkOut[0]))
	assert.Equal(t, uint32(0x7DF), h.CANID)
	assert.Equal(t, uint8(8), h.DLC)
	assert.Equal(t, uint32(0), h.EchoID)

	_, err = s.SendFrame(0x7DF, make([]byte, 9))
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Len(t, tr.bulkOut, 1)

	tr.bulkOutN = 10
	_, err = s.SendFrame(0x7DF, nil)
	assert.ErrorIs(t, err, ErrTransport)
}

func TestReceiveFrame(t *testing.T) {
	s, tr := runningFake(t)
	tr.queueRX(t, HostFrame{EchoID: EchoIDRX, CANID: 0x7E8, DLC: 2, Data: [8]byte{0xAB, 0xCD, 0xEE}, TimestampUS: 5})

	f, err := s.ReceiveFrame()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x7E8), f.ID())
	assert.Equal(t, []byte{0xAB, 0xCD}, f.Payload())
	assert.Equal(t, uint32(5), f.Timestamp)

	_, err = s.ReceiveFrame()
	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrTransport)

	tr.bulkIn = [][]byte{make([]byte, 10)}
	_, err = s.ReceiveFrame()
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestReceiveTransportError(t *testing.T) {
	s, tr := runningFake(t)
	tr.bulkInErr = errors.New("pipe")
	_, err := s.Receive()
	assert.ErrorIs(t, err, ErrTransport)
}

func TestPurgeRxQueue(t *testing.T) {
	s, tr := runningFake(t)
	for i := 0; i < 3; i++ {
		tr.queueRX(t, HostFrame{EchoID: EchoIDRX, CANID: uint32(i)})
	}
	n, err := s.PurgeRxQueue()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	for _, d := range tr.timeouts {
		assert.Equal(t, DefaultPurgeTimeout, d)
	}

	n, err = s.PurgeRxQueue()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPurgeRxQueueErrorKeepsCount(t *testing.T) {
	s, tr := runningFake(t)
	tr.queueRX(t, HostFrame{EchoID: EchoIDRX})
	tr.bulkInErr = errors.New("no device")
	n, err := s.PurgeRxQueue()
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, 1, n)
}

func TestPurgeRxQueueLimit(t *testing.T) {
	tr := newFakeTransport()
	s, err := Open(openerFor(tr), WithPurgeLimit(5), WithLogger(logging.Discard()))
	require.NoError(t, err)
	require.NoError(t, s.Configure())
	require.NoError(t, s.Start(false))
	for i := 0; i < 8; i++ {
		tr.queueRX(t, HostFrame{EchoID: EchoIDRX})
	}
	n, err := s.PurgeRxQueue()
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Len(t, tr.bulkIn, 3)
}

func TestDeviceTimestamp(t *testing.T) {
	s, _ := openFake(t)
	_, err := s.DeviceTimestamp()
	assert.ErrorIs(t, err, ErrInvalidState)
	require.NoError(t, s.Configure())
	ts, err := s.DeviceTimestamp()
	require.NoError(t, err)
	assert.Equal(t, uint32(123456), ts)
}

func TestSetTimeout(t *testing.T) {
	s, _ := openFake(t, WithTimeout(250*time.Millisecond))
	assert.Equal(t, 250*time.Millisecond, s.Timeout())
	assert.ErrorIs(t, s.SetTimeout(0), ErrInvalidArgument)
	require.NoError(t, s.SetTimeout(2*time.Second))
	assert.Equal(t, 2*time.Second, s.Timeout())
}

func TestCloseIdempotent(t *testing.T) {
	s, tr := runningFake(t)
	require.NoError(t, s.Close())
	assert.Equal(t, 1, tr.closes)
	assert.Equal(t, StateClosed, s.State())
	assert.False(t, s.IsConnected())

	var mode DeviceMode
	require.NoError(t, mode.UnmarshalBinary(tr.lastOut(t).data))
	assert.Equal(t, ModeReset, mode.Mode)

	assert.NoError(t, s.Close())
	assert.Equal(t, 1, tr.closes)

	_, err := s.SendFrame(0x7DF, nil)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestCloseReportsResetFailure(t *testing.T) {
	s, tr := runningFake(t)
	tr.controlErr = errors.New("unplugged")
	err := s.Close()
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, 1, tr.closes)
	assert.Equal(t, StateClosed, s.State())
}

func TestCloseFromOpenedSkipsReset(t *testing.T) {
	s, tr := openFake(t)
	require.NoError(t, s.Close())
	assert.Empty(t, tr.outs)
	assert.Equal(t, 1, tr.closes)
}

func TestSendFullFrame(t *testing.T) {
	s, tr := runningFake(t)
	f := can.Frame{CANID: can.ExtendedID(0x18DB33F1), Len: 8}
	_, err := s.Send(f)
	require.NoError(t, err)
	var h HostFrame
	require.NoError(t, h.UnmarshalBinary(tr.bulkOut[0]))
	assert.Equal(t, f.CANID, h.CANID)

	_, err = s.Send(can.Frame{Len: 9})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "state(9)", State(9).String())
}
