// Package obd implements OBD-II service 01 queries over a CAN link.
package obd

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kstaniek/gsusb-obd/internal/can"
	"github.com/kstaniek/gsusb-obd/internal/gsusb"
	"github.com/kstaniek/gsusb-obd/internal/logging"
	"github.com/kstaniek/gsusb-obd/internal/metrics"
)

var (
	ErrQueryFailed        = errors.New("obd query failed")
	ErrUnexpectedResponse = errors.New("unexpected obd response")
	ErrInvalidPID         = errors.New("invalid pid")
)

const (
	// BroadcastID is the functional request address every emission ECU
	// listens on.
	BroadcastID uint32 = 0x7DF
	// ServiceCurrentData is service 01; positive responses carry 0x41.
	ServiceCurrentData byte = 0x01
	positiveResponse   byte = ServiceCurrentData + 0x40
	padding            byte = 0x55

	// DefaultBitrate is the usual 11-bit OBD-II bus speed.
	DefaultBitrate uint32 = 500_000
)

// Link is the frame-level access the engine needs. *gsusb.Session
// satisfies it.
type Link interface {
	SendFrame(canID uint32, data []byte) (int, error)
	ReceiveFrame() (can.Frame, error)
}

// Engine issues one request at a time on a Link. It is not safe for
// concurrent use; it shares the owning goroutine of its link.
type Engine struct {
	link      Link
	requestID uint32
	logger    *slog.Logger
}

type Option func(*Engine)

// WithRequestID overrides the request address (e.g. 0x7E0 to talk to the
// engine ECU directly).
func WithRequestID(id uint32) Option { return func(e *Engine) { e.requestID = id } }

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func NewEngine(link Link, opts ...Option) *Engine {
	e := &Engine{link: link, requestID: BroadcastID, logger: logging.L()}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Query asks for the current value of pid and returns the data bytes that
// follow the echoed pid. Every failure matches ErrQueryFailed and its cause.
func (e *Engine) Query(pid byte) ([]byte, error) { return e.queryN(pid, 0) }

// queryN is Query requiring at least n data bytes. A shorter answer is a
// failed query, and is recorded as one.
func (e *Engine) queryN(pid byte, n int) ([]byte, error) {
	start := time.Now()
	v, err := e.query(pid, n)
	result := metrics.ResultOK
	if err != nil {
		result = metrics.ResultError
		if errors.Is(err, gsusb.ErrTimeout) {
			result = metrics.ResultTimeout
		}
		metrics.IncError(metrics.ErrOBDQuery)
		e.logger.Debug("obd_query_failed", "pid", fmt.Sprintf("0x%02X", pid), "error", err)
	}
	metrics.ObserveOBDQuery(pid, result, time.Since(start))
	return v, err
}

func (e *Engine) query(pid byte, n int) ([]byte, error) {
	req := [can.MaxLen]byte{2, ServiceCurrentData, pid, padding, padding, padding, padding, padding}
	if _, err := e.link.SendFrame(e.requestID, req[:]); err != nil {
		return nil, fmt.Errorf("%w: pid 0x%02X: send: %w", ErrQueryFailed, pid, err)
	}
	resp, err := e.awaitResponse()
	if err != nil {
		return nil, fmt.Errorf("%w: pid 0x%02X: %w", ErrQueryFailed, pid, err)
	}
	p := resp.Payload()
	if len(p) < 3 || p[1] != positiveResponse || p[2] != pid {
		return nil, fmt.Errorf("%w: pid 0x%02X: %w: % X", ErrQueryFailed, pid, ErrUnexpectedResponse, p)
	}
	if len(p)-3 < n {
		return nil, fmt.Errorf("%w: pid 0x%02X: %w: %d data bytes, want %d", ErrQueryFailed, pid, ErrUnexpectedResponse, len(p)-3, n)
	}
	return append([]byte(nil), p[3:]...), nil
}

// awaitResponse correlates a request with its answer. The adapter echoes
// every transmitted frame first, so the next frame is dropped and the one
// after it is taken as the response.
func (e *Engine) awaitResponse() (can.Frame, error) {
	if _, err := e.link.ReceiveFrame(); err != nil {
		return can.Frame{}, fmt.Errorf("echo: %w", err)
	}
	f, err := e.link.ReceiveFrame()
	if err != nil {
		return can.Frame{}, fmt.Errorf("response: %w", err)
	}
	return f, nil
}
