package socketcan

import (
	"context"
	"errors"

	"github.com/kstaniek/gsusb-obd/internal/can"
	"github.com/kstaniek/gsusb-obd/internal/metrics"
	"github.com/kstaniek/gsusb-obd/internal/transport"
)

var ErrTxOverflow = errors.New("socketcan tx overflow")

// Dev is what TXWriter needs from a socket. Implemented by *Device in
// production and by fakes in tests.
type Dev interface {
	WriteFrame(can.Frame) error
}

// TXWriter funnels all SocketCAN writes through a single goroutine so the
// USB receive loop never waits on the socket.
type TXWriter struct{ base *transport.AsyncTx[can.Frame] }

var _ transport.FrameSink = (*TXWriter)(nil)

// NewTXWriter creates a TXWriter with a buffered channel of size buf.
func NewTXWriter(parent context.Context, dev Dev, buf int) *TXWriter {
	hooks := transport.Hooks{
		OnError: func(err error) { metrics.IncError(metrics.ErrMirrorWrite) },
		OnAfter: func() { metrics.IncMirrorTx() },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrMirrorOverflow)
			return ErrTxOverflow
		},
	}
	return &TXWriter{base: transport.NewAsyncTx(parent, buf, dev.WriteFrame, hooks)}
}

// SendFrame queues a frame (drops with ErrTxOverflow if the buffer is full).
func (w *TXWriter) SendFrame(fr can.Frame) error { return w.base.Send(fr) }

// Close stops the writer and waits for the worker goroutine to finish.
func (w *TXWriter) Close() { w.base.Close() }
