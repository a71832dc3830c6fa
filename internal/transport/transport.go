// Package transport holds the asynchronous writer shared by frame sinks.
package transport

import "github.com/kstaniek/gsusb-obd/internal/can"

// FrameSink is a CAN frame transmission target. Implementations must not
// block the caller; the monitor loop owns the USB session.
type FrameSink interface {
	SendFrame(can.Frame) error
}
