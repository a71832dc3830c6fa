package gsusb

import "time"

// Transport is the USB side of a Session. Implementations perform blocking
// transfers bounded by timeout and report an expired bound as an error
// matching ErrTimeout.
//
// Control requests are vendor requests addressed to interface 0 with
// wValue 0 (channel 0).
type Transport interface {
	// Configure selects the active configuration, claims interface 0 and
	// selects alternate setting 0. Calling it again after success is a no-op.
	Configure() error
	ControlIn(request uint8, buf []byte, timeout time.Duration) (int, error)
	ControlOut(request uint8, data []byte, timeout time.Duration) (int, error)
	BulkIn(buf []byte, timeout time.Duration) (int, error)
	BulkOut(data []byte, timeout time.Duration) (int, error)
	// Close releases the claim and the device handle.
	Close() error
}

// Opener enumerates attached devices and opens the first one matching
// vid:pid. It returns ErrDeviceNotFound when nothing matches and
// ErrDeviceBusy when the match cannot be opened exclusively.
type Opener func(vid, pid uint16) (Transport, error)
