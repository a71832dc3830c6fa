package gsusb

import "errors"

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrTransport           = errors.New("usb transfer failed")
	ErrTimeout             = errors.New("usb transfer timeout")
	ErrMalformedRegister   = errors.New("malformed register")
	ErrMalformedFrame      = errors.New("malformed frame")
	ErrDeviceNotFound      = errors.New("device not found")
	ErrDeviceBusy          = errors.New("device busy")
	ErrConfigurationFailed = errors.New("configuration failed")
	ErrInvalidState        = errors.New("invalid session state")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrBitrateUnsupported  = errors.New("bitrate unsupported")
)
