//go:build !linux

package socketcan

import (
	"errors"

	"github.com/kstaniek/gsusb-obd/internal/can"
)

var errUnsupported = errors.New("socketcan: only supported on linux")

// Device is unavailable outside linux.
type Device struct{}

func Open(string) (*Device, error) { return nil, errUnsupported }

func (*Device) Close() error { return errUnsupported }

func (*Device) WriteFrame(can.Frame) error { return errUnsupported }
