//go:build linux

package socketcan

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/gsusb-obd/internal/can"
)

// Device is a raw CAN socket bound to one interface, used write-only.
type Device struct {
	fd int
}

// Open binds a raw CAN socket to iface (e.g. vcan0).
func Open(iface string) (*Device, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0); err != nil {
		// older kernels lack the option
		if err != unix.ENOPROTOOPT {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("disable CAN FD: %w", err)
		}
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("if %q: %w", iface, err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s): %w", iface, err)
	}
	return &Device{fd: fd}, nil
}

func (d *Device) Close() error { return unix.Close(d.fd) }

// WriteFrame writes one classic CAN frame.
func (d *Device) WriteFrame(fr can.Frame) error {
	buf := marshalFrame(fr)
	n, err := unix.Write(d.fd, buf[:])
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("short write: %d", n)
	}
	return nil
}
