// Package usb implements the gsusb transport on top of libusb via gousb.
package usb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/kstaniek/gsusb-obd/internal/gsusb"
)

// Device is an opened gs_usb adapter. Configure must succeed before any
// transfer.
type Device struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	in   *gousb.InEndpoint
	out  *gousb.OutEndpoint

	closeOnce sync.Once
	closeErr  error
}

var _ gsusb.Transport = (*Device)(nil)

// Opener adapts Open to gsusb.Opener.
var Opener gsusb.Opener = func(vid, pid uint16) (gsusb.Transport, error) {
	d, err := Open(vid, pid)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Open enumerates the bus and opens the first device matching vid:pid.
func Open(vid, pid uint16) (*Device, error) {
	ctx := gousb.NewContext()
	matched := false
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if matched || desc.Vendor != gousb.ID(vid) || desc.Product != gousb.ID(pid) {
			return false
		}
		matched = true
		return true
	})
	if len(devs) == 0 {
		_ = ctx.Close()
		if err != nil {
			return nil, fmt.Errorf("open %04x:%04x: %w", vid, pid, classify(err))
		}
		return nil, fmt.Errorf("%w: %04x:%04x", gsusb.ErrDeviceNotFound, vid, pid)
	}
	for _, extra := range devs[1:] {
		_ = extra.Close()
	}
	return &Device{ctx: ctx, dev: devs[0]}, nil
}

// Configure selects the active configuration (1 when unset), claims
// interface 0 alt 0 and resolves the bulk endpoints. Kernel drivers bound to
// the interface are detached for the lifetime of the claim.
func (d *Device) Configure() error {
	if d.intf != nil {
		return nil
	}
	if err := d.dev.SetAutoDetach(true); err != nil {
		return fmt.Errorf("auto detach: %w", classify(err))
	}
	num, err := d.dev.ActiveConfigNum()
	if err != nil || num == 0 {
		num = 1
	}
	cfg, err := d.dev.Config(num)
	if err != nil {
		return fmt.Errorf("config %d: %w", num, classify(err))
	}
	intf, err := cfg.Interface(gsusb.Interface, 0)
	if err != nil {
		_ = cfg.Close()
		return fmt.Errorf("claim interface %d: %w", gsusb.Interface, classify(err))
	}
	in, err := intf.InEndpoint(endpointNum(gsusb.EndpointIn))
	if err != nil {
		intf.Close()
		_ = cfg.Close()
		return fmt.Errorf("endpoint 0x%02x: %w", gsusb.EndpointIn, err)
	}
	out, err := intf.OutEndpoint(endpointNum(gsusb.EndpointOut))
	if err != nil {
		intf.Close()
		_ = cfg.Close()
		return fmt.Errorf("endpoint 0x%02x: %w", gsusb.EndpointOut, err)
	}
	d.cfg, d.intf, d.in, d.out = cfg, intf, in, out
	return nil
}

func (d *Device) ControlIn(request uint8, buf []byte, timeout time.Duration) (int, error) {
	d.dev.ControlTimeout = timeout
	n, err := d.dev.Control(gsusb.RequestTypeIn, request, 0, gsusb.Interface, buf)
	if err != nil {
		return n, classify(err)
	}
	return n, nil
}

func (d *Device) ControlOut(request uint8, data []byte, timeout time.Duration) (int, error) {
	d.dev.ControlTimeout = timeout
	n, err := d.dev.Control(gsusb.RequestTypeOut, request, 0, gsusb.Interface, data)
	if err != nil {
		return n, classify(err)
	}
	return n, nil
}

func (d *Device) BulkIn(buf []byte, timeout time.Duration) (int, error) {
	if d.in == nil {
		return 0, fmt.Errorf("%w: bulk in before configure", gsusb.ErrInvalidState)
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	n, err := d.in.ReadContext(ctx, buf)
	if err != nil {
		return n, classifyCtx(ctx, err)
	}
	return n, nil
}

func (d *Device) BulkOut(data []byte, timeout time.Duration) (int, error) {
	if d.out == nil {
		return 0, fmt.Errorf("%w: bulk out before configure", gsusb.ErrInvalidState)
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	n, err := d.out.WriteContext(ctx, data)
	if err != nil {
		return n, classifyCtx(ctx, err)
	}
	return n, nil
}

// Close releases the interface, configuration, device and libusb context.
// Only the first call has an effect.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		var errs []error
		if d.intf != nil {
			d.intf.Close()
		}
		if d.cfg != nil {
			errs = append(errs, d.cfg.Close())
		}
		errs = append(errs, d.dev.Close(), d.ctx.Close())
		d.closeErr = errors.Join(errs...)
	})
	return d.closeErr
}

func endpointNum(addr int) int { return addr & 0x0f }

// classify maps libusb failures onto the gsusb taxonomy. Unknown errors are
// returned unchanged; the session wraps them with gsusb.ErrTransport.
func classify(err error) error {
	var ue gousb.Error
	if errors.As(err, &ue) {
		switch ue {
		case gousb.ErrorTimeout:
			return fmt.Errorf("%w: %w", gsusb.ErrTimeout, err)
		case gousb.ErrorBusy, gousb.ErrorAccess:
			return fmt.Errorf("%w: %w", gsusb.ErrDeviceBusy, err)
		case gousb.ErrorNoDevice, gousb.ErrorNotFound:
			return fmt.Errorf("%w: %w", gsusb.ErrDeviceNotFound, err)
		}
		return err
	}
	var ts gousb.TransferStatus
	if errors.As(err, &ts) && ts == gousb.TransferTimedOut {
		return fmt.Errorf("%w: %w", gsusb.ErrTimeout, err)
	}
	return err
}

// classifyCtx treats a transfer cancelled by an expired deadline as a
// timeout.
func classifyCtx(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		var ts gousb.TransferStatus
		if errors.As(err, &ts) && ts == gousb.TransferCancelled {
			return fmt.Errorf("%w: %w", gsusb.ErrTimeout, err)
		}
	}
	return classify(err)
}
