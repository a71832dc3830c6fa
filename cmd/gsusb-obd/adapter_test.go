package main

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/kstaniek/gsusb-obd/internal/gsusb"
	"github.com/kstaniek/gsusb-obd/internal/obd"
)

// fakeAdapter simulates a gs_usb adapter with one ECU on the bus. Every
// transmitted frame is echoed; OBD requests to a known PID get an answer
// from 0x7E8.
type fakeAdapter struct {
	mu         sync.Mutex
	rx         [][]byte
	sent       []gsusb.HostFrame
	modes      []gsusb.DeviceMode
	identifies []uint32
	ecu        map[byte][]byte
	devCfgErr  error
	closed     int
	// strays is how many of the next answers get a second reply from 0x7E9.
	strays int
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{ecu: map[byte][]byte{
		0x00:                {0x00, 0x0C, 0x00, 0x00}, // 0x0C and 0x0D, no next range
		obd.PIDEngineRPM:    {0x1A, 0xF8},
		obd.PIDVehicleSpeed: {0x32},
	}}
}

func (a *fakeAdapter) opener() gsusb.Opener {
	return func(vid, pid uint16) (gsusb.Transport, error) { return a, nil }
}

func (a *fakeAdapter) Configure() error { return nil }

func (a *fakeAdapter) ControlIn(req uint8, buf []byte, _ time.Duration) (int, error) {
	var b []byte
	var err error
	switch gsusb.Request(req) {
	case gsusb.RequestDeviceConfig:
		if a.devCfgErr != nil {
			return 0, a.devCfgErr
		}
		b, err = gsusb.DeviceConfig{SoftwareVersion: 2, HardwareVersion: 1}.MarshalBinary()
	case gsusb.RequestBitTimingConsts:
		b, err = gsusb.BitTimingConsts{
			FclkCAN:  48_000_000,
			Tseg1Min: 1, Tseg1Max: 16,
			Tseg2Min: 1, Tseg2Max: 8,
			SJWMax: 4,
			BRPMin: 1, BRPMax: 1024, BRPInc: 1,
		}.MarshalBinary()
	case gsusb.RequestTimestamp:
		b = binary.LittleEndian.AppendUint32(nil, 4242)
	default:
		return 0, fmt.Errorf("unexpected control in %d", req)
	}
	if err != nil {
		return 0, err
	}
	return copy(buf, b), nil
}

func (a *fakeAdapter) ControlOut(req uint8, data []byte, _ time.Duration) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch gsusb.Request(req) {
	case gsusb.RequestMode:
		var m gsusb.DeviceMode
		if err := m.UnmarshalBinary(data); err != nil {
			return 0, err
		}
		a.modes = append(a.modes, m)
	case gsusb.RequestIdentify:
		a.identifies = append(a.identifies, binary.LittleEndian.Uint32(data))
	}
	return len(data), nil
}

func (a *fakeAdapter) BulkOut(data []byte, _ time.Duration) (int, error) {
	var hf gsusb.HostFrame
	if err := hf.UnmarshalBinary(data); err != nil {
		return 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, hf)
	a.rx = append(a.rx, append([]byte(nil), data...))
	if hf.CANID == obd.BroadcastID && hf.Data[1] == obd.ServiceCurrentData {
		if v, ok := a.ecu[hf.Data[2]]; ok {
			resp := append([]byte{byte(len(v) + 2), 0x41, hf.Data[2]}, v...)
			a.queueLocked(0x7E8, resp)
			if a.strays > 0 {
				a.strays--
				a.queueLocked(0x7E9, resp)
			}
		}
	}
	return len(data), nil
}

func (a *fakeAdapter) queueLocked(id uint32, payload []byte) {
	hf := gsusb.HostFrame{EchoID: gsusb.EchoIDRX, CANID: id, DLC: uint8(len(payload))}
	copy(hf.Data[:], payload)
	b, _ := hf.MarshalBinary()
	a.rx = append(a.rx, b)
}

func (a *fakeAdapter) BulkIn(buf []byte, _ time.Duration) (int, error) {
	a.mu.Lock()
	if len(a.rx) == 0 {
		a.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, gsusb.ErrTimeout
	}
	b := a.rx[0]
	a.rx = a.rx[1:]
	a.mu.Unlock()
	return copy(buf, b), nil
}

func (a *fakeAdapter) Close() error {
	a.mu.Lock()
	a.closed++
	a.mu.Unlock()
	return nil
}

func (a *fakeAdapter) lastMode() gsusb.DeviceMode {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.modes) == 0 {
		return gsusb.DeviceMode{}
	}
	return a.modes[len(a.modes)-1]
}

// useAdapter points openTransport at a for the duration of the test.
func useAdapter(t interface{ Cleanup(func()) }, a *fakeAdapter) {
	prev := openTransport
	openTransport = a.opener()
	t.Cleanup(func() { openTransport = prev })
}
