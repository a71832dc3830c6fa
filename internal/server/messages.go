package server

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kstaniek/gsusb-obd/internal/can"
	"github.com/kstaniek/gsusb-obd/internal/obd"
)

// Message types on the feed.
const (
	TypeFrame   = "frame"
	TypeReading = "reading"
	TypeDevice  = "device"
)

// FrameMessage is one received CAN frame.
type FrameMessage struct {
	Type      string `json:"type"`
	ID        uint32 `json:"id"`
	Extended  bool   `json:"extended,omitempty"`
	Remote    bool   `json:"remote,omitempty"`
	Len       uint8  `json:"len"`
	Data      string `json:"data"`
	Timestamp uint32 `json:"ts_us"`
	Stamp     int64  `json:"stamp"` // unix ms
}

// ReadingMessage is one decoded OBD sample.
type ReadingMessage struct {
	Type  string  `json:"type"`
	PID   string  `json:"pid"`
	Name  string  `json:"name"`
	Unit  string  `json:"unit"`
	Value float64 `json:"value"`
	Raw   string  `json:"raw"`
	Stamp int64   `json:"stamp"`
}

// DeviceInfo describes the adapter and its channel setup for /api/device
// and the greeting sent to new feed clients.
type DeviceInfo struct {
	Type            string `json:"type"`
	VendorID        string `json:"vendor_id"`
	ProductID       string `json:"product_id"`
	SoftwareVersion uint32 `json:"sw_version"`
	HardwareVersion uint32 `json:"hw_version"`
	Channels        int    `json:"channels"`
	FclkCAN         uint32 `json:"fclk_can"`
	Bitrate         uint32 `json:"bitrate"`
	SamplePoint     uint32 `json:"sample_point_permille"`
	Flags           uint32 `json:"flags"`
	Mode            string `json:"mode"`
}

// PIDsResponse is the body of /api/pids.
type PIDsResponse struct {
	Supported []string `json:"supported"`
	Polled    []string `json:"polled"`
}

// EncodeFrame renders f as a feed message.
func EncodeFrame(f can.Frame, now time.Time) ([]byte, error) {
	b, err := json.Marshal(FrameMessage{
		Type:      TypeFrame,
		ID:        f.ID(),
		Extended:  f.Extended(),
		Remote:    f.Remote(),
		Len:       uint8(len(f.Payload())),
		Data:      hex.EncodeToString(f.Payload()),
		Timestamp: f.Timestamp,
		Stamp:     now.UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: frame: %v", ErrEncode, err)
	}
	return b, nil
}

// EncodeReading renders r as a feed message.
func EncodeReading(r obd.Reading) ([]byte, error) {
	b, err := json.Marshal(ReadingMessage{
		Type:  TypeReading,
		PID:   pidString(r.PID),
		Name:  r.Name,
		Unit:  r.Unit,
		Value: r.Value,
		Raw:   hex.EncodeToString(r.Raw),
		Stamp: r.Time.UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: reading: %v", ErrEncode, err)
	}
	return b, nil
}

func pidString(p byte) string { return fmt.Sprintf("0x%02X", p) }

func pidStrings(ps []byte) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = pidString(p)
	}
	return out
}
