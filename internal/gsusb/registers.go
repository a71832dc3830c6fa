package gsusb

import (
	"encoding/binary"
	"fmt"

	"github.com/kstaniek/gsusb-obd/internal/metrics"
)

// Register record sizes on the wire (packed, no padding).
const (
	HostConfigSize      = 4
	DeviceConfigSize    = 12
	IdentifyModeSize    = 4
	BitTimingConstsSize = 40
	BitTimingSize       = 20
	DeviceModeSize      = 8
	TimestampSize       = 4
)

// wireOrder is the adapter byte order. The host announces itself with
// HostByteOrder and then encodes everything little-endian.
var wireOrder = binary.LittleEndian

// HostConfig announces the host byte order. Must be the first request.
type HostConfig struct {
	ByteOrder uint32
}

// DeviceConfig is reported by the adapter (RequestDeviceConfig).
// InterfaceCount is the number of CAN channels minus one.
type DeviceConfig struct {
	Reserved        [3]uint8
	InterfaceCount  uint8
	SoftwareVersion uint32
	HardwareVersion uint32
}

// IdentifyMode toggles the identification LED pattern.
type IdentifyMode struct {
	Mode uint32
}

// BitTimingConsts are the adapter limits used to compute a BitTiming.
type BitTimingConsts struct {
	Feature  uint32
	FclkCAN  uint32
	Tseg1Min uint32
	Tseg1Max uint32
	Tseg2Min uint32
	Tseg2Max uint32
	SJWMax   uint32
	BRPMin   uint32
	BRPMax   uint32
	BRPInc   uint32
}

// BitTiming is written with RequestBitTiming while the channel is reset.
type BitTiming struct {
	PropSeg   uint32
	PhaseSeg1 uint32
	PhaseSeg2 uint32
	SJW       uint32
	BRP       uint32
}

// DeviceMode starts or resets the channel.
type DeviceMode struct {
	Mode  uint32
	Flags uint32
}

func (r HostConfig) MarshalBinary() ([]byte, error) { return encodeRecord(&r, HostConfigSize) }
func (r *HostConfig) UnmarshalBinary(b []byte) error {
	return decodeRecord("host config", b, HostConfigSize, r)
}

func (r DeviceConfig) MarshalBinary() ([]byte, error) { return encodeRecord(&r, DeviceConfigSize) }
func (r *DeviceConfig) UnmarshalBinary(b []byte) error {
	return decodeRecord("device config", b, DeviceConfigSize, r)
}

func (r IdentifyMode) MarshalBinary() ([]byte, error) { return encodeRecord(&r, IdentifyModeSize) }
func (r *IdentifyMode) UnmarshalBinary(b []byte) error {
	return decodeRecord("identify mode", b, IdentifyModeSize, r)
}

func (r BitTimingConsts) MarshalBinary() ([]byte, error) {
	return encodeRecord(&r, BitTimingConstsSize)
}
func (r *BitTimingConsts) UnmarshalBinary(b []byte) error {
	return decodeRecord("bit timing consts", b, BitTimingConstsSize, r)
}

func (r BitTiming) MarshalBinary() ([]byte, error) { return encodeRecord(&r, BitTimingSize) }
func (r *BitTiming) UnmarshalBinary(b []byte) error {
	return decodeRecord("bit timing", b, BitTimingSize, r)
}

func (r DeviceMode) MarshalBinary() ([]byte, error) { return encodeRecord(&r, DeviceModeSize) }
func (r *DeviceMode) UnmarshalBinary(b []byte) error {
	return decodeRecord("device mode", b, DeviceModeSize, r)
}

// encodeRecord packs a fixed-size record. v must point to a struct made only
// of fixed-size exported fields.
func encodeRecord(v any, size int) ([]byte, error) {
	buf := make([]byte, size)
	n, err := binary.Encode(buf, wireOrder, v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	if n != size {
		return nil, fmt.Errorf("encode %T: wrote %d bytes, want %d", v, n, size)
	}
	return buf, nil
}

// decodeRecord fills dst only when b is exactly size bytes long.
func decodeRecord[T any](name string, b []byte, size int, dst *T) error {
	if len(b) != size {
		metrics.IncMalformed()
		return fmt.Errorf("%w: %s: got %d bytes, want %d", ErrMalformedRegister, name, len(b), size)
	}
	var tmp T
	if _, err := binary.Decode(b, wireOrder, &tmp); err != nil {
		metrics.IncMalformed()
		return fmt.Errorf("%w: %s: %w", ErrMalformedRegister, name, err)
	}
	*dst = tmp
	return nil
}
