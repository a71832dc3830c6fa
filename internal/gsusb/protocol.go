package gsusb

import "time"

// USB identifiers of gs_usb firmware (OpenMoko vendor id).
const (
	VendorID  uint16 = 0x1d50
	ProductID uint16 = 0x606f
)

// Endpoint addresses and interface used by the adapter.
const (
	EndpointIn  = 0x81
	EndpointOut = 0x02
	Interface   = 0
)

// bmRequestType bits for vendor requests addressed to the interface.
const (
	RequestDirOut       = 0x00
	RequestDirIn        = 0x80
	RequestTypeVendor   = 0x02 << 5
	RequestRecipientIfc = 0x01

	RequestTypeIn  = RequestDirIn | RequestTypeVendor | RequestRecipientIfc
	RequestTypeOut = RequestDirOut | RequestTypeVendor | RequestRecipientIfc
)

// Request is a gs_usb control request code (bRequest).
type Request uint8

const (
	RequestHostFormat Request = iota
	RequestBitTiming
	RequestMode
	RequestBusError
	RequestBitTimingConsts
	RequestDeviceConfig
	RequestTimestamp
	RequestIdentify
)

var requestNames = [...]string{
	RequestHostFormat:      "host_format",
	RequestBitTiming:       "bittiming",
	RequestMode:            "mode",
	RequestBusError:        "berr",
	RequestBitTimingConsts: "bt_const",
	RequestDeviceConfig:    "device_config",
	RequestTimestamp:       "timestamp",
	RequestIdentify:        "identify",
}

func (r Request) String() string {
	if int(r) < len(requestNames) {
		return requestNames[r]
	}
	return "unknown"
}

// HostByteOrder is the canonical marker sent in HostConfig.
const HostByteOrder uint32 = 0x0000beef

// Device modes.
const (
	ModeReset uint32 = 0
	ModeStart uint32 = 1
)

// Mode flags accepted with ModeStart.
const (
	FlagListenOnly   uint32 = 1 << 0
	FlagLoopback     uint32 = 1 << 1
	FlagTripleSample uint32 = 1 << 2
	FlagOneShot      uint32 = 1 << 3
	FlagHWTimestamp  uint32 = 1 << 4
)

// Identify modes.
const (
	IdentifyOff uint32 = 0
	IdentifyOn  uint32 = 1
)

// EchoIDRX marks a host frame received from the bus rather than echoed back
// after transmission.
const EchoIDRX uint32 = 0xFFFFFFFF

// Default transfer bounds.
const (
	DefaultTimeout      = time.Second
	DefaultPurgeTimeout = 10 * time.Millisecond
	DefaultPurgeLimit   = 4096
)
