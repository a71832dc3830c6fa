package can

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// MaxLen is the classic CAN payload limit. CAN-FD is not supported.
const MaxLen = 8

// Frame is a classic CAN frame as seen by the host.
// CANID carries EFF/RTR/ERR flags in its upper bits like SocketCAN.
// Len is payload length (0..8); only the first Len bytes of Data are valid.
// Timestamp is the adapter clock in microseconds (not wall clock).
type Frame struct {
	CANID     uint32
	Len       uint8
	Data      [MaxLen]byte
	Timestamp uint32
}

// ID returns the identifier without flag bits.
func (f Frame) ID() uint32 {
	if f.Extended() {
		return f.CANID & CAN_EFF_MASK
	}
	return f.CANID & CAN_SFF_MASK
}

func (f Frame) Extended() bool   { return f.CANID&CAN_EFF_FLAG != 0 }
func (f Frame) Remote() bool     { return f.CANID&CAN_RTR_FLAG != 0 }
func (f Frame) ErrorFrame() bool { return f.CANID&CAN_ERR_FLAG != 0 }

// Payload returns the valid bytes of Data. A Len above MaxLen is clamped.
func (f *Frame) Payload() []byte {
	n := int(f.Len)
	if n > MaxLen {
		n = MaxLen
	}
	return f.Data[:n]
}

// StandardID masks id to 11 bits.
func StandardID(id uint32) uint32 { return id & CAN_SFF_MASK }

// ExtendedID masks id to 29 bits and sets the EFF flag.
func ExtendedID(id uint32) uint32 { return (id & CAN_EFF_MASK) | CAN_EFF_FLAG }
