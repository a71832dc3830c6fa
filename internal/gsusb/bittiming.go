package gsusb

import "fmt"

// Fixed segmentation: 1 sync + 13 + 2 = 16 time quanta, sample point 87.5%.
const (
	policyPropSeg   = 0
	policyPhaseSeg1 = 13
	policyPhaseSeg2 = 2
	policySJW       = 1
	policyQuanta    = 1 + policyPropSeg + policyPhaseSeg1 + policyPhaseSeg2
)

// CalcBitTiming derives register values for bitrate from the adapter limits.
// The segmentation is fixed; only the prescaler follows the clock. The result
// is checked against every limit in c so an out-of-range prescaler is never
// written to the device.
func CalcBitTiming(bitrate uint32, c BitTimingConsts) (BitTiming, error) {
	if bitrate == 0 {
		return BitTiming{}, fmt.Errorf("%w: bitrate must be > 0", ErrInvalidArgument)
	}
	brp := uint64(c.FclkCAN) / (uint64(bitrate) * policyQuanta)
	bt := BitTiming{
		PropSeg:   policyPropSeg,
		PhaseSeg1: policyPhaseSeg1,
		PhaseSeg2: policyPhaseSeg2,
		SJW:       policySJW,
		BRP:       uint32(brp),
	}
	if brp == 0 || brp < uint64(c.BRPMin) || brp > uint64(c.BRPMax) {
		return BitTiming{}, fmt.Errorf("%w: %d bit/s needs brp %d, device range %d..%d (fclk %d)",
			ErrBitrateUnsupported, bitrate, brp, c.BRPMin, c.BRPMax, c.FclkCAN)
	}
	if c.BRPInc > 1 && (bt.BRP-c.BRPMin)%c.BRPInc != 0 {
		return BitTiming{}, fmt.Errorf("%w: brp %d not reachable with increment %d from %d",
			ErrBitrateUnsupported, bt.BRP, c.BRPInc, c.BRPMin)
	}
	if tseg1 := bt.PropSeg + bt.PhaseSeg1; tseg1 < c.Tseg1Min || tseg1 > c.Tseg1Max {
		return BitTiming{}, fmt.Errorf("%w: tseg1 %d outside %d..%d", ErrBitrateUnsupported, tseg1, c.Tseg1Min, c.Tseg1Max)
	}
	if bt.PhaseSeg2 < c.Tseg2Min || bt.PhaseSeg2 > c.Tseg2Max {
		return BitTiming{}, fmt.Errorf("%w: tseg2 %d outside %d..%d", ErrBitrateUnsupported, bt.PhaseSeg2, c.Tseg2Min, c.Tseg2Max)
	}
	if bt.SJW > c.SJWMax {
		return BitTiming{}, fmt.Errorf("%w: sjw %d above %d", ErrBitrateUnsupported, bt.SJW, c.SJWMax)
	}
	return bt, nil
}

// Bitrate returns the bitrate these values produce on a clock of fclk Hz.
func (b BitTiming) Bitrate(fclk uint32) uint32 {
	q := uint64(b.BRP) * uint64(1+b.PropSeg+b.PhaseSeg1+b.PhaseSeg2)
	if q == 0 {
		return 0
	}
	return uint32(uint64(fclk) / q)
}

// SamplePoint returns the sample point in per mille of the bit time.
func (b BitTiming) SamplePoint() uint32 {
	total := 1 + b.PropSeg + b.PhaseSeg1 + b.PhaseSeg2
	return (1 + b.PropSeg + b.PhaseSeg1) * 1000 / total
}
