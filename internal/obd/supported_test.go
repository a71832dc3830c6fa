package obd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kstaniek/gsusb-obd/internal/gsusb"
)

func TestDecodeSupportedAll(t *testing.T) {
	got := DecodeSupported(0x00, 0xFFFFFFFF)
	require.Len(t, got, 32)
	for i, pid := range got {
		assert.Equal(t, byte(i), pid)
	}
}

func TestDecodeSupportedBits(t *testing.T) {
	assert.Equal(t, []byte{0x20}, DecodeSupported(0x20, 0x80000000))
	assert.Equal(t, []byte{0x5F}, DecodeSupported(0x40, 0x00000001))
	assert.Empty(t, DecodeSupported(0x00, 0))
}

func TestSupportedMaskInvalidBase(t *testing.T) {
	l := &fakeLink{}
	_, err := newTestEngine(l).SupportedMask(0x10)
	assert.ErrorIs(t, err, ErrInvalidPID)
	assert.Empty(t, l.sent)
}

func TestSupportedPIDsStopsAtChainEnd(t *testing.T) {
	l := &fakeLink{}
	l.answerPID(0x00, 0x80, 0x00, 0x00, 0x01) // pid 0x00 and next range
	l.answerPID(0x20, 0x40, 0x00, 0x00, 0x00) // pid 0x21, chain ends
	pids, err := newTestEngine(l).SupportedPIDs()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x1F, 0x21}, pids)
	assert.Len(t, l.sent, 2)
}

func TestSupportedPIDsNoPartialResultOnError(t *testing.T) {
	l := &fakeLink{}
	l.answerPID(0x00, 0xFF, 0xFF, 0xFF, 0xFF) // base 0x20 then times out
	pids, err := newTestEngine(l).SupportedPIDs()
	assert.ErrorIs(t, err, ErrQueryFailed)
	assert.ErrorIs(t, err, gsusb.ErrTimeout)
	assert.Nil(t, pids)
	assert.Len(t, l.sent, 2)
}

func TestSupportedPIDsLowestBitIsPIDAndChain(t *testing.T) {
	l := &fakeLink{}
	l.answerPID(0x00, 0x00, 0x00, 0x00, 0x01)
	l.answerPID(0x20, 0x00, 0x00, 0x00, 0x00)
	pids, err := newTestEngine(l).SupportedPIDs()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x1F}, pids)
	assert.Len(t, l.sent, 2)
}
