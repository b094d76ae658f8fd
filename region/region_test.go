package region

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fixedSource uint32

func (f fixedSource) Uint32() uint32 { return uint32(f) }

func TestEnableSubBandExclusivity(t *testing.T) {
	e := NewEngine()
	e.EnableSubBand(3)

	for ch := uint8(0); ch < TotalUplinkChannels; ch++ {
		want := ch >= 16 && ch < 24 || ch == NumChannels125+2
		require.Equalf(t, want, e.IsChannelEnabled(ch), "channel %d", ch)
	}
}

func TestDefaultSubBandIsTwo(t *testing.T) {
	e := NewEngine()
	require.True(t, e.IsChannelEnabled(8))
	require.True(t, e.IsChannelEnabled(15))
	require.True(t, e.IsChannelEnabled(NumChannels125+1))
	require.False(t, e.IsChannelEnabled(0))
}

func TestPickUplinkChannelAntiStickiness(t *testing.T) {
	e := NewEngine()
	e.EnableSubBand(1) // channels 0-7 + channel 64

	ch, freq, err := e.PickUplinkChannel(fixedSource(0), DR0, 3, true)
	require.NoError(t, err)
	require.NotEqual(t, uint8(3), ch)
	require.Greater(t, freq, uint32(0))
}

func TestPickUplinkChannelFallsBackWhenOnlyOneCandidate(t *testing.T) {
	e := NewEngine()
	for i := range [TotalUplinkChannels]struct{}{} {
		e.SetChannelEnabled(uint8(i), false)
	}
	require.NoError(t, e.SetChannelEnabled(5, true))

	ch, _, err := e.PickUplinkChannel(fixedSource(0), DR0, 5, true)
	require.NoError(t, err)
	require.Equal(t, uint8(5), ch)
}

func TestPickUplinkChannelNoEnabledChannel(t *testing.T) {
	e := NewEngine()
	for i := range [TotalUplinkChannels]struct{}{} {
		e.SetChannelEnabled(uint8(i), false)
	}
	_, _, err := e.PickUplinkChannel(fixedSource(0), DR0, 0, false)
	require.ErrorIs(t, err, ErrNoEnabledChannel)
}

func TestRX1ParamsOffsets(t *testing.T) {
	e := NewEngine()
	freq, dr, err := e.RX1Params(0, DR0, 0)
	require.NoError(t, err)
	require.Equal(t, DR10, dr)
	require.Equal(t, uint32(923300000), freq)

	_, _, err = e.RX1Params(0, DR0, 4)
	require.ErrorIs(t, err, ErrInvalidOffset)
}

func TestRX2Defaults(t *testing.T) {
	e := NewEngine()
	freq, dr := e.RX2Defaults()
	require.Equal(t, uint32(923300000), freq)
	require.Equal(t, DR8, dr)
}

func TestEnforceDwellTime(t *testing.T) {
	require.NoError(t, EnforceDwellTime(DR0, 11))
	require.ErrorIs(t, EnforceDwellTime(DR0, 12), ErrPayloadTooLarge)
}

func TestUplinkChannelFrequencyBands(t *testing.T) {
	f, err := UplinkChannelFrequency(0)
	require.NoError(t, err)
	require.Equal(t, uint32(902300000), f)

	f, err = UplinkChannelFrequency(64)
	require.NoError(t, err)
	require.Equal(t, uint32(903000000), f)

	_, err = UplinkChannelFrequency(72)
	require.ErrorIs(t, err, ErrInvalidChannel)
}
