package commands

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tinylora/lorawan/region"
	"github.com/tinylora/lorawan/session"
)

type fixedBattery uint8

func (f fixedBattery) BatteryLevel() uint8 { return uint8(f) }

func newProcessor() (*Processor, *session.State) {
	s := session.New()
	p := NewProcessor(s, region.NewEngine(), fixedBattery(200), nil)
	return p, s
}

func TestProcessLinkADRAppliesOnFullAck(t *testing.T) {
	p, s := newProcessor()
	// DR2, TxPower 3, chMask enabling channel 8 (bit 0 of a mask starting
	// at channel 8 would need ChMaskCntl; here we target channels 0-15
	// directly by setting bit 8).
	chMask := uint16(1 << 8)
	payload := []byte{byte(region.DR2)<<4 | 3, byte(chMask), byte(chMask >> 8), 0}

	p.Process(append([]byte{byte(CIDLinkADR)}, payload...))

	ans := s.PendingMacAnswers.TakeFOpts()
	require.Len(t, ans, 2)
	require.Equal(t, byte(CIDLinkADR), ans[0])
	require.Equal(t, byte(0x07), ans[1]) // all three ack bits set
	require.Equal(t, region.DR2, s.DataRate)
	require.EqualValues(t, 3, s.TxPowerIndex)
}

func TestProcessRXParamSetupFixedFrequencyOnly(t *testing.T) {
	p, s := newProcessor()
	freqUnits := uint32(923300000) / 100
	payload := []byte{
		byte(2)<<4 | byte(region.DR8), // rx1droffset=2, rx2dr=DR8
		byte(freqUnits), byte(freqUnits >> 8), byte(freqUnits >> 16),
	}

	p.Process(append([]byte{byte(CIDRXParamSetup)}, payload...))

	ans := s.PendingMacAnswers.TakeFOpts()
	require.Equal(t, []byte{byte(CIDRXParamSetup), 0x07}, ans)
	require.EqualValues(t, 2, s.Rx1DROffset)
	require.Equal(t, region.DR8, s.Rx2DR)
}

func TestProcessRXParamSetupRejectsWrongFrequency(t *testing.T) {
	p, s := newProcessor()
	payload := []byte{byte(region.DR8), 1, 2, 3} // wrong frequency units

	p.Process(append([]byte{byte(CIDRXParamSetup)}, payload...))

	ans := s.PendingMacAnswers.TakeFOpts()
	require.Equal(t, byte(0), ans[1]&0x01) // channel ack bit clear
	require.Zero(t, s.Rx1DROffset)         // rejected, negotiated offset untouched
}

func TestProcessDevStatusReportsBatteryLevel(t *testing.T) {
	p, s := newProcessor()
	p.Process([]byte{byte(CIDDevStatus)})

	ans := s.PendingMacAnswers.TakeFOpts()
	require.Equal(t, []byte{byte(CIDDevStatus), 200, 0}, ans)
}

func TestProcessDiscardsUnknownCommand(t *testing.T) {
	p, s := newProcessor()
	p.Process([]byte{0xFF, 0x01, 0x02})
	require.Nil(t, s.PendingMacAnswers.TakeFOpts())
}

func TestProcessDiscardsTruncatedCommand(t *testing.T) {
	p, s := newProcessor()
	p.Process([]byte{byte(CIDLinkADR), 0x01}) // needs 4 bytes, only 1 given
	require.Nil(t, s.PendingMacAnswers.TakeFOpts())
}

func TestPingPeriodSecondsMapping(t *testing.T) {
	require.EqualValues(t, 32, PingPeriodSeconds(0))
	require.EqualValues(t, 4096, PingPeriodSeconds(7))
	require.EqualValues(t, 4096, PingPeriodSeconds(9)) // clamped
}
