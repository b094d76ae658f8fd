// Package region implements the US915 regional parameters the MAC engine
// needs: the channel plan, data-rate-to-modulation table, anti-stickiness
// uplink channel selection, RX1/RX2 window parameters and per-data-rate
// payload limits. Only US915 is implemented; multi-region support is an
// explicit non-goal.
package region

import (
	"errors"
	"fmt"
)

// DataRate is a LoRaWAN data-rate index. US915 defines DR0-DR4 for
// uplink and DR8-DR13 for downlink; DR5-DR7 are reserved and unused.
type DataRate uint8

const (
	DR0  DataRate = 0
	DR1  DataRate = 1
	DR2  DataRate = 2
	DR3  DataRate = 3
	DR4  DataRate = 4
	DR8  DataRate = 8
	DR9  DataRate = 9
	DR10 DataRate = 10
	DR11 DataRate = 11
	DR12 DataRate = 12
	DR13 DataRate = 13
)

// Modulation describes the spreading factor and bandwidth a data rate
// maps to.
type Modulation struct {
	SpreadingFactor uint8
	BandwidthHz     uint32
}

var modulationTable = map[DataRate]Modulation{
	DR0:  {SpreadingFactor: 10, BandwidthHz: 125000},
	DR1:  {SpreadingFactor: 9, BandwidthHz: 125000},
	DR2:  {SpreadingFactor: 8, BandwidthHz: 125000},
	DR3:  {SpreadingFactor: 7, BandwidthHz: 125000},
	DR4:  {SpreadingFactor: 8, BandwidthHz: 500000},
	DR8:  {SpreadingFactor: 12, BandwidthHz: 500000},
	DR9:  {SpreadingFactor: 11, BandwidthHz: 500000},
	DR10: {SpreadingFactor: 10, BandwidthHz: 500000},
	DR11: {SpreadingFactor: 9, BandwidthHz: 500000},
	DR12: {SpreadingFactor: 8, BandwidthHz: 500000},
	DR13: {SpreadingFactor: 7, BandwidthHz: 500000},
}

// maxPayloadTable holds the repeater-compatible FRMPayload budget (FHDR
// already subtracted) per data rate.
var maxPayloadTable = map[DataRate]int{
	DR0:  11,
	DR1:  53,
	DR2:  129,
	DR3:  242,
	DR4:  242,
	DR8:  33,
	DR9:  109,
	DR10: 222,
	DR11: 222,
	DR12: 222,
	DR13: 222,
}

// downlinkDataRateTable maps an uplink data rate (0-4) and an
// RX1DROffset (0-3) to the RX1 downlink data rate.
var downlinkDataRateTable = [5][4]DataRate{
	{DR10, DR9, DR8, DR8},
	{DR11, DR10, DR9, DR8},
	{DR12, DR11, DR10, DR9},
	{DR13, DR12, DR11, DR10},
	{DR13, DR13, DR12, DR11},
}

const (
	// NumChannels125 is the count of 125kHz uplink channels (DR0-DR3).
	NumChannels125 = 64
	// NumChannels500 is the count of 500kHz uplink channels (DR4).
	NumChannels500 = 8
	// NumDownlinkChannels is the count of 500kHz downlink channels.
	NumDownlinkChannels = 8
	// TotalUplinkChannels is the full uplink channel index space;
	// channels 0-63 are 125kHz, 64-71 are 500kHz.
	TotalUplinkChannels = NumChannels125 + NumChannels500

	dwellTimeMs = 400

	// DefaultEnabledSubBand is sub-band 2 (1-indexed), the TTN US915
	// convention: 125kHz channels 8-15 plus 500kHz channel 65.
	DefaultEnabledSubBand = 2
)

var (
	// ErrInvalidDataRate is returned for a data rate outside the US915
	// table (including reserved DR5-DR7).
	ErrInvalidDataRate = errors.New("region: invalid data rate")
	// ErrInvalidChannel is returned for a channel index outside
	// [0, TotalUplinkChannels).
	ErrInvalidChannel = errors.New("region: invalid channel index")
	// ErrNoEnabledChannel is returned when no enabled channel is
	// compatible with the requested data rate.
	ErrNoEnabledChannel = errors.New("region: no enabled channel for data rate")
	// ErrInvalidOffset is returned for an RX1DROffset outside [0, 3].
	ErrInvalidOffset = errors.New("region: invalid RX1DROffset")
	// ErrPayloadTooLarge is returned when a payload would exceed the
	// data rate's maximum or the dwell-time budget.
	ErrPayloadTooLarge = errors.New("region: payload too large for data rate")
)

// Modulation returns the spreading factor and bandwidth for dr.
func (dr DataRate) Modulation() (Modulation, error) {
	m, ok := modulationTable[dr]
	if !ok {
		return Modulation{}, fmt.Errorf("%w: %d", ErrInvalidDataRate, dr)
	}
	return m, nil
}

// MaxPayloadSize returns the maximum FRMPayload length for dr.
func MaxPayloadSize(dr DataRate) (int, error) {
	n, ok := maxPayloadTable[dr]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrInvalidDataRate, dr)
	}
	return n, nil
}

// EnforceDwellTime reports whether payloadLen fits in the 400ms dwell
// time budget for dr. The per-data-rate maximum payload table already
// bakes in the dwell-time limit, so this is a direct size check.
func EnforceDwellTime(dr DataRate, payloadLen int) error {
	max, err := MaxPayloadSize(dr)
	if err != nil {
		return err
	}
	if payloadLen > max {
		return fmt.Errorf("%w: %d bytes exceeds %d at DR%d (%dms dwell limit)", ErrPayloadTooLarge, payloadLen, max, dr, dwellTimeMs)
	}
	return nil
}

// UplinkChannelFrequency returns the center frequency in Hz of uplink
// channel ch. Channels 0-63 are the 125kHz plan (902.3 + 0.2*n MHz),
// channels 64-71 are the 500kHz plan (903.0 + 1.6*n MHz).
func UplinkChannelFrequency(ch uint8) (uint32, error) {
	switch {
	case int(ch) < NumChannels125:
		return 902300000 + 200000*uint32(ch), nil
	case int(ch) < TotalUplinkChannels:
		n := uint32(ch) - NumChannels125
		return 903000000 + 1600000*n, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrInvalidChannel, ch)
	}
}

// DownlinkChannelFrequency returns the center frequency in Hz of
// downlink channel n (0-7), 923.3 + 0.6*n MHz.
func DownlinkChannelFrequency(n uint8) (uint32, error) {
	if int(n) >= NumDownlinkChannels {
		return 0, fmt.Errorf("%w: %d", ErrInvalidChannel, n)
	}
	return 923300000 + 600000*uint32(n), nil
}

// Source is the host-provided randomness the channel chooser draws on.
// A 16-bit cryptographic-quality source is sufficient per the external
// interfaces this engine is built against.
type Source interface {
	Uint32() uint32
}

// Engine holds the enabled-channel mask and exposes channel selection
// and RX window computation for US915.
type Engine struct {
	enabled [TotalUplinkChannels]bool
}

// NewEngine constructs an Engine with the default enabled sub-band
// (sub-band 2: channels 8-15 plus 500kHz channel 65).
func NewEngine() *Engine {
	e := &Engine{}
	e.EnableSubBand(DefaultEnabledSubBand)
	return e
}

// EnableSubBand enables exactly the 8 125kHz channels and 1 500kHz
// channel belonging to 1-indexed sub-band n (1-8), disabling all others.
func (e *Engine) EnableSubBand(n uint8) {
	for i := range e.enabled {
		e.enabled[i] = false
	}
	if n < 1 || n > 8 {
		return
	}
	start := (n - 1) * 8
	for i := start; i < start+8; i++ {
		e.enabled[i] = true
	}
	e.enabled[NumChannels125+n-1] = true
}

// SetChannelEnabled enables or disables a single uplink channel, as
// driven by a NewChannelReq MAC command.
func (e *Engine) SetChannelEnabled(ch uint8, on bool) error {
	if int(ch) >= TotalUplinkChannels {
		return fmt.Errorf("%w: %d", ErrInvalidChannel, ch)
	}
	e.enabled[ch] = on
	return nil
}

// IsChannelEnabled reports whether ch is currently enabled.
func (e *Engine) IsChannelEnabled(ch uint8) bool {
	if int(ch) >= TotalUplinkChannels {
		return false
	}
	return e.enabled[ch]
}

// PickUplinkChannel chooses a pseudo-random enabled channel compatible
// with dr, excluding lastUsed when hasLast is true (anti-stickiness: no
// channel may repeat on two consecutive uplinks). Returns the channel
// index and its center frequency.
func (e *Engine) PickUplinkChannel(rng Source, dr DataRate, lastUsed uint8, hasLast bool) (channel uint8, freqHz uint32, err error) {
	var candidates []uint8
	switch dr {
	case DR0, DR1, DR2, DR3:
		for i := uint8(0); i < NumChannels125; i++ {
			if e.enabled[i] && (!hasLast || i != lastUsed) {
				candidates = append(candidates, i)
			}
		}
	case DR4:
		for i := uint8(NumChannels125); i < TotalUplinkChannels; i++ {
			if e.enabled[i] && (!hasLast || i != lastUsed) {
				candidates = append(candidates, i)
			}
		}
	default:
		return 0, 0, fmt.Errorf("%w: %d", ErrInvalidDataRate, dr)
	}

	if len(candidates) == 0 {
		// Anti-stickiness has no other option left: fall back to the
		// full compatible set (still excludes nothing), which can only
		// happen when exactly one channel of this tier is enabled.
		switch dr {
		case DR0, DR1, DR2, DR3:
			for i := uint8(0); i < NumChannels125; i++ {
				if e.enabled[i] {
					candidates = append(candidates, i)
				}
			}
		case DR4:
			for i := uint8(NumChannels125); i < TotalUplinkChannels; i++ {
				if e.enabled[i] {
					candidates = append(candidates, i)
				}
			}
		}
	}
	if len(candidates) == 0 {
		return 0, 0, fmt.Errorf("%w for DR%d", ErrNoEnabledChannel, dr)
	}

	idx := candidates[rng.Uint32()%uint32(len(candidates))]
	freq, err := UplinkChannelFrequency(idx)
	if err != nil {
		return 0, 0, err
	}
	return idx, freq, nil
}

// RX1Params computes the RX1 frequency and data rate given the uplink
// channel, its data rate and the negotiated RX1DROffset. The downlink
// channel is uplinkChannel mod 8 of the 500kHz downlink set.
func (e *Engine) RX1Params(uplinkChannel uint8, uplinkDR DataRate, rx1DROffset uint8) (freqHz uint32, dr DataRate, err error) {
	if rx1DROffset > 3 {
		return 0, 0, fmt.Errorf("%w: %d", ErrInvalidOffset, rx1DROffset)
	}
	if uplinkDR > DR4 {
		return 0, 0, fmt.Errorf("%w: %d", ErrInvalidDataRate, uplinkDR)
	}
	downCh := uplinkChannel % NumDownlinkChannels
	freq, err := DownlinkChannelFrequency(downCh)
	if err != nil {
		return 0, 0, err
	}
	dr = downlinkDataRateTable[uplinkDR][rx1DROffset]
	return freq, dr, nil
}

// RX2Defaults returns the fixed RX2 frequency and data rate for US915:
// 923.3 MHz, DR8.
func (e *Engine) RX2Defaults() (freqHz uint32, dr DataRate) {
	return 923300000, DR8
}

// BeaconChannelFrequency returns the beacon channel frequency, spaced
// 600kHz apart starting at 923.3 MHz, matching the downlink channel
// plan's cadence.
func BeaconChannelFrequency(n uint8) (uint32, error) {
	return DownlinkChannelFrequency(n)
}
