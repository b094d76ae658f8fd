// Package commands implements the LoRaWAN MAC-command processor: parsing
// commands carried in FOpts or on port 0, applying the ones that mutate
// session/region state, and producing the Ans bytes the MAC engine
// enqueues for piggyback delivery.
package commands

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tinylora/lorawan/region"
	"github.com/tinylora/lorawan/session"
)

// CID identifies a MAC command. Request and answer share the same
// identifier; direction is implied by which side of the link carries it.
type CID uint8

const (
	CIDLinkCheck       CID = 0x02
	CIDLinkADR         CID = 0x03
	CIDDutyCycle       CID = 0x04
	CIDRXParamSetup    CID = 0x05
	CIDDevStatus       CID = 0x06
	CIDNewChannel      CID = 0x07
	CIDRXTimingSetup   CID = 0x08
	CIDTxParamSetup    CID = 0x09
	CIDDlChannel       CID = 0x0A
	CIDPingSlotInfo    CID = 0x10
	CIDPingSlotChannel CID = 0x11
	CIDBeaconTiming    CID = 0x12
	CIDBeaconFreq      CID = 0x13
)

// reqPayloadLen gives the downlink request payload length for each CID
// this processor understands.
var reqPayloadLen = map[CID]int{
	CIDLinkCheck:       2, // answer-only from the network's perspective; length of LinkCheckAns
	CIDLinkADR:         4,
	CIDDutyCycle:       1,
	CIDRXParamSetup:    4,
	CIDDevStatus:       0,
	CIDNewChannel:      5,
	CIDRXTimingSetup:   1,
	CIDTxParamSetup:    1,
	CIDDlChannel:       4,
	CIDPingSlotChannel: 4,
	CIDBeaconTiming:    6,
	CIDBeaconFreq:      3,
}

var ErrUnknownCommand = errors.New("commands: unknown MAC command identifier")
var ErrTruncated = errors.New("commands: command payload truncated")

// BatteryLevelSource supplies the battery reading DevStatusAns reports.
// 0 means external power, 1-254 a relative level, 255 unknown.
type BatteryLevelSource interface {
	BatteryLevel() uint8
}

// PingSlotState carries the negotiated ping-slot periodicity between
// PingSlotInfoReq/Ans handling here and the Class B scheduler; it's small
// enough to keep inline rather than importing the class package.
type PingSlotState struct {
	PeriodIndex uint8 // 0-7, pingNb = 2^(7-k)
}

// pingPeriodSeconds maps a negotiated periodicity index (0-7) to the
// ping period in seconds-per-opportunity, using the literal set spec.md
// gives (32..4096) in ascending order against the index.
func pingPeriodSeconds(k uint8) uint32 {
	if k > 7 {
		k = 7
	}
	return 32 << k
}

// PingPeriodSeconds exports pingPeriodSeconds.
func PingPeriodSeconds(periodIndex uint8) uint32 { return pingPeriodSeconds(periodIndex) }

// Processor applies MAC commands against a session and region engine,
// queuing Ans bytes for piggyback delivery. Battery supplies the battery
// level DevStatusAns reports.
type Processor struct {
	Session  *session.State
	Region   *region.Engine
	Battery  BatteryLevelSource
	PingSlot *PingSlotState
	Log      zerolog.Logger
}

// NewProcessor constructs a Processor bound to session and region state.
// Battery and PingSlot may be nil; DevStatusAns reports battery level 255
// (unknown) when Battery is nil. PingSlot is stored but not read by
// Process.
func NewProcessor(s *session.State, r *region.Engine, battery BatteryLevelSource, ping *PingSlotState) *Processor {
	return &Processor{Session: s, Region: r, Battery: battery, PingSlot: ping, Log: zerolog.Nop()}
}

// Process parses a concatenated stream of downlink MAC commands, applies
// each one, and enqueues the resulting Ans bytes onto
// Session.PendingMacAnswers. Malformed trailing bytes are logged and
// discarded rather than treated as fatal, per the spec's "protocol
// violations on a received frame are logged and the frame discarded"
// error-propagation rule.
func (p *Processor) Process(data []byte) {
	for len(data) > 0 {
		cid := CID(data[0])
		data = data[1:]

		n, ok := reqPayloadLen[cid]
		if !ok {
			p.Log.Warn().Uint8("cid", uint8(cid)).Msg("unknown MAC command, discarding remainder")
			return
		}
		if len(data) < n {
			p.Log.Warn().Uint8("cid", uint8(cid)).Msg("truncated MAC command, discarding remainder")
			return
		}
		payload := data[:n]
		data = data[n:]

		ans := p.apply(cid, payload)
		if ans != nil {
			if err := p.Session.PendingMacAnswers.Enqueue(ans); err != nil {
				p.Log.Warn().Err(err).Uint8("cid", uint8(cid)).Msg("mac answer queue full")
			}
		}
	}
}

func (p *Processor) apply(cid CID, payload []byte) []byte {
	switch cid {
	case CIDLinkCheck:
		// LinkCheckAns is network->device only; nothing for the device to
		// answer. Surfacing margin/gwCnt to the application is the
		// caller's job (handle_downlink_cmd), not this processor's.
		return nil

	case CIDLinkADR:
		return p.applyLinkADR(payload)

	case CIDDutyCycle:
		// MaxDutyCycle field: 0 = no limit, 1-15 = 1/2^n. ADR policy
		// itself is a non-goal; we just ack.
		return []byte{byte(CIDDutyCycle)}

	case CIDRXParamSetup:
		return p.applyRXParamSetup(payload)

	case CIDDevStatus:
		return p.applyDevStatus()

	case CIDNewChannel:
		return p.applyNewChannel(payload)

	case CIDRXTimingSetup:
		delay := payload[0] & 0x0F
		if delay == 0 {
			delay = 1
		}
		p.Session.RxDelaySec = uint32(delay)
		return []byte{byte(CIDRXTimingSetup)}

	case CIDTxParamSetup:
		// US915 does not use dwell-time/EIRP negotiation; still answer so
		// the network knows the req was seen, with the low ack bit clear.
		return []byte{byte(CIDTxParamSetup), 0x00}

	case CIDDlChannel:
		// Fixed channel plan: downlink channel remapping is not
		// supported; negative-ack both fields.
		return []byte{byte(CIDDlChannel), 0x00}

	case CIDPingSlotChannel:
		return []byte{byte(CIDPingSlotChannel), 0x01}

	case CIDBeaconTiming:
		return nil // answered by the Class B scheduler, not here

	case CIDBeaconFreq:
		return []byte{byte(CIDBeaconFreq), 0x01}

	default:
		return nil
	}
}

func (p *Processor) applyLinkADR(payload []byte) []byte {
	drTxPower := payload[0]
	chMask := binary.LittleEndian.Uint16(payload[1:3])
	// payload[3] is Redundancy (ChMaskCntl + NbTrans); ADR policy itself
	// is a non-goal, so NbTrans is accepted but not separately tracked.

	dr := region.DataRate(drTxPower >> 4)
	txPower := drTxPower & 0x0F

	drAck := true
	if _, err := dr.Modulation(); err != nil {
		drAck = false
	}

	chMaskAck := true
	for i := 0; i < 16; i++ {
		if chMask&(1<<uint(i)) != 0 {
			if err := p.Region.SetChannelEnabled(uint8(i), true); err != nil {
				chMaskAck = false
			}
		}
	}

	powerAck := txPower <= 14

	if drAck && chMaskAck && powerAck {
		p.Session.DataRate = dr
		p.Session.TxPowerIndex = txPower
	}

	var ack byte
	if chMaskAck {
		ack |= 0x01
	}
	if drAck {
		ack |= 0x02
	}
	if powerAck {
		ack |= 0x04
	}
	return []byte{byte(CIDLinkADR), ack}
}

func (p *Processor) applyRXParamSetup(payload []byte) []byte {
	dlSettings := payload[0]
	freq24 := payload[1:4]

	rx1Offset := (dlSettings >> 4) & 0x07
	rx2DR := region.DataRate(dlSettings & 0x0F)

	freqHz := uint32(freq24[0]) | uint32(freq24[1])<<8 | uint32(freq24[2])<<16
	freqHz *= 100 // network sends frequency in units of 100 Hz

	_, rx2Err := rx2DR.Modulation()
	rx2Ack := rx2Err == nil
	channelAck := freqHz == 923300000 // fixed RX2 frequency for US915
	offsetAck := rx1Offset <= 3

	if rx2Ack && channelAck && offsetAck {
		p.Session.Rx1DROffset = rx1Offset
		p.Session.Rx2DR = rx2DR
	}

	var ack byte
	if channelAck {
		ack |= 0x01
	}
	if rx2Ack {
		ack |= 0x02
	}
	if offsetAck {
		ack |= 0x04
	}
	return []byte{byte(CIDRXParamSetup), ack}
}

func (p *Processor) applyDevStatus() []byte {
	battery := uint8(255)
	if p.Battery != nil {
		battery = p.Battery.BatteryLevel()
	}
	// Margin is in dB relative to demodulation floor, signed, [-32, 31].
	// Without a live SNR reading at this layer we report 0 rather than
	// fabricate a number; the radio-adjacent caller may replace this via
	// a richer BatteryLevelSource in a later revision.
	margin := int8(0)
	return []byte{byte(CIDDevStatus), battery, byte(margin)}
}

func (p *Processor) applyNewChannel(payload []byte) []byte {
	chIndex := payload[0]
	// US915's channel plan is fixed by the region engine; new channels at
	// arbitrary frequencies are not representable, so this always
	// negative-acks both fields and leaves the channel's enabled state as
	// it was.
	var ack byte
	if err := p.Region.SetChannelEnabled(chIndex, p.Region.IsChannelEnabled(chIndex)); err == nil {
		ack |= 0x00 // channel frequency ack bit stays 0: fixed plan
	}
	return []byte{byte(CIDNewChannel), ack}
}

// Encode renders a command as CID||payload for use when the device itself
// originates a request (LinkCheckReq, PingSlotInfoReq, BeaconTimingReq).
func Encode(cid CID, payload []byte) []byte {
	out := make([]byte, 0, 1+len(payload))
	out = append(out, byte(cid))
	out = append(out, payload...)
	return out
}

// PingSlotInfoReq builds the uplink PingSlotInfoReq payload for a given
// periodicity index (0-7).
func PingSlotInfoReq(periodIndex uint8) []byte {
	return Encode(CIDPingSlotInfo, []byte{periodIndex & 0x07})
}

// ParsePingSlotInfoAns extracts nothing meaningful: PingSlotInfoAns has
// an empty payload in 1.0.3 and simply acknowledges the periodicity.
func ParsePingSlotInfoAns() error { return nil }

func init() {
	// Guard against a future edit changing reqPayloadLen's CIDLinkCheck
	// entry without updating Process, since LinkCheckAns (downlink) and
	// LinkCheckReq (uplink, 0-byte) share a CID but different lengths.
	if reqPayloadLen[CIDLinkCheck] != 2 {
		panic(fmt.Sprintf("commands: CIDLinkCheck length invariant broken: %d", reqPayloadLen[CIDLinkCheck]))
	}
}
