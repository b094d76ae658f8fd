// Package phy implements the LoRaWAN PHY payload codec: MHDR/FHDR/FPort/
// FRMPayload layout, MIC binding and FCnt extension. It knows nothing of
// sessions, regions or radios — callers supply the session fields the
// frame needs and get back either wire bytes or a parsed frame.
package phy

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinylora/lorawan/crypto"
)

// MType is the LoRaWAN message type carried in the top 3 bits of MHDR.
type MType uint8

const (
	MTypeJoinRequest         MType = 0x00
	MTypeJoinAccept          MType = 0x01
	MTypeUnconfirmedDataUp   MType = 0x02
	MTypeUnconfirmedDataDown MType = 0x03
	MTypeConfirmedDataUp     MType = 0x04
	MTypeConfirmedDataDown   MType = 0x05
	MTypeProprietary         MType = 0x07
)

// MaxFOptsLen is the bounded FOpts ring capacity: a device may carry at
// most 15 bytes of piggybacked MAC answers per frame.
const MaxFOptsLen = 15

// MaxPHYPayloadSize is the fixed buffer size that covers the largest
// legal LoRaWAN frame, matching the no-dynamic-allocation design.
const MaxPHYPayloadSize = 256

var (
	ErrFrameTooShort            = errors.New("phy: frame too short")
	ErrInvalidMType              = errors.New("phy: invalid or unexpected MType")
	ErrDevAddrMismatch           = errors.New("phy: DevAddr does not match session")
	ErrFcntRollover              = errors.New("phy: replayed or excessive frame-counter gap")
	ErrFoptsFrmPayloadConflict   = errors.New("phy: FOpts and port-0 FRMPayload are mutually exclusive")
	ErrFOptsTooLong              = errors.New("phy: FOpts exceeds 15 bytes")
)

// maxFcntGap bounds how far ahead of the last accepted FCnt a downlink
// may legally be, per spec.
const maxFcntGap = 1 << 14

// FCtrl mirrors the LoRaWAN FCtrl octet. FPending only applies to
// downlink frames; ADRACKReq only applies to uplink frames.
type FCtrl struct {
	ADR       bool
	ADRACKReq bool // uplink only
	ACK       bool
	FPending  bool // downlink only
}

// UplinkParams carries everything EncodeUplink needs to assemble one
// frame. FOpts must already be built by the MAC engine's pending-answer
// queue and is carried in the clear (only FRMPayload is encrypted).
type UplinkParams struct {
	DevAddr   uint32
	NwkSKey   crypto.Key
	AppSKey   crypto.Key
	FCntUp    uint32
	Confirmed bool
	Ctrl      FCtrl
	FOpts     []byte
	HasFPort  bool
	FPort     uint8
	Payload   []byte
}

// EncodeUplink assembles and returns the PHY payload for one uplink
// frame. It does not mutate any session state; the caller is responsible
// for incrementing FCntUp on success.
func EncodeUplink(p UplinkParams) ([]byte, error) {
	if len(p.FOpts) > MaxFOptsLen {
		return nil, fmt.Errorf("%w: %d", ErrFOptsTooLong, len(p.FOpts))
	}
	if p.HasFPort && p.FPort == 0 && len(p.FOpts) > 0 {
		return nil, ErrFoptsFrmPayloadConflict
	}

	mtype := MTypeUnconfirmedDataUp
	if p.Confirmed {
		mtype = MTypeConfirmedDataUp
	}
	mhdr := byte(mtype) << 5

	fctrl := byte(len(p.FOpts) & 0x0F)
	if p.Ctrl.ADR {
		fctrl |= 0x80
	}
	if p.Ctrl.ADRACKReq {
		fctrl |= 0x40
	}
	if p.Ctrl.ACK {
		fctrl |= 0x20
	}

	macPayload := make([]byte, 0, 7+len(p.FOpts)+1+len(p.Payload)+16)
	var devAddrBuf [4]byte
	binary.LittleEndian.PutUint32(devAddrBuf[:], p.DevAddr)
	macPayload = append(macPayload, devAddrBuf[:]...)
	macPayload = append(macPayload, fctrl)
	var fcntBuf [2]byte
	binary.LittleEndian.PutUint16(fcntBuf[:], uint16(p.FCntUp))
	macPayload = append(macPayload, fcntBuf[:]...)
	macPayload = append(macPayload, p.FOpts...)

	if p.HasFPort {
		key := p.AppSKey
		if p.FPort == 0 {
			key = p.NwkSKey
		}
		enc, err := crypto.EncryptPayload(key, p.DevAddr, p.FCntUp, crypto.Uplink, p.Payload)
		if err != nil {
			return nil, err
		}
		macPayload = append(macPayload, p.FPort)
		macPayload = append(macPayload, enc...)
	}

	msg := make([]byte, 0, 1+len(macPayload))
	msg = append(msg, mhdr)
	msg = append(msg, macPayload...)

	mic, err := crypto.MIC(p.NwkSKey, msg, p.DevAddr, p.FCntUp, crypto.Uplink)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(msg)+crypto.MICSize)
	out = append(out, msg...)
	out = append(out, mic[:]...)
	return out, nil
}

// DownlinkParams carries the session fields DecodeDownlink checks
// against.
type DownlinkParams struct {
	DevAddr      uint32
	NwkSKey      crypto.Key
	AppSKey      crypto.Key
	LastFCntDown uint32
	// HasLastFCntDown is false for a fresh activation that hasn't
	// accepted a downlink yet. DecodeDownlink then skips the
	// replay/rollover check against LastFCntDown (which would otherwise
	// reject a legitimate first downlink at FCnt 0) and accepts fcnt16
	// as the initial 32-bit counter.
	HasLastFCntDown bool
}

// Downlink is a parsed, MIC-verified, decrypted downlink frame.
type Downlink struct {
	MType      MType
	Confirmed  bool
	Ctrl       FCtrl
	FCntDown   uint32 // extended to 32 bits
	FOpts      []byte
	HasFPort   bool
	FPort      uint8
	FRMPayload []byte // decrypted
}

// DecodeDownlink parses raw, validates DevAddr and MIC, extends the
// on-wire 16-bit FCnt to 32 bits relative to params.LastFCntDown,
// rejects replays/excessive gaps, and decrypts FRMPayload with NwkSKey
// (port 0, MAC commands) or AppSKey (application payload).
func DecodeDownlink(raw []byte, p DownlinkParams) (*Downlink, error) {
	const minLen = 1 + 7 + crypto.MICSize // MHDR + FHDR(no FOpts) + MIC
	if len(raw) < minLen {
		return nil, ErrFrameTooShort
	}

	mhdr := raw[0]
	mtype := MType(mhdr >> 5)
	switch mtype {
	case MTypeUnconfirmedDataDown, MTypeConfirmedDataDown:
	default:
		return nil, fmt.Errorf("%w: %#x", ErrInvalidMType, mtype)
	}

	macPayload := raw[1 : len(raw)-crypto.MICSize]
	wireMic := raw[len(raw)-crypto.MICSize:]

	if len(macPayload) < 7 {
		return nil, ErrFrameTooShort
	}
	devAddr := binary.LittleEndian.Uint32(macPayload[0:4])
	if devAddr != p.DevAddr {
		return nil, ErrDevAddrMismatch
	}
	fctrlByte := macPayload[4]
	foptsLen := int(fctrlByte & 0x0F)
	fcnt16 := binary.LittleEndian.Uint16(macPayload[5:7])

	if 7+foptsLen > len(macPayload) {
		return nil, ErrFrameTooShort
	}
	fopts := append([]byte(nil), macPayload[7:7+foptsLen]...)

	var extended uint32
	if p.HasLastFCntDown {
		var gap uint32
		extended, gap = extendFCnt(fcnt16, p.LastFCntDown)
		if gap > maxFcntGap {
			return nil, ErrFcntRollover
		}
	} else {
		extended = uint32(fcnt16)
	}

	var mic [crypto.MICSize]byte
	copy(mic[:], wireMic)
	if err := crypto.VerifyMIC(p.NwkSKey, raw[:len(raw)-crypto.MICSize], p.DevAddr, extended, crypto.Downlink, mic); err != nil {
		return nil, err
	}

	ctrl := FCtrl{
		ADR:      fctrlByte&0x80 != 0,
		ACK:      fctrlByte&0x20 != 0,
		FPending: fctrlByte&0x10 != 0,
	}

	d := &Downlink{
		MType:     mtype,
		Confirmed: mtype == MTypeConfirmedDataDown,
		Ctrl:      ctrl,
		FCntDown:  extended,
		FOpts:     fopts,
	}

	rest := macPayload[7+foptsLen:]
	if len(rest) > 0 {
		d.HasFPort = true
		d.FPort = rest[0]
		cipher := rest[1:]
		key := p.AppSKey
		if d.FPort == 0 {
			key = p.NwkSKey
		}
		plain, err := crypto.DecryptPayload(key, p.DevAddr, extended, crypto.Downlink, cipher)
		if err != nil {
			return nil, err
		}
		d.FRMPayload = plain
	}

	return d, nil
}

// extendFCnt picks the smallest 32-bit value with low 16 bits equal to
// low16 that is strictly greater than prev, and returns the gap between
// them.
func extendFCnt(low16 uint16, prev uint32) (extended uint32, gap uint32) {
	high := prev &^ 0xFFFF
	candidate := high | uint32(low16)
	if candidate <= prev {
		candidate += 0x10000
	}
	return candidate, candidate - prev
}
