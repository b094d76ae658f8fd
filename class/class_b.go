package class

import (
	"encoding/binary"

	"github.com/tinylora/lorawan/crypto"
	"github.com/tinylora/lorawan/phy"
	"github.com/tinylora/lorawan/region"
)

// BeaconState is the Class B beacon-acquisition state machine from
// spec.md §4.6: ColdStart -> Scanning -> Acquired -> Tracking <-> Lost.
type BeaconState uint8

const (
	BeaconColdStart BeaconState = iota
	BeaconScanning
	BeaconAcquired
	BeaconTracking
	BeaconLost
)

func (s BeaconState) String() string {
	switch s {
	case BeaconScanning:
		return "scanning"
	case BeaconAcquired:
		return "acquired"
	case BeaconTracking:
		return "tracking"
	case BeaconLost:
		return "lost"
	default:
		return "cold_start"
	}
}

const (
	beaconPeriodMs       = 128000
	beaconWindowMs       = 122880
	beaconFrameMinLen    = 14 // time(4)+crc(2)+gwspec(1)+info(7)
	pingSlotReserveMs    = 2120
	pingSlotDurationMs   = 30
	beaconLostThreshold  = 56 // ~2 hours at one beacon per 128s
	maxBeaconDriftPpmAdj = 500
)

// BeaconFrame is the parsed beacon payload.
type BeaconFrame struct {
	TimeGps uint32
	Crc     uint16
	GwSpec  uint8
	Info    [7]byte
}

// ParseBeaconFrame decodes raw into a BeaconFrame and verifies its CRC,
// a CRC-16/CCITT over time|gwspec|info (crc field itself excluded).
func ParseBeaconFrame(raw []byte) (*BeaconFrame, error) {
	if len(raw) < beaconFrameMinLen {
		return nil, phy.ErrFrameTooShort
	}
	f := &BeaconFrame{
		TimeGps: binary.LittleEndian.Uint32(raw[0:4]),
		Crc:     binary.LittleEndian.Uint16(raw[4:6]),
		GwSpec:  raw[6],
	}
	copy(f.Info[:], raw[7:14])

	check := make([]byte, 0, 8)
	check = append(check, raw[0:4]...)
	check = append(check, f.GwSpec)
	check = append(check, f.Info[:]...)
	if crc16CCITT(check) != f.Crc {
		return nil, phy.ErrFrameTooShort
	}
	return f, nil
}

func crc16CCITT(data []byte) uint16 {
	var crc uint16 = 0xFFFF
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// ComputePingOffset implements spec.md §4.6's AES128-keyed ping-slot
// derivation: key = AES128(zero_key, beacon_time_LE(4) | dev_addr_LE(4) |
// 8 zero bytes), ping_offset = (key[0] + key[1]*256) mod ping_period. This is
// authoritative over the simplified wrapping-multiply sketch in
// original_source's class_b.rs.
func ComputePingOffset(beaconTime, devAddr uint32, pingPeriod uint32) (uint16, error) {
	var block [crypto.BlockSize]byte
	binary.LittleEndian.PutUint32(block[0:4], beaconTime)
	binary.LittleEndian.PutUint32(block[4:8], devAddr)

	out, err := crypto.EncryptBlock(crypto.Key{}, block)
	if err != nil {
		return 0, err
	}
	raw := uint32(out[0]) + uint32(out[1])*256
	return uint16(raw % pingPeriod), nil
}

// ClassB implements spec.md §4.6. It embeds a ClassA scheduler to handle
// the post-uplink RX1/RX2 windows: per the collision policy, an active
// Class A window always wins over a ping slot, so Process defers to the
// embedded scheduler first and only services a ping slot when it's Idle.
type ClassB struct {
	txSide *ClassA

	beaconState     BeaconState
	lastBeaconMs    uint64
	lastBeaconGpsSec uint32
	missedCount     int
	driftPpm        int16

	pingPeriodSec uint32 // seconds-per-opportunity, negotiated via PingSlotInfoReq
	pingOffsetMs  uint64
	nextSlotMs    uint64
	devAddr       uint32

	beaconChannel uint8
	buf           [phy.MaxPHYPayloadSize]byte
}

// NewClassB returns a ClassB scheduler starting in ColdStart with the
// default ping periodicity (pingPeriodSec=32, the most frequent slot
// spacing in the set spec.md names).
func NewClassB() *ClassB {
	return &ClassB{txSide: NewClassA(), beaconState: BeaconColdStart, pingPeriodSec: 32}
}

func (c *ClassB) Mode() OperatingMode  { return ModeClassB }
func (c *ClassB) State() State         { return c.txSide.State() }
func (c *ClassB) BeaconState() BeaconState { return c.beaconState }

// SetPingPeriod negotiates the ping periodicity (seconds-per-opportunity),
// driven by a PingSlotInfoReq/Ans exchange.
func (c *ClassB) SetPingPeriod(sec uint32) { c.pingPeriodSec = sec }

func (c *ClassB) OnTxDone(ctx *Context, txEndMs uint64) {
	c.devAddr = ctx.Session.DevAddr
	c.txSide.OnTxDone(ctx, txEndMs)
}

// Process services the embedded Class-A TX-side windows first (they
// always win per the collision policy), then beacon acquisition/tracking
// and ping-slot reception.
func (c *ClassB) Process(ctx *Context) (*phy.Downlink, error) {
	if c.txSide.State() != StateIdle {
		return c.txSide.Process(ctx)
	}

	c.devAddr = ctx.Session.DevAddr
	now := nowMs(ctx)

	switch c.beaconState {
	case BeaconColdStart, BeaconLost:
		c.beaconState = BeaconScanning
		return nil, nil

	case BeaconScanning:
		return c.scanForBeacon(ctx, now)

	case BeaconAcquired:
		c.beaconState = BeaconTracking
		c.armNextPingSlot()
		return nil, nil

	case BeaconTracking:
		return c.trackedStep(ctx, now)

	default:
		return nil, nil
	}
}

func (c *ClassB) scanForBeacon(ctx *Context, now uint64) (*phy.Downlink, error) {
	freq, err := region.BeaconChannelFrequency(c.beaconChannel)
	if err != nil {
		return nil, err
	}
	if err := ctx.Radio.SetFrequency(freq); err != nil {
		return nil, err
	}

	n, err := ctx.Radio.ReceiveSingle(beaconWindowMs, c.buf[:])
	if err != nil {
		// Nothing heard this beacon_period; stay in Scanning and try
		// again on the next call (the host loop re-invokes process()
		// once per beacon_period while Scanning).
		return nil, nil
	}

	frame, perr := ParseBeaconFrame(c.buf[:n])
	if perr != nil {
		ctx.Log.Warn().Err(perr).Msg("beacon CRC mismatch, discarding")
		return nil, nil
	}

	c.lastBeaconMs = now
	c.lastBeaconGpsSec = frame.TimeGps
	c.beaconState = BeaconAcquired
	c.missedCount = 0
	return nil, nil
}

// armNextPingSlot computes this beacon period's ping offset and the
// absolute time (in the host clock's ms domain) of the next ping slot.
func (c *ClassB) armNextPingSlot() {
	offset, err := ComputePingOffset(c.lastBeaconGpsSec, c.devAddr, c.pingPeriodSec)
	if err != nil {
		return
	}
	c.pingOffsetMs = uint64(offset) * pingSlotDurationMs
	c.nextSlotMs = c.lastBeaconMs + pingSlotReserveMs + c.pingOffsetMs
}

func (c *ClassB) trackedStep(ctx *Context, now uint64) (*phy.Downlink, error) {
	elapsed := now - c.lastBeaconMs
	if elapsed > beaconLostThreshold*beaconPeriodMs {
		c.beaconState = BeaconLost
		return nil, nil
	}

	if now < c.nextSlotMs {
		return nil, nil
	}

	freq, dr := ctx.Region.RX2Defaults()
	if err := openWindow(ctx, Window{FreqHz: freq, DR: dr}); err != nil {
		c.scheduleNextSlot()
		return nil, err
	}
	n, err := ctx.Radio.ReceiveSingle(pingSlotDurationMs*4, c.buf[:])
	c.scheduleNextSlot()
	if err != nil {
		return nil, nil
	}
	return decodeIfValid(ctx, n, c.buf[:])
}

func (c *ClassB) scheduleNextSlot() {
	c.nextSlotMs += uint64(c.pingPeriodSec) * pingSlotDurationMs
}
