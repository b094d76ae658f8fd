// Package session owns the device's session state: keys, DevAddr, frame
// counters and the pending MAC-answer queue. Exactly one owner — the MAC
// engine — may mutate a State; every other subsystem only reads it.
package session

import (
	"errors"

	"github.com/tinylora/lorawan/crypto"
	"github.com/tinylora/lorawan/region"
)

// ErrAnswerQueueFull is returned when a MAC answer cannot be queued in
// either the FOpts ring or the port-0 overflow buffer.
var ErrAnswerQueueFull = errors.New("session: pending MAC answer queue full")

// ErrNotJoined is returned by operations that require an active session.
var ErrNotJoined = errors.New("session: device not joined")

// foptsCapacity is the bounded FOpts ring size: 15 bytes, per the
// no-dynamic-allocation design.
const foptsCapacity = 15

// overflowCapacity is generous enough to hold a backlog of MAC answers
// that could not fit in FOpts, bounded by the largest US915 FRMPayload
// budget so it can always be flushed as a single port-0 uplink.
const overflowCapacity = 242

// AnswerQueue is the bounded, fixed-size store for MAC-command answers
// awaiting piggyback delivery. Answers first try the 15-byte FOpts ring;
// an answer that doesn't fit there goes into the port-0 buffer, which the
// MAC engine flushes with a dedicated uplink, matching the spec requirement that
// total answer length exceeding FOpts capacity moves to port 0 rather
// than being dropped.
type AnswerQueue struct {
	fopts    [foptsCapacity]byte
	foptsLen int

	overflow    [overflowCapacity]byte
	overflowLen int
}

// Enqueue appends cmd to the FOpts ring if it fits, else to the port-0
// overflow buffer, else fails with ErrAnswerQueueFull.
func (q *AnswerQueue) Enqueue(cmd []byte) error {
	if q.foptsLen+len(cmd) <= foptsCapacity {
		copy(q.fopts[q.foptsLen:], cmd)
		q.foptsLen += len(cmd)
		return nil
	}
	if q.overflowLen+len(cmd) <= overflowCapacity {
		copy(q.overflow[q.overflowLen:], cmd)
		q.overflowLen += len(cmd)
		return nil
	}
	return ErrAnswerQueueFull
}

// TakeFOpts returns a copy of the queued FOpts bytes and clears the ring.
// The MAC engine calls this exactly once per uplink it actually sends.
func (q *AnswerQueue) TakeFOpts() []byte {
	if q.foptsLen == 0 {
		return nil
	}
	out := make([]byte, q.foptsLen)
	copy(out, q.fopts[:q.foptsLen])
	q.foptsLen = 0
	return out
}

// HasOverflow reports whether a port-0 flush is needed.
func (q *AnswerQueue) HasOverflow() bool {
	return q.overflowLen > 0
}

// TakeOverflow returns a copy of the overflow buffer and clears it.
func (q *AnswerQueue) TakeOverflow() []byte {
	if q.overflowLen == 0 {
		return nil
	}
	out := make([]byte, q.overflowLen)
	copy(out, q.overflow[:q.overflowLen])
	q.overflowLen = 0
	return out
}

// State is the device's LoRaWAN session: keys, address, counters and
// negotiated radio parameters. fcnt_up is monotonically non-decreasing
// while Joined; DevAddr is meaningful iff Joined.
type State struct {
	DevAddr uint32
	NwkSKey crypto.Key
	AppSKey crypto.Key

	FCntUp   uint32
	FCntDown uint32
	// FCntDownValid is false until the first downlink of the current
	// activation has been accepted; DecodeDownlink skips the replay/gap
	// check while it's false, so a fresh session's very first downlink
	// (FCntDown=0) isn't rejected as a replay of an unset counter.
	FCntDownValid bool
	Joined        bool

	PendingMacAnswers AnswerQueue

	AdrEnabled   bool
	DataRate     region.DataRate
	TxPowerIndex uint8
	Rx1DROffset  uint8
	Rx2DR        region.DataRate
	RxDelaySec   uint32
}

// New returns a fresh, not-yet-joined session with US915 defaults:
// DR0, RX2 at DR8, a 1 second RX delay and ADR enabled.
func New() *State {
	return &State{
		DataRate:   region.DR0,
		Rx2DR:      region.DR8,
		RxDelaySec: 1,
		AdrEnabled: true,
	}
}

// ActivateABP installs session keys directly, bypassing OTAA.
func (s *State) ActivateABP(devAddr uint32, nwkSKey, appSKey crypto.Key) {
	s.DevAddr = devAddr
	s.NwkSKey = nwkSKey
	s.AppSKey = appSKey
	s.FCntUp = 0
	s.FCntDown = 0
	s.FCntDownValid = false
	s.Joined = true
}

// ActivateOTAA installs session keys derived from a join accept and
// resets both frame counters to zero.
func (s *State) ActivateOTAA(devAddr uint32, nwkSKey, appSKey crypto.Key) {
	s.DevAddr = devAddr
	s.NwkSKey = nwkSKey
	s.AppSKey = appSKey
	s.FCntUp = 0
	s.FCntDown = 0
	s.FCntDownValid = false
	s.Joined = true
}

// Reset clears Joined and the derived session, leaving negotiated radio
// parameters intact. The MAC engine's fcnt_up wraparound does not call
// it: that path clears Joined, FCntUp and FCntDownValid itself and keeps
// DevAddr and the keys.
func (s *State) Reset() {
	s.Joined = false
	s.DevAddr = 0
	s.NwkSKey = crypto.Key{}
	s.AppSKey = crypto.Key{}
	s.FCntUp = 0
	s.FCntDown = 0
	s.FCntDownValid = false
}
