package mac

import (
	"fmt"

	"github.com/tinylora/lorawan/class"
	"github.com/tinylora/lorawan/phy"
	"github.com/tinylora/lorawan/radio"
	"github.com/tinylora/lorawan/region"
)

// approxAirtimeMs gives a conservative, non-rigorous on-air time
// estimate for duty-cycle bookkeeping. It is deliberately not the full
// LoRa symbol-time formula (preamble + payload symbols as a function of
// SF/BW/CR) — accounting only needs an upper bound, and US915 does not
// enforce duty-cycling by FCC rule (see power.DefaultConfig).
func approxAirtimeMs(dr region.DataRate, payloadLen int) uint32 {
	mod, err := dr.Modulation()
	if err != nil {
		return 50
	}
	symbolTimeMs := float64(uint32(1)<<mod.SpreadingFactor) / float64(mod.BandwidthHz) * 1000
	symbols := 8 + float64(payloadLen)*8/float64(mod.SpreadingFactor)
	return uint32(symbols*symbolTimeMs) + 50 // +50ms preamble/setup margin
}

// SendUplink builds and transmits an application uplink frame on port.
// Returns ErrInvalidParam for port 0, which is reserved for MAC-only
// traffic (the engine itself uses it to flush overflowed MAC answers),
// ErrTxBusy if the active class scheduler isn't Idle, ErrNotJoined if
// the session hasn't completed activation, ErrPayloadTooLarge if
// payload exceeds the current data rate's budget, and
// ErrDutyCycleExceeded if a power.Manager is attached and the chosen
// sub-band's budget would be exceeded.
func (e *Engine) SendUplink(port uint8, payload []byte, confirmed bool) error {
	if port == 0 {
		return ErrInvalidParam
	}
	return e.sendUplink(port, payload, confirmed)
}

// flushOverflow drains any MAC answers that didn't fit the 15-byte FOpts
// ring into a dedicated port-0 uplink, per spec §4.4's "or on port 0
// when total answer length would exceed 15 bytes". FOpts are drained
// here too and folded into the same frame, so nothing pending is left
// behind for a later app uplink to conflict with (port 0 FRMPayload and
// FOpts are mutually exclusive on the wire).
func (e *Engine) flushOverflow() error {
	fopts := e.session.PendingMacAnswers.TakeFOpts()
	overflow := e.session.PendingMacAnswers.TakeOverflow()
	return e.sendUplink(0, append(fopts, overflow...), false)
}

func (e *Engine) sendUplink(port uint8, payload []byte, confirmed bool) error {
	if !e.session.Joined {
		return ErrNotJoined
	}
	if e.active.State() != class.StateIdle {
		return ErrTxBusy
	}
	if err := region.EnforceDwellTime(e.session.DataRate, len(payload)); err != nil {
		return fmt.Errorf("%w: %w", ErrPayloadTooLarge, err)
	}

	ch, freq, err := e.region.PickUplinkChannel(e.rng, e.session.DataRate, e.lastChannel, e.hasLastChannel)
	if err != nil {
		return err
	}

	if e.power != nil {
		nowMs := e.clock.NowMs()
		estimate := approxAirtimeMs(e.session.DataRate, len(payload))
		if e.power.IsDutyCycleExceeded(subBandOf(ch), nowMs, estimate) {
			return ErrDutyCycleExceeded
		}
	}

	fopts := e.session.PendingMacAnswers.TakeFOpts()
	frame, err := phy.EncodeUplink(phy.UplinkParams{
		DevAddr:   e.session.DevAddr,
		NwkSKey:   e.session.NwkSKey,
		AppSKey:   e.session.AppSKey,
		FCntUp:    e.session.FCntUp,
		Confirmed: confirmed,
		FOpts:     fopts,
		HasFPort:  len(payload) > 0,
		FPort:     port,
		Payload:   payload,
	})
	if err != nil {
		return err
	}

	if err := e.transmit(freq, e.session.DataRate, frame); err != nil {
		return err
	}

	e.lastChannel, e.hasLastChannel = ch, true
	txEnd := e.clock.NowMs()
	e.recordDutyCycle(ch, txEnd, len(frame))

	if e.session.FCntUp == 0xFFFFFFFF {
		e.session.FCntUp = 0
		e.session.FCntDownValid = false
		e.session.Joined = false
	} else {
		e.session.FCntUp++
	}

	e.active.OnTxDone(e.ctx(ch, e.session.DataRate), txEnd)

	if confirmed {
		e.confirmState = &confirmTracker{
			port:         port,
			payload:      append([]byte(nil), payload...),
			attemptsLeft: e.nbTrans - 1,
			dr:           e.session.DataRate,
		}
	} else {
		e.confirmState = nil
	}
	return nil
}

func (e *Engine) transmit(freqHz uint32, dr region.DataRate, frame []byte) error {
	if err := e.radio.SetFrequency(freqHz); err != nil {
		return &radio.Error{Kind: radio.KindOther, Op: "send_uplink", Err: err}
	}
	mod, err := dr.Modulation()
	if err != nil {
		return err
	}
	if err := e.radio.SetModulation(radio.Modulation{SpreadingFactor: mod.SpreadingFactor, BandwidthHz: mod.BandwidthHz}); err != nil {
		return err
	}
	return e.radio.Transmit(frame)
}

func (e *Engine) recordDutyCycle(channel uint8, nowMs uint64, frameLen int) {
	if e.power == nil {
		return
	}
	e.power.RecordTx(subBandOf(channel), nowMs, approxAirtimeMs(e.session.DataRate, frameLen))
}

// subBandOf maps an uplink channel index to its 1-indexed US915 sub-band
// (125kHz channels group by 8; the 500kHz channels 64-71 fold into the
// same 8 sub-bands by their underlying group).
func subBandOf(channel uint8) uint8 {
	if int(channel) >= region.NumChannels125 {
		return (channel-region.NumChannels125)%8 + 1
	}
	return channel/8 + 1
}
