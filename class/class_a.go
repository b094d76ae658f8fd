package class

import (
	"github.com/tinylora/lorawan/phy"
)

// ClassA implements the spec.md §4.5 state machine: Idle -> Transmitting
// -> WaitingRx1 -> Rx1Open -> WaitingRx2 -> Rx2Open -> Idle. Idle is
// terminal per operation; a fresh OnTxDone restarts the cycle.
type ClassA struct {
	state State

	rx1, rx2 Window
	buf      [phy.MaxPHYPayloadSize]byte
}

// NewClassA returns a ClassA scheduler in Idle.
func NewClassA() *ClassA { return &ClassA{state: StateIdle} }

func (c *ClassA) Mode() OperatingMode { return ModeClassA }
func (c *ClassA) State() State        { return c.state }

// OnTxDone computes RX1 (RxDelaySec after TX end) and RX2 (RxDelaySec+1s
// after TX end, 923.3MHz at DR8 unless Session.Rx2DR overrides the data
// rate) and arms the state machine.
func (c *ClassA) OnTxDone(ctx *Context, txEndMs uint64) {
	rx1Freq, rx1DR, err := ctx.Region.RX1Params(ctx.UplinkChannel, ctx.UplinkDR, ctx.Session.Rx1DROffset)
	if err != nil {
		ctx.Log.Warn().Err(err).Msg("rx1 params computation failed, skipping rx1")
	}
	rx2Freq, rx2DR := ctx.Region.RX2Defaults()
	if ctx.Session.Rx2DR != 0 {
		// Negotiated via RXParamSetupReq; otherwise the region default
		// (DR8) applies.
		rx2DR = ctx.Session.Rx2DR
	}

	delayMs := uint64(ctx.Session.RxDelaySec) * 1000

	c.rx1 = Window{OpenAtMs: txEndMs + delayMs, DurationMs: rx1WindowMs, FreqHz: rx1Freq, DR: rx1DR}
	c.rx2 = Window{OpenAtMs: txEndMs + delayMs + 1000, DurationMs: rx2WindowMs, FreqHz: rx2Freq, DR: rx2DR}
	c.state = StateWaitingRx1
	if err != nil {
		c.state = StateWaitingRx2
	}
}

// Process advances the state machine by (at most) one radio interaction
// per call, matching the cooperative non-blocking design.
func (c *ClassA) Process(ctx *Context) (*phy.Downlink, error) {
	now := nowMs(ctx)

	switch c.state {
	case StateIdle, StateTransmitting:
		return nil, nil

	case StateWaitingRx1:
		if now < c.rx1.OpenAtMs {
			return nil, nil
		}
		c.state = StateRx1Open
		return c.tryWindow(ctx, c.rx1, StateWaitingRx2)

	case StateRx1Open:
		return c.tryWindow(ctx, c.rx1, StateWaitingRx2)

	case StateWaitingRx2:
		if now < c.rx2.OpenAtMs {
			return nil, nil
		}
		c.state = StateRx2Open
		return c.tryWindow(ctx, c.rx2, StateIdle)

	case StateRx2Open:
		return c.tryWindow(ctx, c.rx2, StateIdle)

	default:
		return nil, nil
	}
}

func (c *ClassA) tryWindow(ctx *Context, w Window, nextOnMiss State) (*phy.Downlink, error) {
	if err := openWindow(ctx, w); err != nil {
		c.state = nextOnMiss
		return nil, err
	}
	n, err := ctx.Radio.ReceiveSingle(w.DurationMs, c.buf[:])
	if err != nil {
		c.state = nextOnMiss
		return nil, nil
	}
	dl, derr := decodeIfValid(ctx, n, c.buf[:])
	if derr != nil {
		c.state = nextOnMiss
		return nil, nil
	}
	if dl != nil {
		c.state = StateIdle
		return dl, nil
	}
	c.state = nextOnMiss
	return nil, nil
}
