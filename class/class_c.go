package class

import "github.com/tinylora/lorawan/phy"

// ClassC keeps the radio in continuous receive on RX2 parameters
// whenever the device isn't transmitting, per spec.md §4.7. It still
// opens RX1 after every uplink like Class A; if RX1 misses, it falls
// back to (resumes) continuous RX2 rather than a timed RX2 window.
type ClassC struct {
	state State
	rx1   Window
	buf   [phy.MaxPHYPayloadSize]byte

	rx2Configured bool
}

// NewClassC returns a ClassC scheduler ready to run continuous RX2 once
// Process is first called.
func NewClassC() *ClassC { return &ClassC{state: StateIdle} }

func (c *ClassC) Mode() OperatingMode { return ModeClassC }
func (c *ClassC) State() State        { return c.state }

// OnTxDone computes the post-TX RX1 window; TX preemption is handled by
// the MAC engine calling this right after Transmit, which is the one
// gap in otherwise-continuous reception (spec.md §4.7 invariant).
func (c *ClassC) OnTxDone(ctx *Context, txEndMs uint64) {
	rx1Freq, rx1DR, err := ctx.Region.RX1Params(ctx.UplinkChannel, ctx.UplinkDR, ctx.Session.Rx1DROffset)
	if err != nil {
		ctx.Log.Warn().Err(err).Msg("rx1 params computation failed, resuming rx2 immediately")
		c.state = StateIdle
		c.rx2Configured = false
		return
	}
	delayMs := uint64(ctx.Session.RxDelaySec) * 1000
	c.rx1 = Window{OpenAtMs: txEndMs + delayMs, DurationMs: rx1WindowMs, FreqHz: rx1Freq, DR: rx1DR}
	c.state = StateWaitingRx1
	c.rx2Configured = false
}

// Process: while WaitingRx1/Rx1Open, behaves like Class A's RX1 leg; the
// "miss" transition is back to Idle, which re-arms continuous RX2 rather
// than a timed RX2 window, since Class C has no RX2 deadline.
func (c *ClassC) Process(ctx *Context) (*phy.Downlink, error) {
	now := nowMs(ctx)

	switch c.state {
	case StateWaitingRx1:
		if now < c.rx1.OpenAtMs {
			return nil, nil
		}
		c.state = StateRx1Open
		return c.tryRx1(ctx)

	case StateRx1Open:
		return c.tryRx1(ctx)

	default: // Idle: continuous RX2
		if !c.rx2Configured {
			freq, dr := ctx.Region.RX2Defaults()
			if ctx.Session.Rx2DR != 0 {
				dr = ctx.Session.Rx2DR
			}
			if err := openWindow(ctx, Window{FreqHz: freq, DR: dr}); err != nil {
				return nil, err
			}
			c.rx2Configured = true
		}
		n, err := ctx.Radio.ReceiveContinuous(c.buf[:])
		if err != nil {
			return nil, nil
		}
		return decodeIfValid(ctx, n, c.buf[:])
	}
}

func (c *ClassC) tryRx1(ctx *Context) (*phy.Downlink, error) {
	if err := openWindow(ctx, c.rx1); err != nil {
		c.state = StateIdle
		c.rx2Configured = false
		return nil, err
	}
	n, err := ctx.Radio.ReceiveSingle(c.rx1.DurationMs, c.buf[:])
	if err != nil {
		c.state = StateIdle
		c.rx2Configured = false
		return nil, nil
	}
	dl, derr := decodeIfValid(ctx, n, c.buf[:])
	if derr != nil || dl == nil {
		c.state = StateIdle
		c.rx2Configured = false
		return nil, nil
	}
	c.state = StateIdle
	c.rx2Configured = false
	return dl, nil
}
