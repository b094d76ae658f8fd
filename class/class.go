// Package class implements the three LoRaWAN device-class schedulers:
// Class A (RX1/RX2 after every uplink), Class B (beacon-synchronized
// ping slots) and Class C (continuous RX2). Each scheduler drives a
// radio.Radio through receive windows computed from a region.Engine and
// reports decoded downlinks back to the MAC engine; none of them mutate
// session state directly.
package class

import (
	"github.com/rs/zerolog"

	"github.com/tinylora/lorawan/hostapi"
	"github.com/tinylora/lorawan/phy"
	"github.com/tinylora/lorawan/radio"
	"github.com/tinylora/lorawan/region"
	"github.com/tinylora/lorawan/session"
)

// OperatingMode selects which scheduler is active.
type OperatingMode uint8

const (
	ModeClassA OperatingMode = iota
	ModeClassB
	ModeClassC
)

func (m OperatingMode) String() string {
	switch m {
	case ModeClassB:
		return "B"
	case ModeClassC:
		return "C"
	default:
		return "A"
	}
}

// State is the post-TX receive-window state machine shared by Class A
// and (for its RX1 leg) Class C.
type State uint8

const (
	StateIdle State = iota
	StateTransmitting
	StateWaitingRx1
	StateRx1Open
	StateWaitingRx2
	StateRx2Open
)

// Window describes one receive-window opening: when to open it, for how
// long, and on which radio parameters.
type Window struct {
	OpenAtMs   uint64
	DurationMs uint32
	FreqHz     uint32
	DR         region.DataRate
}

const (
	// rx1WindowMs is the symbol-timeout window RX1/RX2 listens for a
	// preamble before closing, a conservative value generous enough for
	// DR0-DR13 preamble timing without per-DR tuning.
	rx1WindowMs = 2000
	rx2WindowMs = 2000
)

// Context bundles everything a scheduler needs for one Process call. The
// MAC engine owns and mutates Session/Region; schedulers only read
// them plus drive Radio and report decoded downlinks.
type Context struct {
	Radio   radio.Radio
	Session *session.State
	Region  *region.Engine
	Clock   hostapi.Clock
	Rng     hostapi.Rng
	Log     zerolog.Logger

	// UplinkChannel/UplinkDR describe the uplink that just completed,
	// needed to compute RX1 parameters.
	UplinkChannel uint8
	UplinkDR      region.DataRate
}

// Scheduler is the behavior every device class implements.
type Scheduler interface {
	Mode() OperatingMode
	State() State
	// OnTxDone is called once, immediately after a TX completes, with the
	// uplink channel/DR already recorded on ctx.
	OnTxDone(ctx *Context, txEndMs uint64)
	// Process advances the scheduler by one step. It returns a decoded,
	// validated downlink when one arrived, or (nil, nil) when this call
	// produced nothing yet.
	Process(ctx *Context) (*phy.Downlink, error)
}

func openWindow(ctx *Context, w Window) error {
	if err := ctx.Radio.SetFrequency(w.FreqHz); err != nil {
		return err
	}
	mod, err := w.DR.Modulation()
	if err != nil {
		return err
	}
	return ctx.Radio.SetModulation(radio.Modulation{
		SpreadingFactor: mod.SpreadingFactor,
		BandwidthHz:     mod.BandwidthHz,
		CodingRate:      1,
		CrcOn:           false,
	})
}

func decodeIfValid(ctx *Context, n int, buf []byte) (*phy.Downlink, error) {
	if n <= 0 {
		return nil, nil
	}
	dl, err := phy.DecodeDownlink(buf[:n], phy.DownlinkParams{
		DevAddr:         ctx.Session.DevAddr,
		NwkSKey:         ctx.Session.NwkSKey,
		AppSKey:         ctx.Session.AppSKey,
		LastFCntDown:    ctx.Session.FCntDown,
		HasLastFCntDown: ctx.Session.FCntDownValid,
	})
	if err != nil {
		ctx.Log.Warn().Err(err).Msg("discarding invalid downlink")
		return nil, nil
	}
	return dl, nil
}

// nowMs is a small indirection so tests can drive ctx.Clock deterministically.
func nowMs(ctx *Context) uint64 { return ctx.Clock.NowMs() }
