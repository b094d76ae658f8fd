// Package mac implements the LoRaWAN MAC engine: the OTAA/ABP activation
// procedures, uplink frame construction, downlink dispatch and the
// MAC-command processor, orchestrating the crypto, region, phy, session
// and class packages into the single entry point an application embeds.
package mac

import (
	"encoding/binary"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tinylora/lorawan/class"
	"github.com/tinylora/lorawan/commands"
	"github.com/tinylora/lorawan/crypto"
	"github.com/tinylora/lorawan/hostapi"
	"github.com/tinylora/lorawan/phy"
	"github.com/tinylora/lorawan/power"
	"github.com/tinylora/lorawan/radio"
	"github.com/tinylora/lorawan/region"
	"github.com/tinylora/lorawan/session"
)

const (
	defaultNbTrans          = 2 // 1 retransmission by default
	defaultJoinRetryBudget  = 3
	joinAcceptDelay1Ms      = 5000
	joinAcceptDelay2Ms      = 6000
	joinRxWindowMs          = 3000
)

// Option configures an Engine at construction.
type Option func(*Engine)

// WithLogger sets the structured logger every subsystem logs through.
// Defaults to zerolog.Nop(), so the core never forces output onto a
// microcontroller that hasn't wired a sink.
func WithLogger(l zerolog.Logger) Option { return func(e *Engine) { e.log = l } }

// WithPower attaches a power.Manager for duty-cycle gating and
// DevStatusAns battery reporting.
func WithPower(p *power.Manager) Option { return func(e *Engine) { e.power = p } }

// WithNbTrans sets the confirmed-uplink retransmission count (including
// the first attempt). Default 2.
func WithNbTrans(n uint8) Option { return func(e *Engine) { e.nbTrans = n } }

// WithJoinRetryBudget bounds how many join attempts JoinOTAA makes
// before returning ErrJoinFailed. Default 3.
func WithJoinRetryBudget(n int) Option { return func(e *Engine) { e.joinRetryBudget = n } }

// WithSubBand selects the enabled US915 sub-band (1-8) at construction.
func WithSubBand(n uint8) Option { return func(e *Engine) { e.region.EnableSubBand(n) } }

// WithCommandPort sets the FPort the built-in application command set
// (SetInterval/ShowFirmwareVersion/Reboot) is dispatched on. Downlinks on
// any other non-zero FPort surface as AppCmdCustom. Default 10.
func WithCommandPort(port uint8) Option { return func(e *Engine) { e.cmdPort = port } }

// Engine is the device-side MAC. It owns the session exclusively; the
// radio is temporarily yielded to the active class scheduler across
// window operations, but the schedulers never mutate session state.
type Engine struct {
	radio   radio.Radio
	session *session.State
	region  *region.Engine
	clock   hostapi.Clock
	rng     hostapi.Rng
	power   *power.Manager
	log     zerolog.Logger

	active  class.Scheduler
	cmdProc *commands.Processor

	nbTrans         uint8
	joinRetryBudget int
	cmdPort         uint8

	lastChannel    uint8
	hasLastChannel bool

	confirmState *confirmTracker
}

// confirmTracker tracks a confirmed uplink awaiting ACK across
// retransmissions.
type confirmTracker struct {
	port       uint8
	payload    []byte
	attemptsLeft uint8
	dr         region.DataRate
}

// New constructs an Engine over radio and session, defaulting to Class A
// on the US915 region engine's default sub-band.
func New(r radio.Radio, s *session.State, clock hostapi.Clock, rng hostapi.Rng, opts ...Option) *Engine {
	e := &Engine{
		radio:           r,
		session:         s,
		region:          region.NewEngine(),
		clock:           clock,
		rng:             rng,
		log:             zerolog.Nop(),
		nbTrans:         defaultNbTrans,
		joinRetryBudget: defaultJoinRetryBudget,
		cmdPort:         appCommandPort,
	}
	e.active = class.NewClassA()
	for _, opt := range opts {
		opt(e)
	}
	var battery commands.BatteryLevelSource
	if e.power != nil {
		battery = e.power
	}
	e.cmdProc = commands.NewProcessor(e.session, e.region, battery, nil)
	e.cmdProc.Log = e.log
	return e
}

// SetOperatingMode switches the active class scheduler, carrying session
// state across the switch (the class schedulers never own session state,
// so nothing needs copying beyond the fresh scheduler instance).
func (e *Engine) SetOperatingMode(mode class.OperatingMode) {
	switch mode {
	case class.ModeClassB:
		e.active = class.NewClassB()
	case class.ModeClassC:
		e.active = class.NewClassC()
	default:
		e.active = class.NewClassA()
	}
}

// Mode reports the active class scheduler's mode.
func (e *Engine) Mode() class.OperatingMode { return e.active.Mode() }

// Session exposes the session snapshot for host persistence. The core
// neither reads nor writes non-volatile storage; this is the read-only
// hook the host may snapshot through.
func (e *Engine) Session() *session.State { return e.session }

func (e *Engine) ctx(uplinkChannel uint8, uplinkDR region.DataRate) *class.Context {
	return &class.Context{
		Radio:         e.radio,
		Session:       e.session,
		Region:        e.region,
		Clock:         e.clock,
		Rng:           e.rng,
		Log:           e.log,
		UplinkChannel: uplinkChannel,
		UplinkDR:      uplinkDR,
	}
}

// buildJoinRequest assembles MHDR|AppEUI|DevEUI|DevNonce (LE) ready for MIC +
// transmit. AppEUI and DevEUI are passed as already-LE-ordered 8-byte
// arrays, matching how they're defined at construction (spec.md §3).
func buildJoinRequest(appEUI, devEUI [8]byte, devNonce uint16) []byte {
	msg := make([]byte, 0, 1+8+8+2)
	msg = append(msg, 0x00) // MHDR: MType=JoinRequest, major=0
	msg = append(msg, appEUI[:]...)
	msg = append(msg, devEUI[:]...)
	var nonceBuf [2]byte
	binary.LittleEndian.PutUint16(nonceBuf[:], devNonce)
	msg = append(msg, nonceBuf[:]...)
	return msg
}

// JoinOTAA runs the OTAA activation procedure: transmit a join request
// with a fresh DevNonce, listen for a JoinAccept in RX1 and then RX2, and
// on a valid accept derive session keys and mark the session joined.
// Fails with ErrJoinFailed after exhausting the retry budget.
//
// The two JoinAccept windows are opened back to back right after the
// join request is transmitted, each listening for joinRxWindowMs; the
// 5 s / 6 s join-accept delays (joinAcceptDelay1Ms/joinAcceptDelay2Ms)
// are not waited for.
func (e *Engine) JoinOTAA(appKey crypto.Key, devEUI, appEUI [8]byte) error {
	for attempt := 0; attempt < e.joinRetryBudget; attempt++ {
		devNonce := e.rng.Uint16()
		msg := buildJoinRequest(appEUI, devEUI, devNonce)
		mic, err := crypto.JoinRequestMIC(appKey, msg)
		if err != nil {
			return err
		}
		frame := append(append([]byte{}, msg...), mic[:]...)

		ch, freq, err := e.region.PickUplinkChannel(e.rng, region.DR0, e.lastChannel, e.hasLastChannel)
		if err != nil {
			return err
		}
		e.lastChannel, e.hasLastChannel = ch, true

		if err := e.radio.SetFrequency(freq); err != nil {
			return &radio.Error{Kind: radio.KindOther, Op: "join_request", Err: err}
		}
		mod, _ := region.DR0.Modulation()
		if err := e.radio.SetModulation(radio.Modulation{SpreadingFactor: mod.SpreadingFactor, BandwidthHz: mod.BandwidthHz}); err != nil {
			return err
		}
		if err := e.radio.Transmit(frame); err != nil {
			return err
		}

		if ok, err := e.awaitJoinAccept(appKey, devNonce, ch); err != nil {
			e.log.Warn().Err(err).Int("attempt", attempt).Msg("join accept rejected")
		} else if ok {
			return nil
		}
	}
	return ErrJoinFailed
}

func (e *Engine) awaitJoinAccept(appKey crypto.Key, devNonce uint16, uplinkChannel uint8) (bool, error) {
	var buf [phy.MaxPHYPayloadSize]byte

	rx1Freq, rx1DR, err := e.region.RX1Params(uplinkChannel, region.DR0, 0)
	if err == nil {
		e.radio.SetFrequency(rx1Freq)
		if mod, merr := rx1DR.Modulation(); merr == nil {
			e.radio.SetModulation(radio.Modulation{SpreadingFactor: mod.SpreadingFactor, BandwidthHz: mod.BandwidthHz})
		}
	}
	if n, rerr := e.radio.ReceiveSingle(joinRxWindowMs, buf[:]); rerr == nil {
		if accepted, aerr := e.tryAcceptJoin(buf[:n], appKey, devNonce); aerr == nil && accepted {
			return true, nil
		}
	}

	rx2Freq, rx2DR := e.region.RX2Defaults()
	e.radio.SetFrequency(rx2Freq)
	if mod, merr := rx2DR.Modulation(); merr == nil {
		e.radio.SetModulation(radio.Modulation{SpreadingFactor: mod.SpreadingFactor, BandwidthHz: mod.BandwidthHz})
	}
	n, rerr := e.radio.ReceiveSingle(joinRxWindowMs, buf[:])
	if rerr != nil {
		return false, rerr
	}
	return e.tryAcceptJoin(buf[:n], appKey, devNonce)
}

func (e *Engine) tryAcceptJoin(raw []byte, appKey crypto.Key, devNonce uint16) (bool, error) {
	if len(raw) < 1+16 {
		return false, phy.ErrFrameTooShort
	}
	mhdr := raw[0]
	if phy.MType(mhdr>>5) != phy.MTypeJoinAccept {
		return false, fmt.Errorf("%w: %#x", ErrUnexpectedFrame, mhdr)
	}
	ciphertext := raw[1:]
	plain, err := crypto.DecryptJoinAccept(appKey, ciphertext)
	if err != nil {
		return false, err
	}
	if len(plain) < 16 {
		return false, phy.ErrFrameTooShort
	}

	body := plain[:len(plain)-crypto.MICSize]
	var wireMic [crypto.MICSize]byte
	copy(wireMic[:], plain[len(plain)-crypto.MICSize:])

	micMsg := append([]byte{mhdr}, body...)
	computedMic, err := crypto.JoinAcceptMIC(appKey, micMsg)
	if err != nil {
		return false, err
	}
	if computedMic != wireMic {
		return false, crypto.ErrInvalidMic
	}

	var appNonce, netID [3]byte
	copy(appNonce[:], body[0:3])
	copy(netID[:], body[3:6])
	devAddr := binary.LittleEndian.Uint32(body[6:10])
	dlSettings := body[10]
	rxDelay := body[11]

	nwkSKey, appSKey, err := crypto.DeriveSessionKeys(appKey, appNonce, netID, devNonce)
	if err != nil {
		return false, err
	}
	e.session.ActivateOTAA(devAddr, nwkSKey, appSKey)
	e.session.Rx1DROffset = (dlSettings >> 4) & 0x07
	e.session.Rx2DR = region.DataRate(dlSettings & 0x0F)
	if rxDelay&0x0F == 0 {
		e.session.RxDelaySec = 1
	} else {
		e.session.RxDelaySec = uint32(rxDelay & 0x0F)
	}
	return true, nil
}

// ActivateABP installs session keys directly, skipping OTAA.
func (e *Engine) ActivateABP(devAddr uint32, nwkSKey, appSKey crypto.Key) {
	e.session.ActivateABP(devAddr, nwkSKey, appSKey)
}
