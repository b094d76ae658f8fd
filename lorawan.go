// Package lorawan provides a façade over the embedded LoRaWAN 1.0.3 US915
// end-device stack: activation (OTAA/ABP), uplink/downlink processing and
// the three device classes, built on the crypto/region/phy/session/class
// and mac packages beneath it.
package lorawan

import (
	"github.com/tinylora/lorawan/class"
	"github.com/tinylora/lorawan/crypto"
	"github.com/tinylora/lorawan/hostapi"
	"github.com/tinylora/lorawan/mac"
	"github.com/tinylora/lorawan/power"
	"github.com/tinylora/lorawan/radio"
	"github.com/tinylora/lorawan/region"
	"github.com/tinylora/lorawan/session"
)

// Re-export the public types a host embeds against, so importers need
// only this one package path for the common path.
type (
	Engine        = mac.Engine
	Option        = mac.Option
	Session       = session.State
	Key           = crypto.Key
	Radio         = radio.Radio
	Clock         = hostapi.Clock
	Rng           = hostapi.Rng
	OperatingMode = class.OperatingMode
	DataRate      = region.DataRate
	PowerManager  = power.Manager
	PowerConfig   = power.Config
	ProcessResult = mac.ProcessResult
	DownlinkKind  = mac.DownlinkKind
	AppCommand    = mac.AppCommand
	AppCommandID  = mac.AppCommandID
)

// Mode constants.
const (
	ModeClassA = class.ModeClassA
	ModeClassB = class.ModeClassB
	ModeClassC = class.ModeClassC
)

// Downlink result kinds.
const (
	DownlinkNone           = mac.DownlinkNone
	DownlinkMacOnly        = mac.DownlinkMacOnly
	DownlinkAppCommand     = mac.DownlinkAppCommand
	DownlinkConfirmUnacked = mac.DownlinkConfirmUnacked
	DownlinkBeaconLost     = mac.DownlinkBeaconLost
)

// Application command IDs.
const (
	AppCmdSetInterval         = mac.AppCmdSetInterval
	AppCmdShowFirmwareVersion = mac.AppCmdShowFirmwareVersion
	AppCmdReboot              = mac.AppCmdReboot
	AppCmdCustom              = mac.AppCmdCustom
)

// Data rates.
const (
	DR0 = region.DR0
	DR1 = region.DR1
	DR2 = region.DR2
	DR3 = region.DR3
	DR4 = region.DR4
)

// Error values exposed in the public API. ConfirmUnacked and BeaconLost
// are reported via ProcessResult.Kind instead — see DownlinkConfirmUnacked
// and DownlinkBeaconLost.
var (
	ErrNotJoined         = mac.ErrNotJoined
	ErrInvalidParam      = mac.ErrInvalidParam
	ErrPayloadTooLarge   = mac.ErrPayloadTooLarge
	ErrJoinFailed        = mac.ErrJoinFailed
	ErrUnexpectedFrame   = mac.ErrUnexpectedFrame
	ErrTxBusy            = mac.ErrTxBusy
	ErrDutyCycleExceeded = mac.ErrDutyCycleExceeded
)

// Option constructors.
var (
	WithLogger           = mac.WithLogger
	WithPower            = mac.WithPower
	WithNbTrans          = mac.WithNbTrans
	WithJoinRetryBudget  = mac.WithJoinRetryBudget
	WithSubBand          = mac.WithSubBand
	WithCommandPort      = mac.WithCommandPort
)

// NewSession returns a fresh, not-yet-joined session with US915 defaults.
func NewSession() *Session { return session.New() }

// NewEngine constructs an Engine over radio and session, defaulting to
// Class A on the US915 region engine's default sub-band.
func NewEngine(r Radio, s *Session, clock Clock, rng Rng, opts ...Option) *Engine {
	return mac.New(r, s, clock, rng, opts...)
}

// NewPowerManager constructs a power.Manager with cfg.
func NewPowerManager(cfg PowerConfig) *PowerManager { return power.NewManager(cfg) }

// DefaultPowerConfig matches power.DefaultConfig: critical at 10%, low at
// 30%, duty cycle unconstrained (US915 uses frequency hopping, not
// duty-cycling).
func DefaultPowerConfig() PowerConfig { return power.DefaultConfig() }
