package mac

import (
	"encoding/binary"

	"github.com/tinylora/lorawan/class"
	"github.com/tinylora/lorawan/phy"
)

// appCommandPort is the default FPort this engine dispatches the
// built-in application command set on (spec.md's downlink command set:
// SetInterval/ShowFirmwareVersion/Reboot/Custom). It's a device-side
// convention, not a LoRaWAN-assigned port — WithCommandPort overrides
// it. Port 0 always means MAC commands regardless of this constant.
const appCommandPort = 10

// AppCommandID identifies one of the downlink application commands
// spec.md names. Custom is the fallback for anything that doesn't parse
// as one of the three named commands, or that arrived on a different
// FPort entirely.
type AppCommandID uint8

const (
	AppCmdSetInterval AppCommandID = iota
	AppCmdShowFirmwareVersion
	AppCmdReboot
	AppCmdCustom
)

// AppCommand is the decoded value handle_downlink_cmd dispatches to the
// application: SetInterval(seconds), ShowFirmwareVersion, Reboot or
// Custom(port, bytes).
type AppCommand struct {
	ID          AppCommandID
	IntervalSec uint32 // valid when ID == AppCmdSetInterval
	CustomPort  uint8  // valid when ID == AppCmdCustom
	CustomBytes []byte // valid when ID == AppCmdCustom
}

// parseAppCommand decodes a payload received on the configured command
// port; any other FPort is always Custom. A byte that doesn't match a
// known command ID (or a payload too short for SetInterval's argument)
// also falls back to Custom rather than being dropped, so the
// application always sees something.
func parseAppCommand(port, cmdPort uint8, payload []byte) *AppCommand {
	if port != cmdPort || len(payload) == 0 {
		return &AppCommand{ID: AppCmdCustom, CustomPort: port, CustomBytes: append([]byte(nil), payload...)}
	}
	switch payload[0] {
	case 0:
		if len(payload) >= 5 {
			return &AppCommand{ID: AppCmdSetInterval, IntervalSec: binary.LittleEndian.Uint32(payload[1:5])}
		}
	case 1:
		return &AppCommand{ID: AppCmdShowFirmwareVersion}
	case 2:
		return &AppCommand{ID: AppCmdReboot}
	}
	return &AppCommand{ID: AppCmdCustom, CustomPort: port, CustomBytes: append([]byte(nil), payload...)}
}

// DownlinkKind classifies what ProcessResult carries.
type DownlinkKind uint8

const (
	// DownlinkNone means this Process call produced nothing new.
	DownlinkNone DownlinkKind = iota
	// DownlinkMacOnly means the frame carried only MAC commands (port 0
	// FRMPayload and/or FOpts), already applied by the command processor.
	DownlinkMacOnly
	// DownlinkAppCommand means the frame carried an application command,
	// ready for handle_downlink_cmd dispatch via Command.
	DownlinkAppCommand
	// DownlinkConfirmUnacked means a confirmed uplink exhausted its
	// retransmission budget without an ACK.
	DownlinkConfirmUnacked
	// DownlinkBeaconLost means Class B lost beacon lock and this Engine
	// auto-degraded to Class A.
	DownlinkBeaconLost
)

// ProcessResult reports what Process observed this call.
type ProcessResult struct {
	Kind    DownlinkKind
	Command *AppCommand
}

// Process advances the active class scheduler by one step and dispatches
// any decoded downlink: port-0 payload and FOpts go to the MAC command
// processor, anything on a non-zero FPort is decoded into an AppCommand
// for handle_downlink_cmd, and confirmed-uplink ACKs are tracked across
// retransmissions. Each call runs one step of the active scheduler and,
// once the scheduler is idle, at most one uplink (a confirmed-uplink
// retransmission or a port-0 overflow flush), then returns — the host
// loop calls this repeatedly.
func (e *Engine) Process() (ProcessResult, error) {
	if cb, ok := e.active.(*class.ClassB); ok && cb.BeaconState() == class.BeaconLost {
		e.SetOperatingMode(class.ModeClassA)
		return ProcessResult{Kind: DownlinkBeaconLost}, nil
	}

	dl, err := e.active.Process(e.ctx(e.lastChannel, e.session.DataRate))
	if err != nil {
		return ProcessResult{}, err
	}

	if dl != nil {
		return e.dispatchDownlink(dl), nil
	}

	res, err := e.checkConfirmState()
	if err != nil || res.Kind != DownlinkNone {
		return res, err
	}

	if e.active.State() == class.StateIdle && e.session.PendingMacAnswers.HasOverflow() {
		if err := e.flushOverflow(); err != nil {
			return ProcessResult{Kind: DownlinkNone}, err
		}
	}
	return res, nil
}

func (e *Engine) dispatchDownlink(dl *phy.Downlink) ProcessResult {
	e.session.FCntDown = dl.FCntDown
	e.session.FCntDownValid = true

	if len(dl.FOpts) > 0 {
		e.cmdProc.Process(dl.FOpts)
	}
	if e.confirmState != nil && dl.Ctrl.ACK {
		e.confirmState = nil
	}

	if !dl.HasFPort || dl.FPort == 0 {
		if dl.HasFPort {
			e.cmdProc.Process(dl.FRMPayload)
		}
		return ProcessResult{Kind: DownlinkMacOnly}
	}

	return ProcessResult{Kind: DownlinkAppCommand, Command: parseAppCommand(dl.FPort, e.cmdPort, dl.FRMPayload)}
}

// checkConfirmState is called whenever a Process step produced no
// downlink. Once the active scheduler returns to Idle with a confirmed
// uplink still unacknowledged, either retransmit (stepping the data rate
// down every two unacknowledged tries, per the confirmed-uplink retry
// policy) or give up and report DownlinkConfirmUnacked once the retry
// budget is spent.
func (e *Engine) checkConfirmState() (ProcessResult, error) {
	if e.confirmState == nil {
		return ProcessResult{Kind: DownlinkNone}, nil
	}
	if e.active.State() != class.StateIdle {
		return ProcessResult{Kind: DownlinkNone}, nil
	}

	ct := e.confirmState
	if ct.attemptsLeft == 0 {
		e.confirmState = nil
		return ProcessResult{Kind: DownlinkConfirmUnacked}, nil
	}

	triesSoFar := e.nbTrans - ct.attemptsLeft
	ct.attemptsLeft--
	if triesSoFar%2 == 0 && e.session.DataRate > 0 {
		if _, err := (e.session.DataRate - 1).Modulation(); err == nil {
			e.session.DataRate--
		}
	}
	payload, port, remaining := ct.payload, ct.port, ct.attemptsLeft
	e.confirmState = nil // SendUplink rebuilds confirmState below
	if err := e.SendUplink(port, payload, true); err != nil {
		return ProcessResult{Kind: DownlinkNone}, err
	}
	e.confirmState.attemptsLeft = remaining
	return ProcessResult{Kind: DownlinkNone}, nil
}
