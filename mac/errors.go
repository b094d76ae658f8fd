package mac

import "errors"

// Error taxonomy per spec.md §7. Protocol/radio errors from lower layers
// (crypto.ErrInvalidMic, phy.ErrFcntRollover, radio.Error) pass through
// wrapped rather than being re-declared here. ConfirmUnacked and
// BeaconLost are also named by spec.md §7, but both are routine,
// expected outcomes surfaced through ProcessResult.Kind rather than
// Process's error return — see DownlinkConfirmUnacked/DownlinkBeaconLost.
var (
	// Configuration
	ErrNotJoined       = errors.New("mac: device not joined")
	ErrInvalidParam    = errors.New("mac: invalid parameter")
	ErrPayloadTooLarge = errors.New("mac: payload too large for current data rate")

	// Protocol
	ErrJoinFailed      = errors.New("mac: join procedure exhausted its retry budget")
	ErrUnexpectedFrame = errors.New("mac: received frame did not match an expected type")

	// Resource
	ErrTxBusy            = errors.New("mac: a transmission or receive window is already in progress")
	ErrDutyCycleExceeded = errors.New("mac: duty-cycle budget exceeded")
)
