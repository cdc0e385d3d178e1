package tapsign

import "github.com/status-im/tapsign-go/types"

type (
	CardNotDetectedError  = types.CardNotDetectedError
	RelayUnavailableError = types.RelayUnavailableError
	ConsentRequiredError  = types.ConsentRequiredError
	ConsentDeniedError    = types.ConsentDeniedError
	WrongPINError         = types.WrongPINError
	CommandTimeoutError   = types.CommandTimeoutError
	NoValidKeySlotError   = types.NoValidKeySlotError
	SigningBusyError      = types.SigningBusyError
)

var (
	ErrTransportClosed   = types.ErrTransportClosed
	ErrNotConnected      = types.ErrNotConnected
	ErrNotPaired         = types.ErrNotPaired
	ErrPairingNotStarted = types.ErrPairingNotStarted
	ErrDirectUnavailable = types.ErrDirectUnavailable
	ErrSignerMismatch    = types.ErrSignerMismatch
)
