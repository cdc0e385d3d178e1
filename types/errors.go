package types

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrTransportClosed   = errors.New("transport closed")
	ErrNotConnected      = errors.New("session not connected")
	ErrNotPaired         = errors.New("no phone paired with this session")
	ErrPairingNotStarted = errors.New("pairing not started")
	ErrDirectUnavailable = errors.New("device has no usable card reader")
	ErrSignerMismatch    = errors.New("signature does not recover to the key slot address")
)

// CardNotDetectedError is returned when no card was presented in time or the card
// went away before a command reached it.
type CardNotDetectedError struct {
	Reason string
}

func (e *CardNotDetectedError) Error() string {
	if e.Reason == "" {
		return "card not detected"
	}
	return fmt.Sprintf("card not detected: %s", e.Reason)
}

// RelayUnavailableError means the relay process itself could not be reached.
type RelayUnavailableError struct {
	URL string
	Err error
}

func (e *RelayUnavailableError) Error() string {
	return fmt.Sprintf("relay unavailable at %s: %v", e.URL, e.Err)
}

func (e *RelayUnavailableError) Unwrap() error {
	return e.Err
}

type ConsentRequiredError struct {
	ConsentURL string
}

func (e *ConsentRequiredError) Error() string {
	return fmt.Sprintf("consent required, visit %s", e.ConsentURL)
}

type ConsentDeniedError struct{}

func (e *ConsentDeniedError) Error() string {
	return "consent denied"
}

type WrongPINError struct {
	// RemainingAttempts is -1 when the card does not report it.
	RemainingAttempts int
}

func (e *WrongPINError) Error() string {
	if e.RemainingAttempts < 0 {
		return "wrong pin"
	}
	return fmt.Sprintf("wrong pin. remaining attempts: %d", e.RemainingAttempts)
}

type CommandTimeoutError struct {
	Command string
	Timeout time.Duration
}

func (e *CommandTimeoutError) Error() string {
	return fmt.Sprintf("command %s timed out after %s", e.Command, e.Timeout)
}

type NoValidKeySlotError struct{}

func (e *NoValidKeySlotError) Error() string {
	return "no valid key slot found: the card may have been removed during the scan or has no initialized keys"
}

type SigningBusyError struct{}

func (e *SigningBusyError) Error() string {
	return "another signing operation is in progress"
}

// IsCardAbsence reports whether err means the card (or the path to it) went away,
// as opposed to a problem with a single command's data.
func IsCardAbsence(err error) bool {
	var notDetected *CardNotDetectedError
	var timeout *CommandTimeoutError
	return errors.As(err, &notDetected) ||
		errors.As(err, &timeout) ||
		errors.Is(err, ErrTransportClosed) ||
		errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrNotPaired)
}
