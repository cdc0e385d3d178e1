package tapsign

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/status-im/tapsign-go/logging"
	"github.com/status-im/tapsign-go/metrics"
	"github.com/status-im/tapsign-go/types"
)

type flightKey struct{}

// FlightLock admits a single signing operation at a time. Callers that find it
// held are rejected instead of queued.
type FlightLock struct {
	sem *semaphore.Weighted
}

func NewFlightLock() *FlightLock {
	return &FlightLock{sem: semaphore.NewWeighted(1)}
}

// defaultFlightLock is shared by every signer built without an explicit lock.
var defaultFlightLock = NewFlightLock()

// TryAcquire takes the lock or fails with SigningBusyError. The returned context
// carries the lock token; release is safe to call more than once.
func (l *FlightLock) TryAcquire(ctx context.Context) (context.Context, func(), error) {
	if !l.sem.TryAcquire(1) {
		return ctx, func() {}, &types.SigningBusyError{}
	}

	var once sync.Once
	release := func() {
		once.Do(func() { l.sem.Release(1) })
	}

	return context.WithValue(ctx, flightKey{}, l), release, nil
}

// HoldsFlightLock reports whether ctx was issued by a successful TryAcquire.
func HoldsFlightLock(ctx context.Context) bool {
	_, ok := ctx.Value(flightKey{}).(*FlightLock)
	return ok
}

type SignState string

const (
	SignIdle         SignState = "idle"
	SignLockAcquired SignState = "lock_acquired"
	SignCommandSent  SignState = "command_sent"
	SignSigned       SignState = "signed"
	SignFailed       SignState = "failed"
	SignLockReleased SignState = "lock_released"
)

const (
	PhaseApproving    = "approving"
	PhaseSigning      = "signing"
	PhaseBroadcasting = "broadcasting"
)

// PhaseError tags an error with the step of a user flow it happened in.
type PhaseError struct {
	Phase string
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

func WithPhase(err error, phase string) error {
	if err == nil {
		return nil
	}
	return &PhaseError{Phase: phase, Err: err}
}

type SignerOption func(*Signer)

// WithStateHook registers fn to observe every state the signer goes through.
func WithStateHook(fn func(SignState)) SignerOption {
	return func(s *Signer) {
		s.hook = fn
	}
}

// Signer signs transactions with a key slot, one at a time.
type Signer struct {
	lock    *FlightLock
	logger  *zap.Logger
	metrics *metrics.Metrics
	hook    func(SignState)
}

func NewSigner(lock *FlightLock, logger *zap.Logger, m *metrics.Metrics, opts ...SignerOption) *Signer {
	if lock == nil {
		lock = defaultFlightLock
	}

	s := &Signer{
		lock:    lock,
		logger:  logging.OrNop(logger),
		metrics: m,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Sign signs tx with the key in slot and returns the serialized signed
// transaction. The signature must recover to the slot address.
func (s *Signer) Sign(ctx context.Context, ch types.Channel, tx *ethtypes.Transaction, slot types.KeySlot, pin string) ([]byte, error) {
	s.emit(SignIdle)

	ctx, release, err := s.lock.TryAcquire(ctx)
	if err != nil {
		s.metrics.RecordSignature(metrics.StatusBusy)
		return nil, err
	}
	s.emit(SignLockAcquired)

	defer func() {
		release()
		s.emit(SignLockReleased)
	}()

	signed, err := s.sign(ctx, ch, tx, slot, pin)
	if err != nil {
		s.emit(SignFailed)
		s.metrics.RecordSignature(signStatus(err))
		logging.WithSlot(s.logger, slot.SlotNumber).Info("signing failed", zap.Error(err))
		return nil, err
	}

	s.emit(SignSigned)
	s.metrics.RecordSignature(metrics.StatusSuccess)

	return signed.MarshalBinary()
}

func (s *Signer) sign(ctx context.Context, ch types.Channel, tx *ethtypes.Transaction, slot types.KeySlot, pin string) (*ethtypes.Transaction, error) {
	signer := txSigner(tx)
	digest := signer.Hash(tx).Bytes()

	s.emit(SignCommandSent)
	sig, err := NewCommandSet(ch).Sign(ctx, slot.SlotNumber, digest, pin)
	if err != nil {
		return nil, err
	}

	addr, err := sig.Address()
	if err != nil {
		return nil, err
	}

	if addr != slot.Address {
		return nil, fmt.Errorf("%w: got %s, want %s", types.ErrSignerMismatch, addr.Hex(), slot.Address.Hex())
	}

	if !crypto.ValidateSignatureValues(sig.V(), new(big.Int).SetBytes(sig.R()), new(big.Int).SetBytes(sig.S()), true) {
		return nil, fmt.Errorf("%w: values out of range", types.ErrInvalidSignature)
	}

	return tx.WithSignature(signer, sig.Bytes())
}

// txSigner returns the signer for tx. An unsigned legacy transaction carries no
// chain id, so it is signed without replay protection.
func txSigner(tx *ethtypes.Transaction) ethtypes.Signer {
	if tx.Type() == ethtypes.LegacyTxType {
		return ethtypes.HomesteadSigner{}
	}
	return ethtypes.LatestSignerForChainID(tx.ChainId())
}

func (s *Signer) emit(state SignState) {
	if s.hook != nil {
		s.hook(state)
	}
}

func signStatus(err error) string {
	var wrongPIN *types.WrongPINError
	var notDetected *types.CardNotDetectedError
	var timeout *types.CommandTimeoutError
	switch {
	case errors.As(err, &wrongPIN):
		return metrics.StatusWrongPIN
	case errors.As(err, &notDetected):
		return metrics.StatusNoCard
	case errors.As(err, &timeout):
		return metrics.StatusTimeout
	default:
		return metrics.StatusError
	}
}
