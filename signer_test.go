package tapsign

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/status-im/tapsign-go/internal/emulator"
	"github.com/status-im/tapsign-go/types"
)

type stateRecorder struct {
	mu     sync.Mutex
	states []SignState
	sent   chan struct{}
}

func newStateRecorder() *stateRecorder {
	return &stateRecorder{sent: make(chan struct{}, 8)}
}

func (r *stateRecorder) record(s SignState) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()

	if s == SignCommandSent {
		r.sent <- struct{}{}
	}
}

func (r *stateRecorder) all() []SignState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SignState(nil), r.states...)
}

func testTx() *ethtypes.Transaction {
	to := common.HexToAddress("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")
	return ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   big.NewInt(11155111),
		Nonce:     7,
		GasTipCap: big.NewInt(1_000_000_000),
		GasFeeCap: big.NewInt(30_000_000_000),
		Gas:       21000,
		To:        &to,
		Value:     big.NewInt(12345),
		Data:      []byte{0xde, 0xad},
	})
}

func discoverTop(t *testing.T, ch types.Channel) types.KeySlot {
	slots, err := newTestDiscovery(t).Discover(context.Background(), ch)
	require.NoError(t, err)
	slot, err := SelectKeySlot(slots)
	require.NoError(t, err)
	return slot
}

func assertSignedBy(t *testing.T, unsigned *ethtypes.Transaction, raw []byte, slot types.KeySlot) {
	signed := new(ethtypes.Transaction)
	require.NoError(t, signed.UnmarshalBinary(raw))

	assert.Equal(t, unsigned.Type(), signed.Type())
	assert.Equal(t, unsigned.To(), signed.To())
	assert.Equal(t, unsigned.Value(), signed.Value())
	assert.True(t, bytes.Equal(unsigned.Data(), signed.Data()), "data differs")
	assert.Equal(t, unsigned.Nonce(), signed.Nonce())
	assert.Equal(t, unsigned.Gas(), signed.Gas())
	if unsigned.Type() != ethtypes.LegacyTxType {
		assert.Equal(t, unsigned.ChainId(), signed.ChainId())
	}

	from, err := ethtypes.Sender(txSigner(unsigned), signed)
	require.NoError(t, err)
	assert.Equal(t, slot.Address, from)
}

func TestSignRoundTrip(t *testing.T) {
	to := common.HexToAddress("0x000000000000000000000000000000000000dEaD")
	txs := map[string]*ethtypes.Transaction{
		"dynamic fee": testTx(),
		"access list": ethtypes.NewTx(&ethtypes.AccessListTx{
			ChainID:  big.NewInt(1),
			Nonce:    1,
			GasPrice: big.NewInt(20_000_000_000),
			Gas:      21000,
			To:       &to,
			Value:    big.NewInt(1),
		}),
		"legacy": ethtypes.NewTx(&ethtypes.LegacyTx{
			Nonce:    2,
			GasPrice: big.NewInt(20_000_000_000),
			Gas:      21000,
			To:       &to,
			Value:    big.NewInt(2),
		}),
	}

	for name, tx := range txs {
		for _, der := range []bool{false, true} {
			t.Run(fmt.Sprintf("%s der=%v", name, der), func(t *testing.T) {
				card, _ := newCard(t, 9, 8, 2)
				card.DEROnly(der)
				ch := &cardChannel{card: card}
				slot := discoverTop(t, ch)

				raw, err := NewSigner(nil, zaptest.NewLogger(t), nil).Sign(context.Background(), ch, tx, slot, emulator.DefaultPassword)
				require.NoError(t, err)
				assertSignedBy(t, tx, raw, slot)
			})
		}
	}
}

func TestSignWrongPINThenCorrect(t *testing.T) {
	card, _ := newCard(t, 8, 2)
	ch := &cardChannel{card: card}
	slot := discoverTop(t, ch)
	assert.Equal(t, KeySlotPreloaded, slot.SlotNumber)

	signer := NewSigner(nil, zaptest.NewLogger(t), nil)
	tx := testTx()

	_, err := signer.Sign(context.Background(), ch, tx, slot, "000000")
	var wrongPIN *types.WrongPINError
	require.ErrorAs(t, err, &wrongPIN)
	assert.Equal(t, emulator.DefaultAttempts-1, wrongPIN.RemainingAttempts)

	raw, err := signer.Sign(context.Background(), ch, tx, slot, emulator.DefaultPassword)
	require.NoError(t, err)
	assertSignedBy(t, tx, raw, slot)
	assert.Equal(t, emulator.DefaultAttempts, card.AttemptsLeft())
}

func TestSignPINIsNormalized(t *testing.T) {
	card := emulator.NewCard("pin")
	_, err := card.GenerateKey(KeySlotWallet, true)
	require.NoError(t, err)
	ch := &cardChannel{card: card}
	slot := discoverTop(t, ch)

	// fullwidth letters decompose to ASCII
	_, err = NewSigner(nil, zaptest.NewLogger(t), nil).Sign(context.Background(), ch, testTx(), slot, "ｐｉｎ")
	require.NoError(t, err)
}

func TestSignStateSequence(t *testing.T) {
	card, _ := newCard(t, 9)
	ch := &cardChannel{card: card}
	slot := discoverTop(t, ch)

	rec := newStateRecorder()
	signer := NewSigner(nil, zaptest.NewLogger(t), nil, WithStateHook(rec.record))

	_, err := signer.Sign(context.Background(), ch, testTx(), slot, emulator.DefaultPassword)
	require.NoError(t, err)
	assert.Equal(t, []SignState{SignIdle, SignLockAcquired, SignCommandSent, SignSigned, SignLockReleased}, rec.all())

	rec = newStateRecorder()
	signer = NewSigner(nil, zaptest.NewLogger(t), nil, WithStateHook(rec.record))
	_, err = signer.Sign(context.Background(), ch, testTx(), slot, "bad")
	require.Error(t, err)
	assert.Equal(t, []SignState{SignIdle, SignLockAcquired, SignCommandSent, SignFailed, SignLockReleased}, rec.all())
}

func TestSignBusyWhileInFlight(t *testing.T) {
	card, _ := newCard(t, 9)
	ch := &cardChannel{card: card}
	slot := discoverTop(t, ch)

	unblock := make(chan struct{})
	ch.setIntercept(func(cmd *types.Command) (*types.Response, error) {
		if cmd.Name == types.CommandSign {
			<-unblock
		}
		return nil, nil
	})

	rec := newStateRecorder()
	signer := NewSigner(NewFlightLock(), zaptest.NewLogger(t), nil, WithStateHook(rec.record))

	done := make(chan error, 1)
	go func() {
		_, err := signer.Sign(context.Background(), ch, testTx(), slot, emulator.DefaultPassword)
		done <- err
	}()

	select {
	case <-rec.sent:
	case <-time.After(5 * time.Second):
		t.Fatal("first signing never reached the card")
	}

	_, err := signer.Sign(context.Background(), ch, testTx(), slot, emulator.DefaultPassword)
	var busy *types.SigningBusyError
	require.ErrorAs(t, err, &busy)

	close(unblock)
	require.NoError(t, <-done)

	signs := 0
	for _, c := range card.Calls() {
		if c.Name == types.CommandSign {
			signs++
		}
	}
	assert.Equal(t, 1, signs)

	_, err = signer.Sign(context.Background(), ch, testTx(), slot, emulator.DefaultPassword)
	assert.NoError(t, err)
}

func TestFlightLockSharedBetweenSigners(t *testing.T) {
	lock := NewFlightLock()

	ctx, release, err := lock.TryAcquire(context.Background())
	require.NoError(t, err)
	assert.True(t, HoldsFlightLock(ctx))
	assert.False(t, HoldsFlightLock(context.Background()))

	card, _ := newCard(t, 9)
	ch := &cardChannel{card: card}
	slot := discoverTop(t, ch)

	_, err = NewSigner(lock, zaptest.NewLogger(t), nil).Sign(context.Background(), ch, testTx(), slot, emulator.DefaultPassword)
	var busy *types.SigningBusyError
	require.ErrorAs(t, err, &busy)

	release()
	release()

	_, err = NewSigner(lock, zaptest.NewLogger(t), nil).Sign(context.Background(), ch, testTx(), slot, emulator.DefaultPassword)
	require.NoError(t, err)
}

func TestSignRejectsOtherKey(t *testing.T) {
	card, _ := newCard(t, 9)
	ch := &cardChannel{card: card}
	slot := discoverTop(t, ch)

	other, _ := newCard(t, 8)
	slot.Address = discoverTop(t, &cardChannel{card: other}).Address

	_, err := NewSigner(nil, zaptest.NewLogger(t), nil).Sign(context.Background(), ch, testTx(), slot, emulator.DefaultPassword)
	assert.ErrorIs(t, err, types.ErrSignerMismatch)
}

func TestSignCardRemoved(t *testing.T) {
	card, _ := newCard(t, 9)
	ch := &cardChannel{card: card}
	slot := discoverTop(t, ch)

	ch.setIntercept(func(cmd *types.Command) (*types.Response, error) {
		return &types.Response{Error: &types.CommandError{Kind: types.ErrorKindReader, Name: types.ErrorCardAbsent, Message: "tag lost"}}, nil
	})

	_, err := NewSigner(nil, zaptest.NewLogger(t), nil).Sign(context.Background(), ch, testTx(), slot, emulator.DefaultPassword)
	var notDetected *types.CardNotDetectedError
	require.ErrorAs(t, err, &notDetected)
	assert.Equal(t, "tag lost", notDetected.Reason)

	phased := WithPhase(err, PhaseSigning)
	assert.ErrorAs(t, phased, &notDetected)
	assert.Contains(t, phased.Error(), PhaseSigning)
	assert.Nil(t, WithPhase(nil, PhaseSigning))
}

func TestSignHighSIsNormalized(t *testing.T) {
	for _, der := range []bool{false, true} {
		t.Run(fmt.Sprintf("der=%v", der), func(t *testing.T) {
			card, _ := newCard(t, 9)
			card.HighS(true)
			card.DEROnly(der)
			ch := &cardChannel{card: card}
			slot := discoverTop(t, ch)

			tx := testTx()
			raw, err := NewSigner(NewFlightLock(), zaptest.NewLogger(t), nil).Sign(context.Background(), ch, tx, slot, emulator.DefaultPassword)
			require.NoError(t, err)

			assertSignedBy(t, tx, raw, slot)

			signed := new(ethtypes.Transaction)
			require.NoError(t, signed.UnmarshalBinary(raw))
			_, _, sv := signed.RawSignatureValues()
			halfN := new(big.Int).Rsh(crypto.S256().Params().N, 1)
			assert.True(t, sv.Cmp(halfN) <= 0, "s is not canonical")
		})
	}
}

func TestSignersShareDefaultLock(t *testing.T) {
	card, _ := newCard(t, 9)
	ch := &cardChannel{card: card}
	slot := discoverTop(t, ch)

	unblock := make(chan struct{})
	ch.setIntercept(func(cmd *types.Command) (*types.Response, error) {
		if cmd.Name == types.CommandSign {
			<-unblock
		}
		return nil, nil
	})

	rec := newStateRecorder()
	first := NewSigner(nil, zaptest.NewLogger(t), nil, WithStateHook(rec.record))
	second := NewSigner(nil, zaptest.NewLogger(t), nil)

	done := make(chan error, 1)
	go func() {
		_, err := first.Sign(context.Background(), ch, testTx(), slot, emulator.DefaultPassword)
		done <- err
	}()

	select {
	case <-rec.sent:
	case <-time.After(5 * time.Second):
		t.Fatal("first signing never reached the card")
	}

	_, err := second.Sign(context.Background(), ch, testTx(), slot, emulator.DefaultPassword)
	var busy *types.SigningBusyError
	assert.ErrorAs(t, err, &busy)

	close(unblock)
	require.NoError(t, <-done)
}

func TestCommandSetSignNeedsFlightLock(t *testing.T) {
	card, _ := newCard(t, 9)
	cs := NewCommandSet(&cardChannel{card: card})
	digest := make([]byte, 32)

	_, err := cs.Sign(context.Background(), KeySlotWallet, digest, emulator.DefaultPassword)
	assert.ErrorIs(t, err, ErrFlightLockNotHeld)
	assert.Empty(t, card.Calls())

	ctx, release, err := NewFlightLock().TryAcquire(context.Background())
	require.NoError(t, err)
	defer release()

	_, err = cs.Sign(ctx, KeySlotWallet, digest, emulator.DefaultPassword)
	assert.NoError(t, err)
}
