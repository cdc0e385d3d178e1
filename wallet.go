// Package tapsign reads addresses from and signs Ethereum transactions with keys
// held on a secure-element card reached through a local relay, a paired phone or
// a reader attached to this machine.
package tapsign

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/status-im/tapsign-go/config"
	"github.com/status-im/tapsign-go/logging"
	"github.com/status-im/tapsign-go/metrics"
	"github.com/status-im/tapsign-go/transport"
	"github.com/status-im/tapsign-go/types"
)

// Wallet is the entry point used by applications.
type Wallet struct {
	selector  *Selector
	discovery *Discovery
	signer    *Signer
	logger    *zap.Logger
}

func NewWallet(selector *Selector, discovery *Discovery, signer *Signer, logger *zap.Logger) *Wallet {
	return &Wallet{
		selector:  selector,
		discovery: discovery,
		signer:    signer,
		logger:    logging.OrNop(logger),
	}
}

// NewWalletFromConfig wires every transport from cfg.
func NewWalletFromConfig(cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) (*Wallet, error) {
	aid, err := hex.DecodeString(cfg.Direct.AID)
	if err != nil {
		return nil, fmt.Errorf("invalid applet aid: %w", err)
	}

	opts := transport.Options{
		CardTimeout:    cfg.Timeouts.Card,
		CommandTimeout: cfg.Timeouts.Command,
		Logger:         logger,
		Metrics:        m,
	}

	factories := Factories{
		Relay: func() types.Session {
			return transport.NewRelaySession(cfg.Relay.URL, cfg.Relay.Origin, opts)
		},
		Cloud: func() *transport.CloudSession {
			return transport.NewCloudSession(cfg.Gateway.URL, cfg.Gateway.ExecutorURL, opts)
		},
		Direct: func() (types.Session, error) {
			reader, err := transport.NewPCSCReader()
			if err != nil {
				return nil, fmt.Errorf("%w: %v", types.ErrDirectUnavailable, err)
			}
			return transport.NewDirectSession(reader, cfg.Direct.Reader, aid, opts), nil
		},
	}

	selector := NewSelector(cfg.Mode, cfg.NativeNFC, factories, logger)
	return NewWallet(selector, NewDiscovery(logger, m), NewSigner(nil, logger, m), logger), nil
}

// GetAddress scans the card and returns its highest priority key slot.
func (w *Wallet) GetAddress(ctx context.Context) (*types.KeySlot, error) {
	res, err := w.Scan(ctx)
	if err != nil {
		return nil, err
	}

	slot, err := SelectKeySlot(res.Slots)
	if err != nil {
		return nil, err
	}

	w.logger.Info("key slot selected", zap.Int("slot", slot.SlotNumber), zap.String("address", slot.Address.Hex()))
	return &slot, nil
}

// Scan returns every usable slot together with the card's latch and graffiti data.
func (w *Wallet) Scan(ctx context.Context) (*ScanResult, error) {
	sess, err := w.selector.Open(ctx)
	if err != nil {
		return nil, err
	}

	return w.discovery.Scan(ctx, sess)
}

// SignTransaction signs tx with slot and returns the 0x prefixed serialized
// transaction, ready to broadcast.
func (w *Wallet) SignTransaction(ctx context.Context, tx *ethtypes.Transaction, slot types.KeySlot, pin string) (string, error) {
	sess, err := w.selector.Open(ctx)
	if err != nil {
		return "", err
	}

	raw, err := w.signer.Sign(ctx, sess, tx, slot, pin)
	if err != nil {
		return "", err
	}

	return hexutil.Encode(raw), nil
}

// StartPairing begins phone pairing and returns the link and QR code to show.
func (w *Wallet) StartPairing(ctx context.Context) (*types.PairingInfo, error) {
	cloud, err := w.selector.Cloud()
	if err != nil {
		return nil, err
	}
	return cloud.StartPairing(ctx)
}

// WaitForPairedConnection blocks until the phone joins or ctx ends.
func (w *Wallet) WaitForPairedConnection(ctx context.Context) error {
	cloud, err := w.selector.Cloud()
	if err != nil {
		return err
	}
	return cloud.WaitConnected(ctx)
}

func (w *Wallet) RetryAfterConsent(ctx context.Context) error {
	_, err := w.selector.RetryAfterConsent(ctx)
	return err
}

func (w *Wallet) DenyConsent() {
	w.selector.DenyConsent()
}

func (w *Wallet) Consent() types.ConsentRequest {
	return w.selector.Consent()
}

func (w *Wallet) Close() error {
	return w.selector.Close()
}
