package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	tapsign "github.com/status-im/tapsign-go"
	"github.com/status-im/tapsign-go/types"
)

var qrOut string

func newWallet() (*tapsign.Wallet, error) {
	return tapsign.NewWalletFromConfig(state.cfg, state.logger, state.metrics)
}

// withCard runs fn and walks the user through relay consent or phone pairing
// when fn needs them, then runs fn once more.
func withCard(ctx context.Context, w *tapsign.Wallet, p *Printer, in io.Reader, fn func() error) error {
	err := fn()

	var required *types.ConsentRequiredError
	switch {
	case errors.As(err, &required):
		p.Notice("The relay needs your approval. Open %s, allow this site and press enter.", required.ConsentURL)
		if err := waitEnter(in); err != nil {
			return err
		}
		if err := w.RetryAfterConsent(ctx); err != nil {
			return err
		}
		return fn()
	case errors.Is(err, types.ErrNotPaired):
		if err := pair(ctx, w, p); err != nil {
			return err
		}
		return fn()
	default:
		return err
	}
}

func pair(ctx context.Context, w *tapsign.Wallet, p *Printer) error {
	info, err := w.StartPairing(ctx)
	if err != nil {
		return err
	}

	if qrOut != "" {
		if err := os.WriteFile(qrOut, info.QRCode, 0o600); err != nil {
			return fmt.Errorf("writing qr code: %w", err)
		}
		p.Notice("Scan the QR code in %s with your phone, or open:", qrOut)
	} else {
		p.Notice("Open this link on your phone:")
	}
	p.Notice("  %s", info.URL)
	p.Notice("Waiting for the phone to join...")

	return w.WaitForPairedConnection(ctx)
}

func waitEnter(in io.Reader) error {
	_, err := bufio.NewReader(in).ReadString('\n')
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
