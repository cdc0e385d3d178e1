package cli

import (
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	tapsign "github.com/status-im/tapsign-go"
	"github.com/status-im/tapsign-go/types"
)

var (
	signTxFile string
	signPIN    string
	signSlot   int
	rpcURL     string
	broadcast  bool
)

var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "Sign a transaction with the card",
	Long: `Sign reads an unsigned transaction as JSON (chainId, nonce, to, value, data,
gas and either gasPrice or maxFeePerGas/maxPriorityFeePerGas, hex encoded),
signs it with the card's preferred key slot and prints the raw transaction.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		data, err := os.ReadFile(signTxFile)
		if err != nil {
			return err
		}

		req, err := tapsign.ParseTxRequest(data)
		if err != nil {
			return fmt.Errorf("invalid transaction: %w", err)
		}

		tx, err := req.Transaction()
		if err != nil {
			return err
		}

		if signPIN == "" {
			signPIN = os.Getenv("TAPSIGN_PIN")
		}

		w, err := newWallet()
		if err != nil {
			return err
		}
		defer w.Close()

		p := printer()
		p.Notice("Tap your card...")

		var slot types.KeySlot
		err = withCard(ctx, w, p, os.Stdin, func() error {
			res, err := w.Scan(ctx)
			if err != nil {
				return err
			}
			slot, err = pickSlot(res.Slots, signSlot)
			return err
		})
		if err != nil {
			return tapsign.WithPhase(err, tapsign.PhaseApproving)
		}

		p.Notice("Signing with %s, tap your card again...", slot)
		rawTx, err := w.SignTransaction(ctx, tx, slot, signPIN)
		if err != nil {
			return tapsign.WithPhase(err, tapsign.PhaseSigning)
		}

		out := map[string]interface{}{
			"from":   slot.Address.Hex(),
			"raw_tx": rawTx,
		}
		order := []string{"from", "raw_tx"}

		if broadcast {
			if rpcURL == "" {
				return errors.New("--rpc-url is required with --broadcast")
			}

			b, err := dialBroadcaster(ctx, rpcURL)
			if err != nil {
				return tapsign.WithPhase(err, tapsign.PhaseBroadcasting)
			}
			defer b.Close()

			hash, err := b.Broadcast(ctx, rawTx)
			if err != nil {
				return tapsign.WithPhase(err, tapsign.PhaseBroadcasting)
			}
			out["tx_hash"] = hash.Hex()
			order = append(order, "tx_hash")
		}

		return p.Print(out, order)
	},
}

// pickSlot returns the requested slot, or the preferred one when want is 0.
func pickSlot(slots []types.KeySlot, want int) (types.KeySlot, error) {
	if want == 0 {
		return tapsign.SelectKeySlot(slots)
	}

	for _, s := range slots {
		if s.SlotNumber == want {
			return s, nil
		}
	}

	return types.KeySlot{}, fmt.Errorf("slot %d not found on the card", want)
}

func init() {
	flags := signCmd.Flags()
	flags.StringVar(&signTxFile, "tx", "", "unsigned transaction JSON file")
	flags.StringVar(&signPIN, "pin", "", "card password (or TAPSIGN_PIN)")
	flags.IntVar(&signSlot, "slot", 0, "key slot to sign with (default: preferred slot)")
	flags.BoolVar(&broadcast, "broadcast", false, "send the signed transaction")
	flags.StringVar(&rpcURL, "rpc-url", "", "JSON-RPC endpoint used with --broadcast")
	flags.StringVar(&qrOut, "qr-out", "", "write the pairing QR code PNG here")
	_ = signCmd.MarkFlagRequired("tx")
}
