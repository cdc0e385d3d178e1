package cli

import (
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	tapsign "github.com/status-im/tapsign-go"
)

var pairCmd = &cobra.Command{
	Use:   "pair",
	Short: "Pair a phone through the gateway and read the card's address with it",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		w, err := newWallet()
		if err != nil {
			return err
		}
		defer w.Close()

		p := printer()
		if err := pair(ctx, w, p); err != nil {
			return err
		}
		p.Notice("Phone paired. Tap your card on the phone...")

		slot, err := w.GetAddress(ctx)
		if err != nil {
			return tapsign.WithPhase(err, tapsign.PhaseApproving)
		}

		return p.Print(map[string]interface{}{
			"address": slot.Address.Hex(),
			"slot":    slot.SlotNumber,
		}, []string{"address", "slot"})
	},
}

func init() {
	pairCmd.Flags().StringVar(&qrOut, "qr-out", "", "write the pairing QR code PNG here")
}
