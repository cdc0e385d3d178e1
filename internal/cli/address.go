package cli

import (
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	tapsign "github.com/status-im/tapsign-go"
)

var addressCmd = &cobra.Command{
	Use:   "address",
	Short: "Scan the card and print the address of its preferred key slot",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		w, err := newWallet()
		if err != nil {
			return err
		}
		defer w.Close()

		p := printer()
		p.Notice("Tap your card...")

		var res *tapsign.ScanResult
		err = withCard(ctx, w, p, os.Stdin, func() error {
			var err error
			res, err = w.Scan(ctx)
			return err
		})
		if err != nil {
			return err
		}

		slot, err := tapsign.SelectKeySlot(res.Slots)
		if err != nil {
			return err
		}

		return p.Print(map[string]interface{}{
			"address":         slot.Address.Hex(),
			"slot":            slot.SlotNumber,
			"public_key":      slot.PublicKey,
			"has_attestation": slot.HasAttestation,
			"slots_found":     len(res.Slots),
			"graffiti":        res.Info.Graffiti,
		}, []string{"address", "slot", "public_key", "has_attestation", "slots_found", "graffiti"})
	},
}

func init() {
	addressCmd.Flags().StringVar(&qrOut, "qr-out", "", "write the pairing QR code PNG here")
}
