package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	tapsign "github.com/status-im/tapsign-go"
	"github.com/status-im/tapsign-go/internal/emulator"
)

var (
	emulateRelayAddr   string
	emulateGatewayAddr string
	emulatePassword    string
	emulateSlots       []int
	emulateConsent     bool
)

var emulateCmd = &cobra.Command{
	Use:   "emulate",
	Short: "Run a software card behind an emulated relay and gateway",
	Long: `Emulate generates fresh keys in the requested slots and serves them through
a relay on --relay-addr and a pairing gateway on --gateway-addr, for trying the
other commands without hardware. A phone joining a pairing session is
simulated by requesting /join?link=<pairing link> on the gateway address.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		logger := state.logger
		p := printer()

		card := emulator.NewCard(emulatePassword)
		for _, slot := range emulateSlots {
			key, err := card.GenerateKey(slot, slot != tapsign.KeySlotSystem)
			if err != nil {
				return err
			}
			p.Notice("slot %d: %s", slot, crypto.PubkeyToAddress(key.PublicKey).Hex())
		}

		relay := emulator.NewRelayServer(card, logger)
		relay.RequireConsent(emulateConsent)
		relay.Present()

		gateway := emulator.NewGatewayServer(logger)
		gatewayMux := http.NewServeMux()
		gatewayMux.Handle("/ws", gateway.Handler())
		gatewayMux.HandleFunc("/join", func(w http.ResponseWriter, r *http.Request) {
			link := r.URL.Query().Get("link")
			if _, err := emulator.JoinSession(ctx, "ws://"+emulateGatewayAddr+"/ws", link, card, logger); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			fmt.Fprintln(w, "phone joined")
		})

		servers := []*http.Server{
			{Addr: emulateRelayAddr, Handler: relay.Handler(), ReadHeaderTimeout: 5 * time.Second},
			{Addr: emulateGatewayAddr, Handler: gatewayMux, ReadHeaderTimeout: 5 * time.Second},
		}

		errc := make(chan error, len(servers))
		for _, srv := range servers {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			logger.Info("emulator listening", zap.String("addr", ln.Addr().String()))
			go func(srv *http.Server) {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errc <- err
				}
			}(srv)
		}

		var err error
		select {
		case <-ctx.Done():
		case err = <-errc:
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for _, srv := range servers {
			_ = srv.Shutdown(shutdownCtx)
		}

		return err
	},
}

func init() {
	flags := emulateCmd.Flags()
	flags.StringVar(&emulateRelayAddr, "relay-addr", "127.0.0.1:32868", "relay listen address")
	flags.StringVar(&emulateGatewayAddr, "gateway-addr", "127.0.0.1:32869", "gateway listen address")
	flags.StringVar(&emulatePassword, "password", emulator.DefaultPassword, "card password")
	flags.IntSliceVar(&emulateSlots, "slots", []int{tapsign.KeySlotWallet, tapsign.KeySlotPreloaded, tapsign.KeySlotSystem}, "key slots to generate")
	flags.BoolVar(&emulateConsent, "require-consent", false, "require origins to be approved on /consent")
}
