package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/status-im/tapsign-go/config"
	"github.com/status-im/tapsign-go/logging"
	"github.com/status-im/tapsign-go/metrics"
)

// app holds what every subcommand needs once flags are parsed.
type app struct {
	v          *viper.Viper
	configFile string
	output     string

	cfg           *config.Config
	logger        *zap.Logger
	registry      *prometheus.Registry
	metrics       *metrics.Metrics
	metricsServer *http.Server
}

var state = &app{v: viper.New()}

var rootCmd = &cobra.Command{
	Use:   "tapsign",
	Short: "Read addresses from and sign transactions with a tap-to-sign card",
	Long: `tapsign talks to a secure-element card holding Ethereum keys. The card is
reached through the local relay bridging a USB reader, through a phone paired
over a hosted gateway, or through a reader attached to this machine.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	PersistentPostRun: teardown,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&state.configFile, "config", "", "config file (yaml)")
	flags.StringVarP(&state.output, "output", "o", "text", "output format (text, json)")
	flags.String("mode", config.ModeAuto, "transport: auto, relay, cloud or direct")
	flags.Bool("native-nfc", false, "this device has a built-in NFC reader")
	flags.String("relay-url", config.DefaultRelayURL, "local relay websocket")
	flags.String("origin", config.DefaultOrigin, "origin presented to the relay")
	flags.String("gateway-url", config.DefaultGatewayURL, "pairing gateway websocket")
	flags.String("executor-url", config.DefaultExecutorURL, "page the phone opens to pair")
	flags.String("reader", "", "PC/SC reader name for direct mode")
	flags.Duration("card-timeout", config.DefaultCardTimeout, "how long to wait for a card")
	flags.Duration("command-timeout", config.DefaultCommandTimeout, "how long to wait for each command")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("dev", false, "human readable logs")
	flags.String("metrics-addr", "", "serve prometheus metrics on this address")

	bind := map[string]string{
		"mode":                 "mode",
		"native_nfc":           "native-nfc",
		"relay.url":            "relay-url",
		"relay.origin":         "origin",
		"gateway.url":          "gateway-url",
		"gateway.executor_url": "executor-url",
		"direct.reader":        "reader",
		"timeouts.card":        "card-timeout",
		"timeouts.command":     "command-timeout",
		"logging.level":        "log-level",
		"logging.development":  "dev",
		"metrics.addr":         "metrics-addr",
	}
	for key, flag := range bind {
		_ = state.v.BindPFlag(key, flags.Lookup(flag))
	}

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(addressCmd)
	rootCmd.AddCommand(signCmd)
	rootCmd.AddCommand(pairCmd)
	rootCmd.AddCommand(emulateCmd)
}

func setup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(state.v, state.configFile)
	if err != nil {
		return err
	}
	state.cfg = cfg

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		Component:   "tapsign",
	})
	if err != nil {
		return err
	}
	state.logger = logger

	state.registry = prometheus.NewRegistry()
	state.metrics = metrics.New(state.registry)

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(state.registry, promhttp.HandlerOpts{}))
		state.metricsServer = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := state.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
		logger.Info("serving metrics", zap.String("addr", cfg.Metrics.Addr))
	}

	return nil
}

func teardown(cmd *cobra.Command, args []string) {
	if state.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = state.metricsServer.Shutdown(ctx)
	}
	if state.logger != nil {
		_ = state.logger.Sync()
	}
}

func printer() *Printer {
	return NewPrinter(state.output, os.Stdout, os.Stderr)
}
