package cli

import (
	"runtime"

	"github.com/spf13/cobra"
)

// Version information, set with -ldflags "-X github.com/status-im/tapsign-go/internal/cli.Version=x.y.z"
var (
	Version   = "dev"
	GitCommit = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printer().Print(map[string]interface{}{
			"version":    Version,
			"commit":     GitCommit,
			"go_version": runtime.Version(),
			"os":         runtime.GOOS,
			"arch":       runtime.GOARCH,
		}, []string{"version", "commit", "go_version", "os", "arch"})
	},
}
