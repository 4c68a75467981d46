package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/quote-desk/internal/config"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:           "quote-desk",
	Short:         "Freight quotation case orchestration",
	Long:          "Tracks quotation requests from inbound thread to sent offer: gaps, pricing runs, versions and idempotent delivery.",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		applyLogFlags(cmd, &c.Log)
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}
		zap.L().Debug("config loaded",
			zap.String("command", cmd.CommandPath()),
			zap.String("store_driver", cfg.Store.Driver),
			zap.String("version", version),
		)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

// applyLogFlags lets --log-level and --log-format override the loaded config
// when they are set explicitly.
func applyLogFlags(cmd *cobra.Command, log *config.LogConfig) {
	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		log.Level = f.Value.String()
	}
	if f := cmd.Flags().Lookup("log-format"); f != nil && f.Changed {
		log.Format = f.Value.String()
	}
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "", "override log.level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "override log.format (json, console)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
