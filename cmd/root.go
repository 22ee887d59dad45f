// Package cmd wires the collector, storefront and admin commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"cncvn/api/config"
	"cncvn/api/logger"
)

var (
	cfgFile string
	cfg     *config.Config
	log     zerolog.Logger
)

// RootCmd is the base command; every subcommand registers itself in init.
var RootCmd = &cobra.Command{
	Use:   "cncvn",
	Short: "Analytics collector and storefront for cncvn.vn",
	Long: `cncvn runs the analytics collector API, the demo storefront that feeds it,
and the admin tasks (migrations, dashboard accounts) around them.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = loaded
		log = logger.New(cfg.Log.Level, cfg.Log.Console, os.Stdout)
		return nil
	},
}

// Execute is called from main.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error executing command: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./configs/config.yaml)")
}
