package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// rootCmd is a bare Use/Short root that delegates everything to
// subcommands, with SilenceUsage so a subcommand's own error isn't
// followed by a usage dump.
var rootCmd = &cobra.Command{
	Use:          "diod9pd",
	Short:        "9P2000.L distributed I/O daemon core",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file (defaults layered underneath, DIOD9P_ env vars layered on top)")
}
