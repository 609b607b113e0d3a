package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time (-ldflags "-X .../cmd.Version=...");
// "dev" otherwise.
var Version = "dev"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(Version)
			return nil
		},
	}
}

var versionCmd = newVersionCmd()

func init() {
	rootCmd.AddCommand(versionCmd)
}
