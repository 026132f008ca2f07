package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration (tokens redacted)",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if jsonOutput {
			printJSON(cfg)
			return
		}
		out, err := cfg.Dump()
		if err != nil {
			fatal(err)
		}
		fmt.Print(out)
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
