package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stoneforge/stoneforge/internal/debug"
	"github.com/stoneforge/stoneforge/internal/storage"
	"github.com/stoneforge/stoneforge/internal/types"
)

var closeCmd = &cobra.Command{
	Use:   "close <id>...",
	Short: "Close one or more tasks",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		reason, _ := cmd.Flags().GetString("reason")
		for _, id := range args {
			patch := map[string]any{"status": string(types.StatusClosed)}
			if reason != "" {
				patch["close_reason"] = reason
			}
			el, err := store.UpdateElement(rootCtx, id, patch, storage.UpdateOptions{Actor: getActor()})
			if err != nil {
				fatal(err)
			}
			debug.LogEvent("close", el.ID, reason)
			if !jsonOutput {
				fmt.Printf("Closed %s: %s\n", el.ID, el.Task.Title)
			}
		}
	},
}

var reopenCmd = &cobra.Command{
	Use:   "reopen <id>...",
	Short: "Reopen closed tasks",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		for _, id := range args {
			patch := map[string]any{"status": string(types.StatusOpen)}
			el, err := store.UpdateElement(rootCtx, id, patch, storage.UpdateOptions{Actor: getActor()})
			if err != nil {
				fatal(err)
			}
			debug.LogEvent("reopen", el.ID, "")
			if !jsonOutput {
				fmt.Printf("Reopened %s: %s\n", el.ID, el.Task.Title)
			}
		}
	},
}

func init() {
	closeCmd.Flags().String("reason", "", "Close reason for the audit trail")
	rootCmd.AddCommand(closeCmd, reopenCmd)
}
