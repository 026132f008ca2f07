package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/stoneforge/stoneforge/internal/debug"
	"github.com/stoneforge/stoneforge/internal/storage"
	"github.com/stoneforge/stoneforge/internal/timeparsing"
)

var updateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Update element fields",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		patch := map[string]any{}
		for _, name := range []string{"title", "status", "assignee", "task-type", "content", "category"} {
			if cmd.Flags().Changed(name) {
				v, _ := cmd.Flags().GetString(name)
				key := name
				if name == "task-type" {
					key = "task_type"
				}
				patch[key] = v
			}
		}
		if cmd.Flags().Changed("priority") {
			v, _ := cmd.Flags().GetInt("priority")
			patch["priority"] = v
		}
		if cmd.Flags().Changed("scheduled") {
			v, _ := cmd.Flags().GetString("scheduled")
			if v == "" {
				patch["scheduled_for"] = nil
			} else {
				at, err := timeparsing.ParseRelativeTime(v, time.Now())
				if err != nil {
					fatal(err)
				}
				patch["scheduled_for"] = at
			}
		}
		if cmd.Flags().Changed("tags") {
			v, _ := cmd.Flags().GetStringSlice("tags")
			patch["tags"] = v
		}
		if len(patch) == 0 {
			fatalf("nothing to update: pass at least one field flag")
		}

		opts := storage.UpdateOptions{Actor: getActor()}
		if cmd.Flags().Changed("if-updated-at") {
			raw, _ := cmd.Flags().GetString("if-updated-at")
			ts, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				fatalf("parsing --if-updated-at: %v", err)
			}
			opts.ExpectedUpdatedAt = &ts
		}

		el, err := store.UpdateElement(rootCtx, args[0], patch, opts)
		if err != nil {
			fatal(err)
		}
		debug.LogEvent("update", el.ID, fmt.Sprintf("%d fields", len(patch)))

		if jsonOutput {
			printJSON(el)
			return
		}
		fmt.Printf("Updated %s\n", el.ID)
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Soft-delete an element (leaves a tombstone)",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		reason, _ := cmd.Flags().GetString("reason")
		err := store.DeleteElement(rootCtx, args[0], storage.DeleteOptions{
			Actor:  getActor(),
			Reason: reason,
		})
		if err != nil {
			fatal(err)
		}
		debug.LogEvent("delete", args[0], reason)
		if !jsonOutput {
			fmt.Printf("Deleted %s\n", args[0])
		}
	},
}

func init() {
	updateCmd.Flags().String("title", "", "New title (tasks)")
	updateCmd.Flags().String("status", "", "New status")
	updateCmd.Flags().IntP("priority", "p", 0, "New priority 1-5 (tasks)")
	updateCmd.Flags().StringP("assignee", "a", "", "New assignee (tasks)")
	updateCmd.Flags().String("task-type", "", "New task type (tasks)")
	updateCmd.Flags().String("scheduled", "", "New schedule time; empty string clears it (tasks)")
	updateCmd.Flags().String("content", "", "New content; materializes a new version (documents)")
	updateCmd.Flags().String("category", "", "New category (documents)")
	updateCmd.Flags().StringSlice("tags", nil, "Replace the tag set")
	updateCmd.Flags().String("if-updated-at", "", "Optimistic concurrency: fail unless stored updated_at matches (RFC3339)")
	deleteCmd.Flags().String("reason", "", "Deletion reason for the tombstone")
	rootCmd.AddCommand(updateCmd, deleteCmd)
}
