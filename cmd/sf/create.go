package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/stoneforge/stoneforge/internal/debug"
	"github.com/stoneforge/stoneforge/internal/timeparsing"
	"github.com/stoneforge/stoneforge/internal/types"
)

var createCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a task or document",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		elemType, _ := cmd.Flags().GetString("type")
		tags, _ := cmd.Flags().GetStringSlice("tags")

		el := &types.Element{Tags: tags}
		switch types.ElementType(elemType) {
		case types.ElementTask:
			priority, _ := cmd.Flags().GetInt("priority")
			taskType, _ := cmd.Flags().GetString("task-type")
			assignee, _ := cmd.Flags().GetString("assignee")
			status, _ := cmd.Flags().GetString("status")
			scheduled, _ := cmd.Flags().GetString("scheduled")

			el.Type = types.ElementTask
			el.Task = &types.Task{
				Title:    args[0],
				Status:   types.TaskStatus(status),
				Priority: priority,
				TaskType: types.TaskType(taskType),
				Assignee: assignee,
			}
			if scheduled != "" {
				at, err := timeparsing.ParseRelativeTime(scheduled, time.Now())
				if err != nil {
					fatal(err)
				}
				el.Task.ScheduledFor = &at
			}
		case types.ElementDocument:
			content, _ := cmd.Flags().GetString("content")
			contentType, _ := cmd.Flags().GetString("content-type")
			category, _ := cmd.Flags().GetString("category")

			el.Type = types.ElementDocument
			el.Document = &types.Document{
				ContentType: types.ContentType(contentType),
				Content:     content,
				Version:     1,
				Category:    category,
				Status:      types.DocActive,
			}
			if strings.TrimSpace(args[0]) != "" {
				el.Metadata = map[string]any{"title": args[0]}
			}
		default:
			fatalf("unsupported element type %q (want task or document)", elemType)
		}

		if err := store.CreateElement(rootCtx, el, getActor()); err != nil {
			fatal(err)
		}
		debug.LogEvent("create", el.ID, string(el.Type))

		if jsonOutput {
			printJSON(el)
			return
		}
		fmt.Printf("Created %s %s\n", el.Type, el.ID)
	},
}

func init() {
	createCmd.Flags().String("type", "task", "Element type: task or document")
	createCmd.Flags().IntP("priority", "p", 3, "Priority 1-5 (1 highest, tasks only)")
	createCmd.Flags().String("task-type", "task", "Task type: bug, feature, task, chore")
	createCmd.Flags().StringP("assignee", "a", "", "Assignee (tasks only)")
	createCmd.Flags().String("status", "open", "Initial status (tasks only)")
	createCmd.Flags().String("scheduled", "", "Schedule time: +2d, 2026-09-01, \"next monday\" (tasks only)")
	createCmd.Flags().String("content", "", "Document content (documents only)")
	createCmd.Flags().String("content-type", "markdown", "Content type: text, markdown, json (documents only)")
	createCmd.Flags().String("category", "", "Document category (documents only)")
	createCmd.Flags().StringSlice("tags", nil, "Comma-separated tags")
	rootCmd.AddCommand(createCmd)
}
