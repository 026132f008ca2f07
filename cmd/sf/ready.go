package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stoneforge/stoneforge/internal/types"
)

var readyCmd = &cobra.Command{
	Use:   "ready",
	Short: "List tasks ready to work on (open, unblocked, not scheduled ahead)",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		filter := workFilterFromFlags(cmd)
		elements, err := store.ReadyElements(rootCtx, filter)
		if err != nil {
			fatal(err)
		}
		if jsonOutput {
			printJSON(elements)
			return
		}
		if len(elements) == 0 {
			fmt.Println("No ready work.")
			return
		}
		for _, el := range elements {
			printTaskLine(el)
		}
	},
}

var blockedCmd = &cobra.Command{
	Use:   "blocked",
	Short: "List blocked tasks with their blockers",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		filter := workFilterFromFlags(cmd)
		blocked, err := store.BlockedElements(rootCtx, filter)
		if err != nil {
			fatal(err)
		}
		if jsonOutput {
			printJSON(blocked)
			return
		}
		if len(blocked) == 0 {
			fmt.Println("Nothing is blocked.")
			return
		}
		for _, b := range blocked {
			fmt.Printf("%s  P%d  %s\n", b.ID, b.Task.Priority, b.Task.Title)
			fmt.Printf("    blocked by %s (%s)\n", b.BlockerID, b.Reason)
		}
	},
}

var backlogCmd = &cobra.Command{
	Use:   "backlog",
	Short: "List backlog tasks",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		elements, err := store.BacklogElements(rootCtx)
		if err != nil {
			fatal(err)
		}
		if jsonOutput {
			printJSON(elements)
			return
		}
		if len(elements) == 0 {
			fmt.Println("Backlog is empty.")
			return
		}
		for _, el := range elements {
			printTaskLine(el)
		}
	},
}

func workFilterFromFlags(cmd *cobra.Command) types.WorkFilter {
	assignee, _ := cmd.Flags().GetString("assignee")
	taskType, _ := cmd.Flags().GetString("task-type")
	tags, _ := cmd.Flags().GetStringSlice("tags")
	limit, _ := cmd.Flags().GetInt("limit")
	return types.WorkFilter{
		Assignee: assignee,
		TaskType: types.TaskType(taskType),
		Tags:     tags,
		Limit:    limit,
	}
}

func printTaskLine(el *types.Element) {
	line := fmt.Sprintf("%s  P%d  [%s]  %s", el.ID, el.Task.Priority, el.Task.Status, el.Task.Title)
	if el.Task.Assignee != "" {
		line += "  @" + el.Task.Assignee
	}
	fmt.Println(line)
}

func addWorkFilterFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("assignee", "a", "", "Filter by assignee")
	cmd.Flags().String("task-type", "", "Filter by task type")
	cmd.Flags().StringSlice("tags", nil, "Filter by tags (all must match)")
	cmd.Flags().Int("limit", 0, "Limit the number of results")
}

func init() {
	addWorkFilterFlags(readyCmd)
	addWorkFilterFlags(blockedCmd)
	rootCmd.AddCommand(readyCmd, blockedCmd, backlogCmd)
}
