package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stoneforge/stoneforge/internal/types"
)

var showCmd = &cobra.Command{
	Use:   "show <id>...",
	Short: "Show element details",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		eventLimit, _ := cmd.Flags().GetInt("events")

		type details struct {
			*types.Element
			Blocked      bool                `json:"blocked"`
			Dependencies []*types.Dependency `json:"dependencies,omitempty"`
			Dependents   []*types.Dependency `json:"dependents,omitempty"`
			Events       []*types.Event      `json:"events,omitempty"`
		}

		var all []*details
		for _, id := range args {
			el, err := store.GetElement(rootCtx, id)
			if err != nil {
				fatal(err)
			}
			d := &details{Element: el}
			d.Dependencies, _ = store.Outgoing(rootCtx, id)
			d.Dependents, _ = store.Incoming(rootCtx, id)
			if el.Type == types.ElementTask && !el.IsTombstone() {
				d.Blocked, _ = store.IsBlocked(rootCtx, id)
			}
			if eventLimit > 0 {
				d.Events, err = store.GetEvents(rootCtx, id, eventLimit)
				if err != nil {
					fatal(err)
				}
			}
			all = append(all, d)
		}

		if jsonOutput {
			if len(all) == 1 {
				printJSON(all[0])
			} else {
				printJSON(all)
			}
			return
		}

		for i, d := range all {
			if i > 0 {
				fmt.Println("\n" + strings.Repeat("-", 60))
			}
			printElement(d.Element, d.Blocked, d.Dependencies, d.Dependents, d.Events)
		}
	},
}

func printElement(el *types.Element, blocked bool, deps, dependents []*types.Dependency, events []*types.Event) {
	fmt.Printf("%s (%s)\n", el.ID, el.Type)
	if el.IsTombstone() {
		fmt.Printf("Deleted: %s by %s", el.DeletedAt.Format("2006-01-02 15:04"), el.DeletedBy)
		if el.DeleteReason != "" {
			fmt.Printf(" (%s)", el.DeleteReason)
		}
		fmt.Println()
	}
	switch {
	case el.Task != nil:
		t := el.Task
		fmt.Printf("Title: %s\n", t.Title)
		fmt.Printf("Status: %s", t.Status)
		if blocked {
			fmt.Print(" [blocked]")
		}
		fmt.Println()
		fmt.Printf("Priority: P%d\n", t.Priority)
		fmt.Printf("Type: %s\n", t.TaskType)
		if t.Assignee != "" {
			fmt.Printf("Assignee: %s\n", t.Assignee)
		}
		if t.ScheduledFor != nil {
			fmt.Printf("Scheduled: %s\n", t.ScheduledFor.Format("2006-01-02 15:04"))
		}
		if t.Status == types.StatusClosed && t.CloseReason != "" {
			fmt.Printf("Close reason: %s\n", t.CloseReason)
		}
		if t.DescriptionRef != "" {
			fmt.Printf("Description: %s\n", t.DescriptionRef)
		}
	case el.Document != nil:
		d := el.Document
		fmt.Printf("Content type: %s\n", d.ContentType)
		fmt.Printf("Version: %d\n", d.Version)
		if d.Category != "" {
			fmt.Printf("Category: %s\n", d.Category)
		}
		if d.Content != "" {
			fmt.Printf("\n%s\n", d.Content)
		}
	}
	if len(el.Tags) > 0 {
		fmt.Printf("Tags: %s\n", strings.Join(el.Tags, ", "))
	}
	if sync := syncStateOf(el); sync != "" {
		fmt.Printf("Linked: %s\n", sync)
	}
	if len(deps) > 0 {
		fmt.Println("\nDepends on:")
		for _, d := range deps {
			fmt.Printf("  %s (%s)\n", d.BlockerID, d.Type)
		}
	}
	if len(dependents) > 0 {
		fmt.Println("\nDepended on by:")
		for _, d := range dependents {
			fmt.Printf("  %s (%s)\n", d.BlockedID, d.Type)
		}
	}
	if len(events) > 0 {
		fmt.Println("\nRecent events:")
		for _, ev := range events {
			fmt.Printf("  %s  %-12s %s", ev.CreatedAt.Format("2006-01-02 15:04"), ev.Kind, ev.Actor)
			if ev.Note != "" {
				fmt.Printf("  %s", ev.Note)
			}
			fmt.Println()
		}
	}
}

func syncStateOf(el *types.Element) string {
	st, ok := el.SyncState()
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s/%s", st.Provider, st.ExternalID)
}

func init() {
	showCmd.Flags().Int("events", 0, "Also show the last N events")
	rootCmd.AddCommand(showCmd)
}
