package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stoneforge/stoneforge/internal/debug"
	"github.com/stoneforge/stoneforge/internal/jsonl"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export elements and dependencies to JSONL",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		full, _ := cmd.Flags().GetBool("full")
		dir, _ := cmd.Flags().GetString("dir")
		if dir == "" {
			dir = exportDir()
		}
		res, err := jsonl.Export(rootCtx, store, dir, jsonl.ExportOptions{Full: full})
		if err != nil {
			fatal(err)
		}
		debug.LogEvent("export", "", fmt.Sprintf("elements=%d deps=%d", res.Elements, res.Dependencies))
		if jsonOutput {
			printJSON(res)
			return
		}
		mode := "incremental"
		if full {
			mode = "full"
		}
		fmt.Printf("Exported %d elements, %d dependencies to %s (%s)\n",
			res.Elements, res.Dependencies, dir, mode)
	},
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import elements and dependencies from JSONL",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		dir, _ := cmd.Flags().GetString("dir")
		if dir == "" {
			dir = exportDir()
		}
		res, err := jsonl.Import(rootCtx, store, dir, jsonl.ImportOptions{
			DryRun: dryRun,
			Actor:  getActor(),
		})
		if err != nil {
			fatal(err)
		}
		debug.LogEvent("import", "", fmt.Sprintf("created=%d updated=%d skipped=%d", res.Created, res.Updated, res.Skipped))
		if jsonOutput {
			printJSON(res)
			return
		}
		fmt.Printf("Imported: %d created, %d updated, %d skipped, %d dependencies\n",
			res.Created, res.Updated, res.Skipped, res.Dependencies)
		for _, m := range res.Malformed {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", m)
		}
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store statistics and export state",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		stats, err := store.Statistics(rootCtx)
		if err != nil {
			fatal(err)
		}
		js, err := jsonl.GetStatus(rootCtx, store)
		if err != nil {
			fatal(err)
		}
		if jsonOutput {
			printJSON(map[string]any{"statistics": stats, "export": js})
			return
		}
		fmt.Printf("Elements: %d total (%d tombstones)\n", stats.TotalElements, stats.Tombstones)
		fmt.Printf("Tasks: %d open, %d in progress, %d closed, %d backlog\n",
			stats.OpenTasks, stats.InProgress, stats.ClosedTasks, stats.BacklogTasks)
		fmt.Printf("Work: %d ready, %d blocked\n", stats.ReadyTasks, stats.BlockedTasks)
		fmt.Printf("Dependencies: %d\n", stats.Dependencies)
		if js.Pending {
			fmt.Printf("Export: %d of %d elements pending\n", js.Dirty, js.Total)
		} else {
			fmt.Println("Export: up to date")
		}
	},
}

func init() {
	exportCmd.Flags().Bool("full", false, "Rewrite the whole export instead of merging dirty elements")
	exportCmd.Flags().String("dir", "", "Export directory (default from config)")
	importCmd.Flags().Bool("dry-run", false, "Report changes without writing")
	importCmd.Flags().String("dir", "", "Import directory (default from config)")
	rootCmd.AddCommand(exportCmd, importCmd, statusCmd)
}
