package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stoneforge/stoneforge/internal/debug"
	"github.com/stoneforge/stoneforge/internal/extsync"
	"github.com/stoneforge/stoneforge/internal/types"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize linked elements with external providers",
}

var syncPushCmd = &cobra.Command{
	Use:   "push [id...]",
	Short: "Push local changes to external providers",
	Run: func(cmd *cobra.Command, args []string) {
		runSync(cmd, args, func(eng *extsync.Engine, opts extsync.Options) ([]*extsync.Result, error) {
			return eng.Push(rootCtx, opts)
		})
	},
}

var syncPullCmd = &cobra.Command{
	Use:   "pull [id...]",
	Short: "Pull remote changes from external providers",
	Run: func(cmd *cobra.Command, args []string) {
		runSync(cmd, args, func(eng *extsync.Engine, opts extsync.Options) ([]*extsync.Result, error) {
			return eng.Pull(rootCtx, opts)
		})
	},
}

var syncRunCmd = &cobra.Command{
	Use:   "run [id...]",
	Short: "Bidirectional sync with conflict resolution",
	Run: func(cmd *cobra.Command, args []string) {
		runSync(cmd, args, func(eng *extsync.Engine, opts extsync.Options) ([]*extsync.Result, error) {
			return eng.Sync(rootCtx, opts)
		})
	},
}

func syncOptionsFromFlags(cmd *cobra.Command, ids []string) extsync.Options {
	providerName, _ := cmd.Flags().GetString("provider")
	adapter, _ := cmd.Flags().GetString("adapter")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	force, _ := cmd.Flags().GetBool("force")
	createMissing, _ := cmd.Flags().GetBool("create-missing")
	strategy, _ := cmd.Flags().GetString("strategy")
	if strategy == "" {
		strategy = cfg.Sync.ConflictStrategy
	}
	return extsync.Options{
		ElementIDs:       ids,
		All:              len(ids) == 0,
		Provider:         providerName,
		AdapterType:      types.AdapterType(adapter),
		DryRun:           dryRun,
		Force:            force,
		CreateMissing:    createMissing,
		ConflictStrategy: extsync.ConflictStrategy(strategy),
	}
}

func runSync(cmd *cobra.Command, args []string, fn func(*extsync.Engine, extsync.Options) ([]*extsync.Result, error)) {
	eng := newEngine()
	opts := syncOptionsFromFlags(cmd, args)
	results, err := fn(eng, opts)
	if err != nil {
		fatal(err)
	}
	for _, res := range results {
		debug.LogEvent("sync-"+cmd.Name(), "",
			fmt.Sprintf("provider=%s pushed=%d pulled=%d skipped=%d conflicts=%d errors=%d",
				res.Provider, res.Pushed, res.Pulled, res.Skipped, len(res.Conflicts), len(res.Errors)))
	}
	if jsonOutput {
		printJSON(results)
		return
	}
	for _, res := range results {
		printSyncResult(res)
	}
}

func printSyncResult(res *extsync.Result) {
	label := res.Provider
	if res.Project != "" {
		label += "/" + res.Project
	}
	mode := ""
	if res.DryRun {
		mode = " (dry run)"
	}
	fmt.Printf("%s%s: pushed %d, pulled %d, skipped %d\n", label, mode, res.Pushed, res.Pulled, res.Skipped)
	for _, c := range res.Conflicts {
		fmt.Printf("  conflict %s <-> %s resolved %s (%s)\n", c.ElementID, c.ExternalID, c.Resolution, c.Strategy)
	}
	for _, e := range res.Errors {
		fmt.Fprintf(os.Stderr, "  error: %v\n", e)
	}
}

var linkCmd = &cobra.Command{
	Use:   "link <id> <provider> [external-ref]",
	Short: "Link an element to an external resource (creates one when no ref is given)",
	Args:  cobra.RangeArgs(2, 3),
	Run: func(cmd *cobra.Command, args []string) {
		all, _ := cmd.Flags().GetBool("all")
		if all {
			eng := newEngine()
			opts := syncOptionsFromFlags(cmd, nil)
			linked, skipped, err := eng.LinkAll(rootCtx, args[1], opts)
			if err != nil {
				fatal(err)
			}
			if !jsonOutput {
				fmt.Printf("Linked %d, skipped %d\n", linked, skipped)
			}
			return
		}
		ref := ""
		if len(args) == 3 {
			ref = args[2]
		}
		if err := newEngine().Link(rootCtx, args[0], args[1], ref); err != nil {
			fatal(err)
		}
		debug.LogEvent("link", args[0], args[1])
		if !jsonOutput {
			fmt.Printf("Linked %s to %s\n", args[0], args[1])
		}
	},
}

var unlinkCmd = &cobra.Command{
	Use:   "unlink <id>",
	Short: "Unlink an element from its external resource",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := newEngine().Unlink(rootCtx, args[0]); err != nil {
			fatal(err)
		}
		debug.LogEvent("unlink", args[0], "")
		if !jsonOutput {
			fmt.Printf("Unlinked %s\n", args[0])
		}
	},
}

func addSyncFlags(cmd *cobra.Command) {
	cmd.Flags().String("provider", "", "Restrict to one provider (default: all configured)")
	cmd.Flags().String("adapter", "", "Adapter kind: task, document, message (default task)")
	cmd.Flags().Bool("dry-run", false, "Report what would happen without writing")
	cmd.Flags().Bool("force", false, "Push even when change detection says clean")
	cmd.Flags().Bool("create-missing", false, "Pull: create local elements for unmatched remote items")
	cmd.Flags().String("strategy", "", "Conflict strategy: LAST_WRITE_WINS, LOCAL_WINS, REMOTE_WINS, MANUAL")
}

func init() {
	addSyncFlags(syncPushCmd)
	addSyncFlags(syncPullCmd)
	addSyncFlags(syncRunCmd)
	syncCmd.AddCommand(syncPushCmd, syncPullCmd, syncRunCmd)

	linkCmd.Flags().Bool("all", false, "Link every unlinked element of the adapter kind; first arg is ignored, pass '-'")
	addSyncFlags(linkCmd)
	rootCmd.AddCommand(syncCmd, linkCmd, unlinkCmd)
}
