package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stoneforge/stoneforge/internal/debug"
	"github.com/stoneforge/stoneforge/internal/storage"
	"github.com/stoneforge/stoneforge/internal/types"
)

var depCmd = &cobra.Command{
	Use:   "dep",
	Short: "Manage dependencies between elements",
}

var depAddCmd = &cobra.Command{
	Use:   "add <blocked-id> <blocker-id>",
	Short: "Add a dependency edge (blocked waits on blocker)",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		depType, _ := cmd.Flags().GetString("type")
		dep := &types.Dependency{
			BlockedID: args[0],
			BlockerID: args[1],
			Type:      types.DependencyType(depType),
		}
		if err := store.AddDependency(rootCtx, dep, getActor()); err != nil {
			fatal(err)
		}
		debug.LogEvent("dep-add", dep.BlockedID, fmt.Sprintf("%s %s", dep.Type, dep.BlockerID))
		if !jsonOutput {
			fmt.Printf("%s now %s %s\n", dep.BlockedID, dep.Type, dep.BlockerID)
		}
	},
}

var depRmCmd = &cobra.Command{
	Use:   "rm <blocked-id> <blocker-id>",
	Short: "Remove a dependency edge",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		depType, _ := cmd.Flags().GetString("type")
		err := store.RemoveDependency(rootCtx, args[0], args[1], types.DependencyType(depType), getActor())
		if err != nil {
			fatal(err)
		}
		debug.LogEvent("dep-rm", args[0], fmt.Sprintf("%s %s", depType, args[1]))
		if !jsonOutput {
			fmt.Printf("Removed %s edge %s -> %s\n", depType, args[0], args[1])
		}
	},
}

var depTreeCmd = &cobra.Command{
	Use:   "tree <id>",
	Short: "Show the dependency tree of an element",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		up, _ := cmd.Flags().GetBool("up")
		depth, _ := cmd.Flags().GetInt("depth")
		opts := storage.TreeOptions{Direction: storage.TreeDown, MaxDepth: depth}
		if up {
			opts.Direction = storage.TreeUp
		}
		nodes, err := store.DependencyTree(rootCtx, args[0], opts)
		if err != nil {
			fatal(err)
		}
		if jsonOutput {
			printJSON(nodes)
			return
		}
		for _, n := range nodes {
			indent := strings.Repeat("  ", n.Depth)
			line := fmt.Sprintf("%s%s", indent, n.ID)
			if n.Title != "" {
				line += "  " + n.Title
			}
			if n.Status != "" {
				line += fmt.Sprintf("  [%s]", n.Status)
			}
			if n.Truncated {
				line += "  ..."
			}
			fmt.Println(line)
		}
	},
}

var gateCmd = &cobra.Command{
	Use:   "gate",
	Short: "Operate on awaits-edge gates",
}

var gateApproveCmd = &cobra.Command{
	Use:   "approve <blocked-id> <blocker-id>",
	Short: "Record an approval on an awaits gate",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		if err := store.RecordApproval(rootCtx, args[0], args[1], getActor()); err != nil {
			fatal(err)
		}
		if !jsonOutput {
			fmt.Printf("Recorded approval on %s -> %s\n", args[0], args[1])
		}
	},
}

var gateSatisfyCmd = &cobra.Command{
	Use:   "satisfy <blocked-id> <blocker-id>",
	Short: "Satisfy an awaits gate from an external source",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		source, _ := cmd.Flags().GetString("source")
		if source == "" {
			source = getActor()
		}
		if err := store.SatisfyGate(rootCtx, args[0], args[1], source); err != nil {
			fatal(err)
		}
		if !jsonOutput {
			fmt.Printf("Gate satisfied on %s -> %s\n", args[0], args[1])
		}
	},
}

func init() {
	depAddCmd.Flags().String("type", string(types.DepBlocks), "Dependency type (blocks, parent-child, awaits, relates-to, ...)")
	depRmCmd.Flags().String("type", string(types.DepBlocks), "Dependency type of the edge to remove")
	depTreeCmd.Flags().Bool("up", false, "Walk toward dependents instead of blockers")
	depTreeCmd.Flags().Int("depth", 0, "Maximum depth (default 10)")
	gateSatisfyCmd.Flags().String("source", "", "External source satisfying the gate")
	depCmd.AddCommand(depAddCmd, depRmCmd, depTreeCmd)
	gateCmd.AddCommand(gateApproveCmd, gateSatisfyCmd)
	rootCmd.AddCommand(depCmd, gateCmd)
}
