package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/stoneforge/stoneforge/internal/autoimport"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the export directory and re-import on changes",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		debounceMs, _ := cmd.Flags().GetInt("debounce-ms")
		dir, _ := cmd.Flags().GetString("dir")
		if dir == "" {
			dir = exportDir()
		}
		if !quiet {
			fmt.Printf("Watching %s (Ctrl-C to stop)\n", dir)
		}
		err := autoimport.Watch(rootCtx, store, dir, autoimport.WatchOptions{
			Debounce: time.Duration(debounceMs) * time.Millisecond,
			Actor:    getActor(),
			Notify:   autoimport.NewStderrNotifier(verbose),
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			fatal(err)
		}
	},
}

func init() {
	watchCmd.Flags().Int("debounce-ms", 500, "Quiet period after the last change before importing")
	watchCmd.Flags().String("dir", "", "Directory to watch (default from config)")
	rootCmd.AddCommand(watchCmd)
}
