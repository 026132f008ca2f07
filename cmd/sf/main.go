// Command sf is the Stoneforge CLI: a dependency-aware work tracker with
// JSONL interchange and external provider sync.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stoneforge/stoneforge/internal/config"
	"github.com/stoneforge/stoneforge/internal/debug"
	"github.com/stoneforge/stoneforge/internal/extsync"
	"github.com/stoneforge/stoneforge/internal/provider"
	"github.com/stoneforge/stoneforge/internal/storage"
	"github.com/stoneforge/stoneforge/internal/storage/bolt"
	"github.com/stoneforge/stoneforge/internal/telemetry"
	"github.com/stoneforge/stoneforge/internal/types"
)

// Version metadata, overridden at build time via -ldflags.
var (
	Version = "dev"
	Build   = "unknown"
)

var (
	configPath string
	dbPath     string
	actorFlag  string
	jsonOutput bool
	verbose    bool
	quiet      bool

	cfg   *config.Config
	store storage.Storage

	rootCtx    context.Context
	rootCancel context.CancelFunc
)

// Exit codes, stable for scripting.
const (
	exitError      = 1
	exitValidation = 2
	exitNotFound   = 3
	exitConflict   = 4
	exitCycle      = 5
)

// exitCodeFor maps an error classification to a process exit code.
func exitCodeFor(err error) int {
	switch kind := types.KindOf(err); {
	case types.IsValidation(err):
		return exitValidation
	case kind == types.KindNotFound:
		return exitNotFound
	case kind == types.KindConflict, kind == types.KindAlreadyExists, kind == types.KindImmutable:
		return exitConflict
	case kind == types.KindCycleDetected:
		return exitCycle
	default:
		return exitError
	}
}

// fatal reports err and exits with its mapped code.
func fatal(err error) {
	if jsonOutput {
		out, _ := json.Marshal(map[string]string{
			"error": err.Error(),
			"kind":  string(types.KindOf(err)),
		})
		fmt.Println(string(out))
	} else {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(exitCodeFor(err))
}

func fatalf(format string, args ...any) {
	fatal(fmt.Errorf(format, args...))
}

// getActor resolves the audit actor.
// Priority: --actor flag > STONEFORGE_ACTOR env > config > git user.name > $USER
func getActor() string {
	if actorFlag != "" {
		return actorFlag
	}
	if env := os.Getenv("STONEFORGE_ACTOR"); env != "" {
		return env
	}
	if cfg != nil && cfg.Actor != "" {
		return cfg.Actor
	}
	if out, err := exec.Command("git", "config", "user.name").Output(); err == nil {
		if gitUser := strings.TrimSpace(string(out)); gitUser != "" {
			return gitUser
		}
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "unknown"
}

// exportDir resolves the JSONL export directory from config.
func exportDir() string {
	if cfg != nil && cfg.ExportDir != "" {
		return cfg.ExportDir
	}
	return ".stoneforge"
}

// newEngine builds a sync engine over the open store and the configured
// providers.
func newEngine() *extsync.Engine {
	reg := provider.NewConfiguredRegistry(nil, cfg.ProviderConfigs())
	ecfg := extsync.Config{
		Actor:         getActor(),
		MaxConcurrent: cfg.Sync.MaxConcurrent,
		CallTimeout:   cfg.Sync.CallTimeout(),
	}
	eng := extsync.New(store, reg, ecfg)
	if !quiet {
		eng.OnMessage = func(msg string) { fmt.Println(msg) }
	}
	eng.OnWarning = func(msg string) { fmt.Fprintf(os.Stderr, "warning: %s\n", msg) }
	return eng
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(out))
}

var rootCmd = &cobra.Command{
	Use:   "sf",
	Short: "sf - dependency-aware work tracker with external sync",
	Long: `Stoneforge tracks tasks and documents chained together by typed
dependencies, exports them as line-delimited JSON for versioning, and syncs
linked elements with external providers.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("version"); v {
			fmt.Printf("sf version %s (%s)\n", Version, Build)
			return
		}
		_ = cmd.Help()
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

		debug.SetVerbose(verbose)
		debug.SetQuiet(quiet)

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		for _, w := range cfg.Warnings {
			fmt.Fprintf(os.Stderr, "warning: %s\n", w)
		}
		if dbPath != "" {
			cfg.DBPath = dbPath
		}

		if err := telemetry.Init(rootCtx, "sf", Version); err != nil {
			fmt.Fprintf(os.Stderr, "warning: telemetry init: %v\n", err)
		}

		if !commandNeedsStore(cmd) {
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return err
		}
		s, err := bolt.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("opening store %s: %w", cfg.DBPath, err)
		}
		store = telemetry.WrapStorage(s)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if store != nil {
			_ = store.Close()
			store = nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		telemetry.Shutdown(ctx)
		cancel()
		if rootCancel != nil {
			rootCancel()
		}
	},
}

// commandNeedsStore reports whether the command operates on the database.
func commandNeedsStore(cmd *cobra.Command) bool {
	switch cmd.Name() {
	case "help", "version", "completion", "config":
		return false
	}
	return true
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: search .stoneforge/, ., ~/.config/stoneforge)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database path (overrides config)")
	rootCmd.PersistentFlags().StringVar(&actorFlag, "actor", "", "Actor for the audit trail (default: $STONEFORGE_ACTOR, git user.name, $USER)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose/debug output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress non-essential output")
	rootCmd.Flags().BoolP("version", "V", false, "Print version information")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fatal(err)
	}
}
