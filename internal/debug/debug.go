// Package debug gates diagnostic output and appends operation events to a
// rotating log under the workspace directory.
package debug

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	enabled     = os.Getenv("STONEFORGE_DEBUG") != ""
	verboseMode = false
	quietMode   = false

	logMutex sync.Mutex
	opsLog   *lumberjack.Logger
)

func Enabled() bool {
	return enabled || verboseMode
}

// SetVerbose enables verbose/debug output
func SetVerbose(verbose bool) {
	verboseMode = verbose
}

// SetQuiet enables quiet mode (suppress non-essential output)
func SetQuiet(quiet bool) {
	quietMode = quiet
}

// IsQuiet returns true if quiet mode is enabled
func IsQuiet() bool {
	return quietMode
}

func Logf(format string, args ...interface{}) {
	if enabled || verboseMode {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

func Printf(format string, args ...interface{}) {
	if enabled || verboseMode {
		fmt.Printf(format, args...)
	}
}

// PrintNormal prints output unless quiet mode is enabled
// Use this for normal informational output that should be suppressed in quiet mode
func PrintNormal(format string, args ...interface{}) {
	if !quietMode {
		fmt.Printf(format, args...)
	}
}

// PrintlnNormal prints a line unless quiet mode is enabled
func PrintlnNormal(args ...interface{}) {
	if !quietMode {
		fmt.Println(args...)
	}
}

// LogEvent appends an event to .stoneforge/ops.log
// Format: TIMESTAMP|EVENT_CODE|ELEMENT_ID|ACTOR|DETAILS
func LogEvent(eventCode, elementID, details string) {
	LogEventWithActor(eventCode, elementID, "", details)
}

// LogEventWithActor appends an event with an explicit actor.
func LogEventWithActor(eventCode, elementID, actor, details string) {
	root, err := findWorkspaceRoot()
	if err != nil {
		// Silent fail if not in a workspace
		return
	}

	if elementID == "" {
		elementID = "none"
	}
	if actor == "" {
		actor = os.Getenv("STONEFORGE_ACTOR")
		if actor == "" {
			actor = os.Getenv("USER")
			if actor == "" {
				actor = "unknown"
			}
		}
	}

	timestamp := time.Now().UTC().Format(time.RFC3339)
	entry := fmt.Sprintf("%s|%s|%s|%s|%s\n",
		timestamp, eventCode, elementID, actor, details)

	logMutex.Lock()
	defer logMutex.Unlock()

	if opsLog == nil {
		opsLog = &lumberjack.Logger{
			Filename:   filepath.Join(root, ".stoneforge", "ops.log"),
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     30, // days
		}
	}
	// Silent fail so logging never interrupts an operation.
	opsLog.Write([]byte(entry))
}

func findWorkspaceRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		sfDir := filepath.Join(dir, ".stoneforge")
		if info, err := os.Stat(sfDir); err == nil && info.IsDir() {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not in a stoneforge workspace")
		}
		dir = parent
	}
}
