package debug

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// captureStream redirects one of the process streams while fn runs and
// returns what was written.
func captureStream(t *testing.T, stream **os.File, fn func()) string {
	t.Helper()
	old := *stream
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	*stream = w
	defer func() { *stream = old }()

	fn()

	w.Close()
	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String()
}

func restoreModes(t *testing.T) {
	t.Helper()
	oldEnabled, oldVerbose, oldQuiet := enabled, verboseMode, quietMode
	t.Cleanup(func() {
		enabled, verboseMode, quietMode = oldEnabled, oldVerbose, oldQuiet
	})
}

func TestVerboseTogglesEnabled(t *testing.T) {
	restoreModes(t)
	enabled = false
	verboseMode = false

	if Enabled() {
		t.Fatal("Enabled() with everything off")
	}
	SetVerbose(true)
	if !Enabled() {
		t.Fatal("Enabled() false after SetVerbose(true)")
	}
	SetVerbose(false)
	if Enabled() {
		t.Fatal("Enabled() true after SetVerbose(false)")
	}
}

func TestLogfRespectsGate(t *testing.T) {
	restoreModes(t)

	enabled = true
	out := captureStream(t, &os.Stderr, func() { Logf("push %s\n", "el-abc123") })
	if out != "push el-abc123\n" {
		t.Fatalf("enabled Logf wrote %q", out)
	}

	enabled = false
	verboseMode = false
	out = captureStream(t, &os.Stderr, func() { Logf("push %s\n", "el-abc123") })
	if out != "" {
		t.Fatalf("disabled Logf wrote %q", out)
	}
}

func TestPrintfRespectsGate(t *testing.T) {
	restoreModes(t)

	enabled = true
	out := captureStream(t, &os.Stdout, func() { Printf("merged %d\n", 2) })
	if out != "merged 2\n" {
		t.Fatalf("enabled Printf wrote %q", out)
	}

	enabled = false
	verboseMode = false
	out = captureStream(t, &os.Stdout, func() { Printf("merged %d\n", 2) })
	if out != "" {
		t.Fatalf("disabled Printf wrote %q", out)
	}
}

func TestQuietSuppressesNormalOutput(t *testing.T) {
	restoreModes(t)

	quietMode = false
	if IsQuiet() {
		t.Fatal("IsQuiet() before SetQuiet")
	}
	out := captureStream(t, &os.Stdout, func() {
		PrintNormal("exported %d\n", 3)
		PrintlnNormal("done")
	})
	if out != "exported 3\ndone\n" {
		t.Fatalf("normal output = %q", out)
	}

	SetQuiet(true)
	if !IsQuiet() {
		t.Fatal("IsQuiet() after SetQuiet(true)")
	}
	out = captureStream(t, &os.Stdout, func() {
		PrintNormal("exported %d\n", 3)
		PrintlnNormal("done")
	})
	if out != "" {
		t.Fatalf("quiet output = %q", out)
	}
}

func TestLogEventAppendsOpsLine(t *testing.T) {
	// A fresh workspace so the lazily bound log lands in this temp dir.
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, ".stoneforge"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	t.Chdir(root)
	logMutex.Lock()
	old := opsLog
	opsLog = nil
	logMutex.Unlock()
	t.Cleanup(func() {
		logMutex.Lock()
		if opsLog != nil {
			opsLog.Close()
		}
		opsLog = old
		logMutex.Unlock()
	})
	t.Setenv("STONEFORGE_ACTOR", "el-ops1")

	LogEvent("sync-push", "el-abc123", "pushed to memory")
	LogEventWithActor("create", "", "el-robot", "title set")

	data, err := os.ReadFile(filepath.Join(root, ".stoneforge", "ops.log"))
	if err != nil {
		t.Fatalf("read ops.log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("ops.log has %d lines: %q", len(lines), lines)
	}

	first := strings.SplitN(lines[0], "|", 5)
	if len(first) != 5 {
		t.Fatalf("line %q has %d fields, want 5", lines[0], len(first))
	}
	if first[1] != "sync-push" || first[2] != "el-abc123" || first[3] != "el-ops1" || first[4] != "pushed to memory" {
		t.Fatalf("fields = %v", first)
	}

	second := strings.SplitN(lines[1], "|", 5)
	if second[2] != "none" {
		t.Fatalf("empty element id recorded as %q, want none", second[2])
	}
	if second[3] != "el-robot" {
		t.Fatalf("explicit actor recorded as %q", second[3])
	}
}
