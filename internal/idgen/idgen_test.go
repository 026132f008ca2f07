package idgen

import (
	"testing"
	"time"

	"github.com/stoneforge/stoneforge/internal/types"
)

func TestNewMatchesGrammar(t *testing.T) {
	now := time.Now()
	for length := 3; length <= 8; length++ {
		id := New("some title", "el-usr1", now, length, 0)
		if !types.ValidID(id) {
			t.Errorf("New(length=%d) = %q, fails grammar", length, id)
		}
	}
}

func TestNewDeterministic(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := New("title", "el-usr1", ts, 4, 0)
	b := New("title", "el-usr1", ts, 4, 0)
	if a != b {
		t.Fatalf("same inputs produced %q and %q", a, b)
	}
	if c := New("title", "el-usr1", ts, 4, 1); c == a {
		t.Fatal("nonce change should produce a different id")
	}
}

func TestEncodeBase36Padding(t *testing.T) {
	if got := EncodeBase36([]byte{0}, 4); got != "0000" {
		t.Fatalf("EncodeBase36(0) = %q, want 0000", got)
	}
	if got := EncodeBase36([]byte{0xff, 0xff, 0xff, 0xff}, 3); len(got) != 3 {
		t.Fatalf("EncodeBase36 truncation length = %d, want 3", len(got))
	}
}

func TestNewUniqueRetries(t *testing.T) {
	ts := time.Now()
	first := New("dup", "el-usr1", ts, DefaultLength, 0)
	seen := map[string]bool{first: true}

	id, err := NewUnique("dup", "el-usr1", ts, func(id string) bool { return seen[id] })
	if err != nil {
		t.Fatal(err)
	}
	if id == first {
		t.Fatal("NewUnique returned a taken id")
	}
	if !types.ValidID(id) {
		t.Fatalf("NewUnique id %q fails grammar", id)
	}
}
