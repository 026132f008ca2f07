package stoneforge_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stoneforge/stoneforge"
)

func TestOpen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "stoneforge.db")

	store, err := stoneforge.Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	if store == nil {
		t.Error("expected non-nil storage")
	}
}

func TestRoundTripThroughFacade(t *testing.T) {
	ctx := context.Background()
	store, err := stoneforge.Open(filepath.Join(t.TempDir(), "stoneforge.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	el := &stoneforge.Element{
		Type: "task",
		Task: &stoneforge.Task{Title: "wire the facade", Priority: 2},
	}
	if err := store.CreateElement(ctx, el, "el-test"); err != nil {
		t.Fatalf("CreateElement failed: %v", err)
	}
	if el.ID == "" {
		t.Fatal("expected a generated id")
	}

	got, err := store.GetElement(ctx, el.ID)
	if err != nil {
		t.Fatalf("GetElement failed: %v", err)
	}
	if got.Task.Title != "wire the facade" {
		t.Errorf("title = %q", got.Task.Title)
	}
	if got.Task.Status != stoneforge.StatusOpen {
		t.Errorf("status = %q, want default open", got.Task.Status)
	}
}
