// Package stoneforge provides a minimal public API for embedding the sync
// core in other Go programs.
//
// It exports only the essential types and the store constructor; programs
// needing the full surface (sync engine, JSONL interchange) import the
// internal packages via the sf CLI instead.
package stoneforge

import (
	"github.com/stoneforge/stoneforge/internal/storage"
	"github.com/stoneforge/stoneforge/internal/storage/bolt"
	"github.com/stoneforge/stoneforge/internal/types"
)

// Core types for working with elements
type (
	Element    = types.Element
	Task       = types.Task
	Document   = types.Document
	Dependency = types.Dependency
	TaskStatus = types.TaskStatus
	WorkFilter = types.WorkFilter
)

// Task status constants
const (
	StatusBacklog    = types.StatusBacklog
	StatusOpen       = types.StatusOpen
	StatusInProgress = types.StatusInProgress
	StatusClosed     = types.StatusClosed
	StatusDeferred   = types.StatusDeferred
)

// Dependency type constants most embedders need
const (
	DepBlocks      = types.DepBlocks
	DepParentChild = types.DepParentChild
	DepAwaits      = types.DepAwaits
	DepRelatesTo   = types.DepRelatesTo
)

// Storage is the element store contract.
type Storage = storage.Storage

// Open opens a stoneforge bbolt database for programmatic access.
func Open(dbPath string) (Storage, error) {
	s, err := bolt.Open(dbPath)
	if err != nil {
		return nil, err
	}
	return s, nil
}
