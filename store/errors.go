package store

import "errors"

var (
	// ErrClosed is returned when an operation is attempted against a store
	// that has not been opened or has been closed.
	ErrClosed = errors.New("store: store is closed")

	// ErrOpen is returned when the underlying database could not be opened.
	ErrOpen = errors.New("store: failed to open database")

	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("store: key not found")

	// ErrCheckpoint is returned when a consistent checkpoint of the store's
	// on-disk files could not be produced.
	ErrCheckpoint = errors.New("store: checkpoint failed")
)
