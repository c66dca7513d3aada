package storage

import "errors"

// ErrNotFound is returned when no record exists for an (identifier, action) pair.
var ErrNotFound = errors.New("guard record not found")

// ErrConflict is returned when a conditional write loses a race with another writer.
var ErrConflict = errors.New("guard record modified concurrently")
