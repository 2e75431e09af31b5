// Package idgen generates opaque identifiers for messages, checkpoints,
// and other records that need a stable unique handle but carry no
// semantic meaning of their own.
package idgen

import "github.com/google/uuid"

// Generator produces opaque string identifiers.
type Generator interface {
	New() string
}

// UUID is a Generator backed by google/uuid.
type UUID struct{}

// New returns a new random (v4) identifier.
func (UUID) New() string { return uuid.New().String() }
