// Package uuid generates run identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates UUID v7 strings, so run IDs sort by start time.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// Static always returns the same ID. Used by dry runs and tests.
type Static string

// NewID returns the static ID, or an error when it is empty.
func (s Static) NewID() (string, error) {
	if s == "" {
		return "", fmt.Errorf("static id is empty")
	}
	return string(s), nil
}
