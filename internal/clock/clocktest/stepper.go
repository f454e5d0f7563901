// Package clocktest provides a deterministic clock for tests.
package clocktest

import (
	"sync"
	"time"
)

// Stepper returns a fixed start time and advances by step on every call, so
// stage durations in reports are deterministic.
type Stepper struct {
	mu   sync.Mutex
	next time.Time
	step time.Duration
}

// NewStepper creates a Stepper starting at start.
func NewStepper(start time.Time, step time.Duration) *Stepper {
	return &Stepper{next: start.UTC(), step: step}
}

// Now returns the current stepped time and advances it.
func (s *Stepper) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.next
	s.next = s.next.Add(s.step)
	return now
}
