// Package clock provides the single time source used for every persisted
// timestamp. All instants are UTC.
package clock

import (
	"sync"
	"time"
)

// Clock returns the current instant.
type Clock interface {
	Now() time.Time
}

type system struct{}

// New returns the wall clock, normalized to UTC.
func New() Clock { return system{} }

func (system) Now() time.Time { return time.Now().UTC() }

// Managed is a hand-driven clock for tests.
type Managed struct {
	mu     sync.Mutex
	start  time.Time
	offset time.Duration
}

func NewManaged(start time.Time) *Managed {
	return &Managed{start: start.UTC()}
}

func (c *Managed) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.start.Add(c.offset)
}

// Advance moves the clock forward and returns the new time. There is no way
// back.
func (c *Managed) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.offset += d
	}
	return c.start.Add(c.offset)
}
