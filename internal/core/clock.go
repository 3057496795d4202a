package core

import (
	"sync"
	"time"
)

// CommandClock pins the vault's notion of now to the timestamp of the
// command being applied. Epoch arithmetic then depends only on command
// timestamps, so recovery replay reproduces the original decisions exactly.
type CommandClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewCommandClock() *CommandClock {
	return &CommandClock{}
}

func (c *CommandClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Now returns the pinned time, or the wall clock before any command has
// been applied.
func (c *CommandClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.now.IsZero() {
		return time.Now()
	}
	return c.now
}
