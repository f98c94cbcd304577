// Package clock provides the wall and monotonic time sources used by the
// core. Everything that measures a duration uses Mono; everything that
// stamps a record uses Now. Tests inject Fake.
package clock

import (
	"sync"
	"time"
)

// Clock is the process time source. Resolution is one millisecond.
type Clock interface {
	// Now returns wall-clock time.
	Now() time.Time
	// Mono returns the monotonic duration since the clock was created.
	Mono() time.Duration
}

// Real is the production clock backed by the standard library.
type Real struct {
	start time.Time
}

// NewReal creates a Real clock anchored at the current instant.
func NewReal() *Real {
	return &Real{start: time.Now()}
}

func (r *Real) Now() time.Time {
	return time.Now().Truncate(time.Millisecond)
}

func (r *Real) Mono() time.Duration {
	return time.Since(r.start).Truncate(time.Millisecond)
}

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu   sync.Mutex
	wall time.Time
	mono time.Duration
}

// NewFake creates a Fake clock starting at the given wall time.
func NewFake(start time.Time) *Fake {
	return &Fake{wall: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wall
}

func (f *Fake) Mono() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mono
}

// Advance moves both the wall and monotonic readings forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wall = f.wall.Add(d)
	f.mono += d
}

// Set pins the wall clock to t without touching the monotonic reading.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wall = t
}
