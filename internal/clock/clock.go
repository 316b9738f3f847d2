// Package clock supplies millisecond timestamps for records and markers.
package clock

import (
	"sync"
	"time"
)

// Clock returns the current Unix time in milliseconds.
type Clock interface {
	NowMs() int64
}

type system struct{}

// System reads the wall clock.
func System() Clock { return system{} }

func (system) NowMs() int64 { return time.Now().UnixMilli() }

// Manual is a settable clock for tests and replay tooling.
type Manual struct {
	mu  sync.Mutex
	now int64
}

func NewManual(startMs int64) *Manual {
	return &Manual{now: startMs}
}

func (m *Manual) NowMs() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Set(ms int64) {
	m.mu.Lock()
	m.now = ms
	m.mu.Unlock()
}

// Advance moves the clock forward and returns the new time.
func (m *Manual) Advance(ms int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now += ms
	return m.now
}
