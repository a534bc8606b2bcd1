package limiter

import (
	"context"
	"sync"
	"time"
)

type counter struct {
	fails        int
	blockedUntil time.Time
	updatedAt    time.Time
}

// Memory is an in-process limiter with the same window and lockout rules as PG.
type Memory struct {
	mu       sync.Mutex
	window   time.Duration
	maxFails int
	blockFor time.Duration
	now      func() time.Time
	subjects map[string]*counter
}

var (
	_ Limiter = (*Memory)(nil)
	_ Limiter = (*PG)(nil)
)

// NewMemory constructs an in-process limiter. A nil now uses time.Now.
func NewMemory(window time.Duration, maxFails int, blockFor time.Duration, now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{window: window, maxFails: maxFails, blockFor: blockFor, now: now, subjects: make(map[string]*counter)}
}

// Allow reports whether subject is not blocked.
func (m *Memory) Allow(_ context.Context, subject []byte) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.subjects[string(subject)]
	if now := m.now(); ok && c.blockedUntil.After(now) {
		return false, c.blockedUntil.Sub(now), nil
	}
	return true, 0, nil
}

// Success forgets subject.
func (m *Memory) Success(_ context.Context, subject []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subjects, string(subject))
	return nil
}

// Failure counts a failed attempt within the window.
func (m *Memory) Failure(_ context.Context, subject []byte) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	c, ok := m.subjects[string(subject)]
	if !ok || now.Sub(c.updatedAt) > m.window {
		c = &counter{}
		m.subjects[string(subject)] = c
	}
	c.fails++
	c.updatedAt = now
	if c.fails < m.maxFails {
		return false, 0, nil
	}
	c.blockedUntil = now.Add(m.blockFor)
	return true, m.blockFor, nil
}
