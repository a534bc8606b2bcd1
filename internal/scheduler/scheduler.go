// Package scheduler fires idle and absolute session timeouts per connection.
//
// Pending checks live in a min-heap ordered by fire time. Activity only moves the
// session timestamp; outdated heap entries are recognised by their version and
// dropped when they surface.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/and161185/docservice/internal/model"
	"go.uber.org/zap"
)

// Timeouts configures one connection. Zero disables a kind; in ConfigureConnection
// a negative value leaves that kind unchanged.
type Timeouts struct {
	Idle     time.Duration
	Absolute time.Duration
}

// Callbacks are invoked from the tick loop, one at a time.
type Callbacks struct {
	IdleWarning     func(ctx context.Context, conn *model.Connection, idle time.Duration) error
	IdleClose       func(ctx context.Context, conn *model.Connection) error
	AbsoluteWarning func(ctx context.Context, conn *model.Connection) error
	AbsoluteClose   func(ctx context.Context, conn *model.Connection) error
}

// Options tune a Scheduler.
type Options struct {
	Tick time.Duration // default 1s
	Now  func() time.Time
}

type session struct {
	conn       *model.Connection
	lastAction time.Time
	connected  time.Time
	idle       time.Duration
	absolute   time.Duration
	idleVer    uint64
	absVer     uint64
	idleWarned bool
	absWarned  bool
}

// Scheduler tracks session deadlines. All methods are safe for concurrent use.
type Scheduler struct {
	cb   Callbacks
	opts Options
	log  *zap.Logger

	mu       sync.Mutex
	heap     entryHeap
	sessions map[string]*session

	stop chan struct{}
	done chan struct{}
}

// New constructs a stopped Scheduler.
func New(cb Callbacks, opts Options, log *zap.Logger) *Scheduler {
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		cb:       cb,
		opts:     opts,
		log:      log.With(zap.String("component", "scheduler")),
		sessions: make(map[string]*session),
	}
}

// Start runs the tick loop until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return
	}
	s.stop, s.done = make(chan struct{}), make(chan struct{})
	stop, done := s.stop, s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		t := time.NewTicker(s.opts.Tick)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-t.C:
				s.Tick(ctx, s.opts.Now())
			}
		}
	}()
}

// Stop ends the loop and forgets every session.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.heap = nil
	s.sessions = make(map[string]*session)
	s.mu.Unlock()
	sessionsTracked.Set(0)
	if stop != nil {
		close(stop)
		<-done
	}
}

// Len returns the number of tracked connections.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Lookup returns the connection registered under connID.
func (s *Scheduler) Lookup(connID string) (*model.Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ss, ok := s.sessions[connID]
	if !ok {
		return nil, false
	}
	return ss.conn, true
}

// RegisterConnection starts tracking conn, replacing an earlier registration of the same id.
func (s *Scheduler) RegisterConnection(conn *model.Connection, t Timeouts) {
	now := s.opts.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	ss := &session{
		conn:       conn,
		lastAction: now,
		connected:  now,
		idle:       max(t.Idle, 0),
		absolute:   max(t.Absolute, 0),
	}
	s.sessions[conn.ID] = ss
	if ss.idle > 0 {
		s.schedule(ss, kindIdle, now.Add(ss.idle))
	}
	if ss.absolute > 0 {
		s.schedule(ss, kindAbsolute, now.Add(ss.absolute))
	}
	sessionsTracked.Set(float64(len(s.sessions)))
}

// RecordActivity moves the idle deadline of connID. Nothing is rescheduled: the pending
// idle check recomputes the deadline when it fires.
func (s *Scheduler) RecordActivity(connID string, at time.Time) {
	if at.IsZero() {
		at = s.opts.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ss, ok := s.sessions[connID]; ok {
		ss.lastAction = at
		ss.idleWarned = false
	}
}

// ConfigureConnection changes the timeouts of connID and invalidates its pending checks.
func (s *Scheduler) ConfigureConnection(connID string, t Timeouts) {
	now := s.opts.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	ss, ok := s.sessions[connID]
	if !ok {
		return
	}
	if t.Idle >= 0 {
		ss.idle = t.Idle
		ss.idleWarned = false
		ss.idleVer++
		if ss.idle > 0 {
			s.push(ss, kindIdle, laterOf(now, ss.lastAction.Add(ss.idle)))
		}
	}
	if t.Absolute >= 0 {
		ss.absolute = t.Absolute
		ss.absWarned = false
		ss.absVer++
		if ss.absolute > 0 {
			s.push(ss, kindAbsolute, laterOf(now, ss.connected.Add(ss.absolute)))
		}
	}
}

// RemoveConnection stops tracking connID. Its heap entries are dropped when they surface.
func (s *Scheduler) RemoveConnection(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, connID)
	sessionsTracked.Set(float64(len(s.sessions)))
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

// schedule bumps the version of k, so older entries of that kind go stale.
func (s *Scheduler) schedule(ss *session, k kind, at time.Time) {
	if k == kindIdle {
		ss.idleVer++
	} else {
		ss.absVer++
	}
	s.push(ss, k, at)
}

func (s *Scheduler) push(ss *session, k kind, at time.Time) {
	v := ss.idleVer
	if k == kindAbsolute {
		v = ss.absVer
	}
	heap.Push(&s.heap, entry{at: at, kind: k, connID: ss.conn.ID, version: v})
}

type action uint8

const (
	actNone action = iota
	actWarn
	actClose
)

// Tick processes every entry due at now.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	for {
		conn, k, act, limit, ok := s.next(now)
		if !ok {
			return
		}
		if act == actNone {
			continue
		}
		s.fire(ctx, conn, k, act, limit)
		if act == actClose {
			s.mu.Lock()
			if ss, ok := s.sessions[conn.ID]; ok && ss.conn == conn {
				delete(s.sessions, conn.ID)
			}
			sessionsTracked.Set(float64(len(s.sessions)))
			s.mu.Unlock()
		}
	}
}

// next pops one due entry and decides what it means.
func (s *Scheduler) next(now time.Time) (*model.Connection, kind, action, time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.heap) == 0 || s.heap[0].at.After(now) {
		return nil, 0, actNone, 0, false
	}
	e := heap.Pop(&s.heap).(entry)
	ss, ok := s.sessions[e.connID]
	if !ok {
		return nil, e.kind, actNone, 0, true
	}

	limit, since, warned, ver := ss.idle, ss.lastAction, &ss.idleWarned, ss.idleVer
	if e.kind == kindAbsolute {
		limit, since, warned, ver = ss.absolute, ss.connected, &ss.absWarned, ss.absVer
	}
	if e.version != ver || limit <= 0 {
		return nil, e.kind, actNone, 0, true
	}
	elapsed := now.Sub(since)
	if elapsed < limit {
		s.schedule(ss, e.kind, now.Add(limit-elapsed))
		return nil, e.kind, actNone, 0, true
	}
	if !*warned {
		*warned = true
		s.schedule(ss, e.kind, laterOf(now.Add(s.opts.Tick), since.Add(limit)))
		return ss.conn, e.kind, actWarn, limit, true
	}
	return ss.conn, e.kind, actClose, limit, true
}

// fire runs one callback. Errors and panics are logged and never stop the loop.
func (s *Scheduler) fire(ctx context.Context, conn *model.Connection, k kind, act action, limit time.Duration) {
	log := s.log.With(zap.String("connId", conn.ID), zap.String("docId", conn.DocID), zap.Stringer("kind", k))
	defer func() {
		if r := recover(); r != nil {
			log.Error("session callback panic", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()

	var err error
	switch {
	case k == kindIdle && act == actWarn:
		timeoutEvents.WithLabelValues("idle_warning").Inc()
		if s.cb.IdleWarning != nil {
			err = s.cb.IdleWarning(ctx, conn, limit)
		}
	case k == kindIdle:
		timeoutEvents.WithLabelValues("idle_close").Inc()
		if s.cb.IdleClose != nil {
			err = s.cb.IdleClose(ctx, conn)
		}
	case act == actWarn:
		timeoutEvents.WithLabelValues("absolute_warning").Inc()
		if s.cb.AbsoluteWarning != nil {
			err = s.cb.AbsoluteWarning(ctx, conn)
		}
	default:
		timeoutEvents.WithLabelValues("absolute_close").Inc()
		if s.cb.AbsoluteClose != nil {
			err = s.cb.AbsoluteClose(ctx, conn)
		}
	}
	if err != nil {
		log.Error("session callback failed", zap.Error(fmt.Errorf("%s %d: %w", k, act, err)))
	}
}
