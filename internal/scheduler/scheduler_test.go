package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/and161185/docservice/internal/model"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type event struct {
	name string
	conn string
	at   time.Duration
}

type recorder struct {
	mu     sync.Mutex
	t0     time.Time
	now    time.Time
	events []event
}

func (r *recorder) Now() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.now
}

func (r *recorder) set(d time.Duration) {
	r.mu.Lock()
	r.now = r.t0.Add(d)
	r.mu.Unlock()
}

func (r *recorder) add(name string, conn *model.Connection) {
	r.mu.Lock()
	r.events = append(r.events, event{name: name, conn: conn.ID, at: r.now.Sub(r.t0)})
	r.mu.Unlock()
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		IdleWarning: func(_ context.Context, c *model.Connection, _ time.Duration) error {
			r.add("idle_warning", c)
			return nil
		},
		IdleClose: func(_ context.Context, c *model.Connection) error {
			r.add("idle_close", c)
			return nil
		},
		AbsoluteWarning: func(_ context.Context, c *model.Connection) error {
			r.add("absolute_warning", c)
			return nil
		},
		AbsoluteClose: func(_ context.Context, c *model.Connection) error {
			r.add("absolute_close", c)
			return nil
		},
	}
}

func newTestScheduler(t *testing.T, cb func(*recorder) Callbacks) (*Scheduler, *recorder) {
	t.Helper()
	r := &recorder{t0: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	r.now = r.t0
	if cb == nil {
		cb = (*recorder).callbacks
	}
	return New(cb(r), Options{Tick: time.Second, Now: r.Now}, zaptest.NewLogger(t)), r
}

// run advances the clock in 100ms steps until end, calling step before each tick.
func run(s *Scheduler, r *recorder, from, end time.Duration, step func(time.Duration)) {
	for d := from; d <= end; d += 100 * time.Millisecond {
		r.set(d)
		if step != nil {
			step(d)
		}
		s.Tick(context.Background(), r.Now())
	}
}

func TestScheduler_ActivityKeepsSessionAlive(t *testing.T) {
	t.Parallel()
	s, r := newTestScheduler(t, nil)
	s.RegisterConnection(&model.Connection{ID: "c1", DocID: "A"}, Timeouts{Idle: time.Second})

	run(s, r, 0, 5*time.Second, func(d time.Duration) {
		if d%(500*time.Millisecond) == 0 {
			s.RecordActivity("c1", r.Now())
		}
	})
	require.Empty(t, r.events)
	require.Equal(t, 1, s.Len())
}

func TestScheduler_IdleWarnsThenCloses(t *testing.T) {
	t.Parallel()
	s, r := newTestScheduler(t, nil)
	s.RegisterConnection(&model.Connection{ID: "c1", DocID: "A"}, Timeouts{Idle: time.Second})

	run(s, r, 0, 4*time.Second, nil)
	require.Len(t, r.events, 2)
	require.Equal(t, "idle_warning", r.events[0].name)
	require.InDelta(t, time.Second, r.events[0].at, float64(100*time.Millisecond))
	require.Equal(t, "idle_close", r.events[1].name)
	require.InDelta(t, 2*time.Second, r.events[1].at, float64(time.Second))
	require.Zero(t, s.Len())
}

func TestScheduler_ActivityAfterWarningResets(t *testing.T) {
	t.Parallel()
	s, r := newTestScheduler(t, nil)
	s.RegisterConnection(&model.Connection{ID: "c1"}, Timeouts{Idle: time.Second})

	run(s, r, 0, 1500*time.Millisecond, nil)
	require.Len(t, r.events, 1)
	s.RecordActivity("c1", r.Now())

	run(s, r, 1600*time.Millisecond, 2400*time.Millisecond, nil)
	require.Len(t, r.events, 1)
	run(s, r, 2500*time.Millisecond, 2600*time.Millisecond, nil)
	require.Len(t, r.events, 2)
	require.Equal(t, "idle_warning", r.events[1].name)
}

func TestScheduler_AbsoluteIgnoresActivity(t *testing.T) {
	t.Parallel()
	s, r := newTestScheduler(t, nil)
	s.RegisterConnection(&model.Connection{ID: "c1"}, Timeouts{Idle: time.Hour, Absolute: 2 * time.Second})

	run(s, r, 0, 5*time.Second, func(time.Duration) { s.RecordActivity("c1", r.Now()) })
	require.Len(t, r.events, 2)
	require.Equal(t, "absolute_warning", r.events[0].name)
	require.Equal(t, 2*time.Second, r.events[0].at)
	require.Equal(t, "absolute_close", r.events[1].name)
	require.Zero(t, s.Len())
}

func TestScheduler_Configure(t *testing.T) {
	t.Parallel()

	t.Run("shorter idle fires immediately", func(t *testing.T) {
		t.Parallel()
		s, r := newTestScheduler(t, nil)
		s.RegisterConnection(&model.Connection{ID: "c1"}, Timeouts{Idle: time.Hour})
		r.set(3 * time.Second)
		s.ConfigureConnection("c1", Timeouts{Idle: time.Second, Absolute: -1})
		s.Tick(context.Background(), r.Now())
		require.Len(t, r.events, 1)
		require.Equal(t, "idle_warning", r.events[0].name)
	})

	t.Run("zero disables", func(t *testing.T) {
		t.Parallel()
		s, r := newTestScheduler(t, nil)
		s.RegisterConnection(&model.Connection{ID: "c1"}, Timeouts{Idle: time.Second, Absolute: 2 * time.Second})
		s.ConfigureConnection("c1", Timeouts{Idle: 0, Absolute: -1})
		run(s, r, 0, 1900*time.Millisecond, nil)
		require.Empty(t, r.events)
		run(s, r, 2*time.Second, 2*time.Second, nil)
		require.Len(t, r.events, 1)
		require.Equal(t, "absolute_warning", r.events[0].name)
	})

	t.Run("unknown connection", func(t *testing.T) {
		t.Parallel()
		s, _ := newTestScheduler(t, nil)
		s.ConfigureConnection("nope", Timeouts{Idle: time.Second})
		require.Zero(t, s.Len())
	})
}

func TestScheduler_RemovedConnectionIsSilent(t *testing.T) {
	t.Parallel()
	s, r := newTestScheduler(t, nil)
	s.RegisterConnection(&model.Connection{ID: "c1"}, Timeouts{Idle: time.Second, Absolute: time.Second})
	s.RemoveConnection("c1")
	run(s, r, 0, 3*time.Second, nil)
	require.Empty(t, r.events)
}

func TestScheduler_CallbackFailuresDoNotStopTick(t *testing.T) {
	t.Parallel()
	s, r := newTestScheduler(t, func(r *recorder) Callbacks {
		cb := r.callbacks()
		cb.IdleWarning = func(_ context.Context, c *model.Connection, _ time.Duration) error {
			if c.ID == "c1" {
				panic("boom")
			}
			r.add("idle_warning", c)
			return errors.New("send failed")
		}
		return cb
	})
	s.RegisterConnection(&model.Connection{ID: "c1"}, Timeouts{Idle: time.Second})
	s.RegisterConnection(&model.Connection{ID: "c2"}, Timeouts{Idle: time.Second})

	run(s, r, 0, 3*time.Second, nil)
	var names []string
	for _, e := range r.events {
		names = append(names, e.conn+":"+e.name)
	}
	require.ElementsMatch(t, []string{"c2:idle_warning", "c1:idle_close", "c2:idle_close"}, names)
}

func TestScheduler_CloseCallbackMayRemove(t *testing.T) {
	t.Parallel()
	var s *Scheduler
	s, r := newTestScheduler(t, func(r *recorder) Callbacks {
		cb := r.callbacks()
		cb.IdleClose = func(_ context.Context, c *model.Connection) error {
			r.add("idle_close", c)
			s.RemoveConnection(c.ID)
			return nil
		}
		return cb
	})
	s.RegisterConnection(&model.Connection{ID: "c1"}, Timeouts{Idle: time.Second})
	run(s, r, 0, 3*time.Second, nil)
	require.Len(t, r.events, 2)
	require.Zero(t, s.Len())
}

func TestScheduler_StartStop(t *testing.T) {
	t.Parallel()
	closed := make(chan string, 1)
	s := New(Callbacks{
		IdleClose: func(_ context.Context, c *model.Connection) error {
			closed <- c.ID
			return nil
		},
	}, Options{Tick: 10 * time.Millisecond}, zaptest.NewLogger(t))
	s.Start(context.Background())
	s.RegisterConnection(&model.Connection{ID: "c1"}, Timeouts{Idle: 20 * time.Millisecond})

	select {
	case id := <-closed:
		require.Equal(t, "c1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("idle close not fired")
	}
	s.Stop()
	require.Zero(t, s.Len())
}
