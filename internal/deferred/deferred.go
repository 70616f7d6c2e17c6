// Package deferred schedules delayed callbacks that can be cancelled as a
// group when their owner goes away.
package deferred

import (
	"sort"
	"sync"
	"time"
)

type Timer interface {
	Stop() bool
}

type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// Real schedules on the runtime timer wheel.
type Real struct{}

func (Real) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Group tracks the timers of one owner. After Stop, pending callbacks are
// cancelled and new ones are dropped.
type Group struct {
	sched  Scheduler
	mu     sync.Mutex
	timers map[*groupTimer]struct{}
	closed bool
}

type groupTimer struct {
	g     *Group
	inner Timer
	done  bool
}

func NewGroup(s Scheduler) *Group {
	if s == nil {
		s = Real{}
	}
	return &Group{sched: s, timers: make(map[*groupTimer]struct{})}
}

// After runs f once d has elapsed unless the timer or the group is stopped
// first.
func (g *Group) After(d time.Duration, f func()) Timer {
	gt := &groupTimer{g: g}
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		gt.done = true
		return gt
	}
	g.timers[gt] = struct{}{}
	gt.inner = g.sched.AfterFunc(d, func() {
		g.mu.Lock()
		if g.closed || gt.done {
			g.mu.Unlock()
			return
		}
		gt.done = true
		delete(g.timers, gt)
		g.mu.Unlock()
		f()
	})
	g.mu.Unlock()
	return gt
}

func (t *groupTimer) Stop() bool {
	t.g.mu.Lock()
	defer t.g.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	delete(t.g.timers, t)
	if t.inner != nil {
		t.inner.Stop()
	}
	return true
}

// Pending reports timers that have neither fired nor been stopped.
func (g *Group) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.timers)
}

// Stop cancels every pending timer. It is safe to call more than once.
func (g *Group) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	for t := range g.timers {
		t.done = true
		if t.inner != nil {
			t.inner.Stop()
		}
	}
	g.timers = make(map[*groupTimer]struct{})
}

// Manual is a Scheduler driven by Advance, for tests and replay tools.
type Manual struct {
	mu      sync.Mutex
	now     time.Duration
	seq     int
	pending []*manualTimer
}

type manualTimer struct {
	m       *Manual
	at      time.Duration
	seq     int
	f       func()
	stopped bool
}

func NewManual() *Manual { return &Manual{} }

func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{m: m, at: m.now + d, seq: m.seq, f: f}
	m.pending = append(m.pending, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	for i, p := range t.m.pending {
		if p == t {
			t.m.pending = append(t.m.pending[:i], t.m.pending[i+1:]...)
			return true
		}
	}
	return false
}

// Advance moves the clock forward by d and runs every callback that became
// due, earliest first. Callbacks run on the calling goroutine.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now + d
	m.mu.Unlock()
	for {
		m.mu.Lock()
		sort.SliceStable(m.pending, func(i, j int) bool {
			if m.pending[i].at != m.pending[j].at {
				return m.pending[i].at < m.pending[j].at
			}
			return m.pending[i].seq < m.pending[j].seq
		})
		if len(m.pending) == 0 || m.pending[0].at > target {
			m.now = target
			m.mu.Unlock()
			return
		}
		next := m.pending[0]
		m.pending = m.pending[1:]
		next.stopped = true
		m.now = next.at
		m.mu.Unlock()
		next.f()
	}
}

// Pending reports scheduled callbacks that have not run.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
