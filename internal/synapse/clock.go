package synapse

import (
	"sync"
	"time"
)

// Clock supplies time and timers to the dissemination loop. The virtual
// implementation lets tests drive the debounce window deterministically.
type Clock interface {
	Now() time.Time
	NewTimer(duration time.Duration) Timer
}

// Timer is a resettable single-fire timer. Reset re-arms the deadline rather
// than stacking a second one.
type Timer interface {
	C() <-chan time.Time
	Reset(duration time.Duration)
	Stop()
}

type systemClock struct{}

// NewSystemClock returns a Clock backed by the wall clock.
func NewSystemClock() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) NewTimer(duration time.Duration) Timer {
	return &systemTimer{timer: time.NewTimer(duration)}
}

type systemTimer struct {
	timer *time.Timer
}

func (t *systemTimer) C() <-chan time.Time {
	return t.timer.C
}

func (t *systemTimer) Reset(duration time.Duration) {
	if !t.timer.Stop() {
		select {
		case <-t.timer.C:
		default:
		}
	}
	t.timer.Reset(duration)
}

func (t *systemTimer) Stop() {
	if !t.timer.Stop() {
		select {
		case <-t.timer.C:
		default:
		}
	}
}

// VirtualClock is a manually advanced Clock. Advance moves time forward and
// fires every armed timer whose deadline has passed.
type VirtualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*virtualTimer
}

// NewVirtualClock constructs a VirtualClock starting at the given instant.
func NewVirtualClock(start time.Time) *VirtualClock {
	return &VirtualClock{now: start}
}

// Now returns the current virtual instant.
func (c *VirtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// NewTimer arms a virtual timer that fires when Advance crosses its deadline.
func (c *VirtualClock) NewTimer(duration time.Duration) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	timer := &virtualTimer{
		clock:    c,
		deadline: c.now.Add(duration),
		armed:    true,
		stream:   make(chan time.Time, 1),
	}
	c.timers = append(c.timers, timer)
	return timer
}

// Advance moves virtual time forward and fires due timers.
func (c *VirtualClock) Advance(duration time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(duration)
	now := c.now
	var due []*virtualTimer
	for _, timer := range c.timers {
		if timer.armed && !timer.deadline.After(now) {
			timer.armed = false
			due = append(due, timer)
		}
	}
	c.mu.Unlock()
	for _, timer := range due {
		select {
		case timer.stream <- now:
		default:
		}
	}
}

type virtualTimer struct {
	clock    *VirtualClock
	deadline time.Time
	armed    bool
	stream   chan time.Time
}

func (t *virtualTimer) C() <-chan time.Time {
	return t.stream
}

func (t *virtualTimer) Reset(duration time.Duration) {
	t.clock.mu.Lock()
	t.deadline = t.clock.now.Add(duration)
	t.armed = true
	t.clock.mu.Unlock()
}

func (t *virtualTimer) Stop() {
	t.clock.mu.Lock()
	t.armed = false
	t.clock.mu.Unlock()
}
