// Package activity tracks when the user last interacted with the host.
package activity

import (
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// Tracker remembers the last user activity. The overlay feeds it; the alert
// manager asks it whether to keep alerts up.
type Tracker struct {
	clk  clock.Clock
	last atomic.Int64 // unix nanos, 0 = never
}

func New(clk clock.Clock) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	return &Tracker{clk: clk}
}

// Touch records activity now.
func (t *Tracker) Touch() { t.last.Store(t.clk.Now().UnixNano()) }

// TouchAt records activity at a given time; older timestamps are ignored.
func (t *Tracker) TouchAt(at time.Time) {
	n := at.UnixNano()
	for {
		cur := t.last.Load()
		if n <= cur || t.last.CompareAndSwap(cur, n) {
			return
		}
	}
}

// Last returns the last activity time, or the zero time.
func (t *Tracker) Last() time.Time {
	n := t.last.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Active reports whether there was activity within window.
func (t *Tracker) Active(window time.Duration) bool {
	n := t.last.Load()
	if n == 0 {
		return false
	}
	return t.clk.Now().Sub(time.Unix(0, n)) <= window
}
