// Package tick provides the stack's low-resolution clock: a 32-bit monotonic
// tick counter advanced roughly 18.2 times per second, plus a small registry
// of 16-bit countdown timers decremented by the same tick.
//
// A Counter is driven either by Hook, which chains a host ticker, or by
// Advance from tests. Readers only ever compare differences, so wrap is
// handled with unsigned arithmetic.
package tick

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Duration of one tick. The classic PC timer fires at 1193182/65536 Hz.
const Duration = 54925439 * time.Nanosecond

// PerSecond is the approximate number of ticks in one second.
const PerSecond = 18

// MaxTimers is the number of countdown timers a Counter manages.
const MaxTimers = 10

var (
	ErrNoTimers      = errors.New("tick: no free countdown timers")
	ErrAlreadyHooked = errors.New("tick: already hooked")
)

// Clock is the read side of a tick source.
type Clock interface {
	Now() uint32
}

// Counter is a tick source.
type Counter struct {
	ticks atomic.Uint32

	timers [MaxTimers]atomic.Int32 // -1 = free, else remaining ticks

	mu     sync.Mutex
	stop   chan struct{}
	done   chan struct{}
	hooked bool
}

// New returns an unhooked counter starting at zero.
func New() *Counter {
	c := &Counter{}
	for i := range c.timers {
		c.timers[i].Store(-1)
	}
	return c
}

// Now returns the current tick count.
func (c *Counter) Now() uint32 { return c.ticks.Load() }

// Since returns the ticks elapsed since t.
func (c *Counter) Since(t uint32) uint32 { return c.ticks.Load() - t }

// Advance moves the counter forward by n ticks, decrementing every running
// countdown timer once per tick.
func (c *Counter) Advance(n uint32) {
	for ; n > 0; n-- {
		c.ticks.Add(1)
		for i := range c.timers {
			for {
				v := c.timers[i].Load()
				if v <= 0 {
					break
				}
				if c.timers[i].CompareAndSwap(v, v-1) {
					break
				}
			}
		}
	}
}

// Hook starts advancing the counter from a host ticker.
func (c *Counter) Hook() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.hooked {
		return ErrAlreadyHooked
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.hooked = true

	go func(stop, done chan struct{}) {
		defer close(done)
		t := time.NewTicker(Duration)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				c.Advance(1)
			}
		}
	}(c.stop, c.done)
	return nil
}

// Unhook stops the host ticker and waits for it to exit. It must be called
// before the owner of the counter is torn down.
func (c *Counter) Unhook() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hooked {
		return
	}
	close(c.stop)
	<-c.done
	c.hooked = false
}

// Hooked reports whether a host ticker is driving the counter.
func (c *Counter) Hooked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hooked
}

////////////////////////////////////////////////////////////////////////////////
// Countdown timers.
////////////////////////////////////////////////////////////////////////////////

// Timer is a handle on one countdown slot.
type Timer struct {
	c  *Counter
	id int
}

// StartTimer claims a countdown slot set to ticks.
func (c *Counter) StartTimer(ticks uint16) (Timer, error) {
	for i := range c.timers {
		if c.timers[i].CompareAndSwap(-1, int32(ticks)) {
			return Timer{c: c, id: i}, nil
		}
	}
	return Timer{}, ErrNoTimers
}

// Expired reports whether the countdown reached zero.
func (t Timer) Expired() bool {
	return t.c.timers[t.id].Load() == 0
}

// Remaining returns the ticks left on the countdown.
func (t Timer) Remaining() uint16 {
	v := t.c.timers[t.id].Load()
	if v < 0 {
		return 0
	}
	return uint16(v)
}

// Reset re-arms the countdown.
func (t Timer) Reset(ticks uint16) {
	t.c.timers[t.id].Store(int32(ticks))
}

// Stop releases the slot.
func (t Timer) Stop() {
	t.c.timers[t.id].Store(-1)
}

////////////////////////////////////////////////////////////////////////////////
// Conversions.
////////////////////////////////////////////////////////////////////////////////

// FromDuration converts d to ticks, rounding up so that a non-zero duration
// never becomes zero ticks.
func FromDuration(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	return uint32((d + Duration - 1) / Duration)
}

// ToDuration converts a tick count to wall time.
func ToDuration(ticks uint32) time.Duration {
	return time.Duration(ticks) * Duration
}
