// Package clock abstracts time and delayed callbacks so that session expiry
// and log flushing can be driven by a virtual clock in tests.
package clock

import (
	"sync"
	"time"
)

// Clock provides the current time and schedules callbacks.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// NewTimer schedules fn to run once after d. The returned Timer can be
	// rearmed with Reset; a Reset replaces any pending fire.
	NewTimer(d time.Duration, fn func()) Timer

	// NewTicker schedules fn to run every d until Stop is called.
	NewTicker(d time.Duration, fn func()) Ticker
}

// Timer is a one-shot, rearm-able timer.
type Timer interface {
	// Reset rearms the timer to fire after d, replacing any pending fire.
	Reset(d time.Duration)

	// Stop cancels any pending fire. It is safe to call more than once.
	Stop()
}

// Ticker fires periodically until stopped.
type Ticker interface {
	Stop()
}

// System is a Clock backed by the real time package.
type System struct{}

// NewSystem returns a Clock backed by real time.
func NewSystem() *System {
	return &System{}
}

// Now returns the current wall-clock time.
func (s *System) Now() time.Time {
	return time.Now()
}

// NewTimer schedules fn once after d using time.AfterFunc.
func (s *System) NewTimer(d time.Duration, fn func()) Timer {
	return &systemTimer{t: time.AfterFunc(d, fn)}
}

// NewTicker schedules fn every d using a time.Ticker.
func (s *System) NewTicker(d time.Duration, fn func()) Ticker {
	t := &systemTicker{
		ticker: time.NewTicker(d),
		done:   make(chan struct{}),
	}
	go func() {
		for {
			select {
			case <-t.done:
				return
			case <-t.ticker.C:
				fn()
			}
		}
	}()
	return t
}

type systemTimer struct {
	t *time.Timer
}

func (st *systemTimer) Reset(d time.Duration) {
	st.t.Reset(d)
}

func (st *systemTimer) Stop() {
	st.t.Stop()
}

type systemTicker struct {
	ticker *time.Ticker
	once   sync.Once
	done   chan struct{}
}

func (st *systemTicker) Stop() {
	st.once.Do(func() {
		st.ticker.Stop()
		close(st.done)
	})
}
