// Package countdown projects a market's expiry into display state: time left,
// progress, urgency flags and a "S.hh" string. It never mutates the market.
package countdown

import (
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultDuration is the window the progress percentage is measured against.
	DefaultDuration = 10 * time.Second

	// DefaultTick is the recompute cadence of a running Timer.
	DefaultTick = 50 * time.Millisecond

	urgentAfterMs   = 5000
	criticalAfterMs = 2000
)

// State is one countdown frame.
type State struct {
	TimeLeftMs    int64   `json:"time_left_ms"`
	Percentage    float64 `json:"percentage"`
	IsUrgent      bool    `json:"is_urgent"`
	IsCritical    bool    `json:"is_critical"`
	IsExpired     bool    `json:"is_expired"`
	FormattedTime string  `json:"formatted_time"`
}

// Derive computes the countdown state for expiresAt as seen at now.
// A non-positive duration falls back to DefaultDuration.
func Derive(expiresAt, now time.Time, duration time.Duration) State {
	if duration <= 0 {
		duration = DefaultDuration
	}

	left := expiresAt.Sub(now).Milliseconds()
	if left < 0 {
		left = 0
	}

	pct := float64(left) / (float64(duration) / float64(time.Millisecond)) * 100
	pct = max(0, min(100, pct))

	return State{
		TimeLeftMs:    left,
		Percentage:    pct,
		IsUrgent:      left <= urgentAfterMs && left > criticalAfterMs,
		IsCritical:    left <= criticalAfterMs && left > 0,
		IsExpired:     left <= 0,
		FormattedTime: Format(left),
	}
}

// Format renders milliseconds as "{ceil seconds}.{hundredths}". The seconds
// part rounds up while the fraction is the raw remainder, so 1500 ms reads
// "2.50". Zero or less reads "0.00".
func Format(ms int64) string {
	if ms <= 0 {
		return "0.00"
	}
	seconds := (ms + 999) / 1000
	hundredths := (ms % 1000) / 10
	return fmt.Sprintf("%d.%02d", seconds, hundredths)
}

// Timer recomputes a countdown on a fixed cadence and publishes the newest
// State on C. It stops by itself after publishing the expired state, and C is
// closed once the timer goroutine exits.
type Timer struct {
	C <-chan State

	out      chan State
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Start launches a Timer for expiresAt. A nil now uses time.Now; a
// non-positive tick uses DefaultTick.
func Start(expiresAt time.Time, duration, tick time.Duration, now func() time.Time) *Timer {
	if now == nil {
		now = time.Now
	}
	if tick <= 0 {
		tick = DefaultTick
	}

	out := make(chan State, 1)
	t := &Timer{
		C:    out,
		out:  out,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go t.run(expiresAt, duration, tick, now)
	return t
}

// Stop cancels the timer and waits for its goroutine to exit. No State is
// published after Stop returns. Safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
	<-t.done
}

func (t *Timer) run(expiresAt time.Time, duration, tick time.Duration, now func() time.Time) {
	defer close(t.done)
	defer close(t.out)

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	if t.publish(Derive(expiresAt, now(), duration)) {
		return
	}
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			if t.publish(Derive(expiresAt, now(), duration)) {
				return
			}
		}
	}
}

// publish replaces any unread frame with s and reports whether the countdown
// has finished.
func (t *Timer) publish(s State) bool {
	select {
	case <-t.out:
	default:
	}
	select {
	case t.out <- s:
	case <-t.stop:
		return true
	}
	return s.IsExpired
}
