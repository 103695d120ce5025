// Package clock implements dual-signal deadlines.
//
// A deadline pairs a wall-clock instant with a logical sequence number. A window
// is open only while both signals are before their bounds, and has passed as
// soon as either signal reaches its bound. Proving a deadline passed needs one
// clock; claiming a window is still open needs both.
package clock

import (
	"time"
)

// Instant is the current position on both clocks.
type Instant struct {
	Time time.Time `json:"time"`
	Seq  uint64    `json:"seq"`
}

// Deadline is a bound on both clocks.
type Deadline struct {
	At  time.Time `json:"at"`
	Seq uint64    `json:"seq"`
}

// Open reports whether now is strictly before d on both signals.
func (d Deadline) Open(now Instant) bool {
	return now.Time.Before(d.At) && now.Seq < d.Seq
}

// Passed reports whether either signal reached d.
func (d Deadline) Passed(now Instant) bool {
	return !d.Open(now)
}

// Schedule places a deadline window after from. The sequence bound is derived
// from the estimated duration of one logical tick.
func Schedule(from Instant, window, tick time.Duration) Deadline {
	return Deadline{
		At:  from.Time.Add(window),
		Seq: from.Seq + Ticks(window, tick),
	}
}

// After places a deadline window after an existing deadline.
func After(d Deadline, window, tick time.Duration) Deadline {
	return Schedule(Instant{Time: d.At, Seq: d.Seq}, window, tick)
}

// Ticks converts a duration into logical ticks, rounding up. A positive window
// always spans at least one tick.
func Ticks(window, tick time.Duration) uint64 {
	if window <= 0 {
		return 0
	}
	if tick <= 0 {
		return 1
	}
	n := window / tick
	if window%tick != 0 {
		n++
	}
	return uint64(n)
}
