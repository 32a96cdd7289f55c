// Package clock provides the monotonic/wall-clock reads and millisecond
// arithmetic the suspend state machine, idle evaluator, and activity
// registry schedule themselves against.
package clock

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
)

// Clock is the narrow interface the rest of this module schedules
// against. clock.New() satisfies it for production; clock.NewMock()
// satisfies it in tests, letting time be advanced deterministically
// instead of sleeping real wall-clock time.
type Clock = clock.Clock

// Mock re-exports the fake clock used throughout the test suite.
type Mock = clock.Mock

// Timer re-exports the timer type returned by Clock.Timer, shared by the
// idle evaluator's coalescing re-arm and the suspend state machine's
// phase-timeout wait.
type Timer = clock.Timer

// New returns the real, wall-clock-backed implementation.
func New() Clock {
	return clock.New()
}

// NewMock returns a fake clock pinned at the Unix epoch until advanced.
func NewMock() *Mock {
	return clock.NewMock()
}

// Point is a monotonic time reading paired with the wall-clock reading
// taken at the same instant, mirroring the source's separate
// monotonic (struct timespec) and wall-clock (RTC) time bases: scheduling
// decisions use Mono, instrumentation and alarm-expiry comparisons use
// Wall.
type Point struct {
	Mono time.Time
	Wall time.Time
}

// Now samples Mono from c and Wall from the system wall clock
// (time.Now), so a mock c leaves Wall on real time.
func Now(c Clock) Point {
	return Point{Mono: c.Now(), Wall: time.Now()}
}

// AddMs returns p.Mono advanced by ms milliseconds.
func AddMs(p Point, ms int64) time.Time {
	return p.Mono.Add(time.Duration(ms) * time.Millisecond)
}

// IsGreater reports whether a is strictly later than b.
func IsGreater(a, b time.Time) bool {
	return a.After(b)
}

// MsBetween returns the number of milliseconds elapsed from a to b,
// negative if b precedes a.
func MsBetween(a, b time.Time) int64 {
	return b.Sub(a).Milliseconds()
}

// FormatDuration renders d the way the original sleep/wake instrumentation
// logs it: total seconds plus a human breakdown of days/hours/minutes/secs,
// omitting the years component entirely since this daemon's uptimes never
// approach that scale.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	totalSec := int64(d / time.Second)
	days := totalSec / 86400
	hours := (totalSec % 86400) / 3600
	minutes := (totalSec % 3600) / 60
	seconds := totalSec % 60
	if days > 0 {
		return fmt.Sprintf("%ds (%dd-%dh-%dm-%ds)", totalSec, days, hours, minutes, seconds)
	}
	return fmt.Sprintf("%ds (%dh-%dm-%ds)", totalSec, hours, minutes, seconds)
}
