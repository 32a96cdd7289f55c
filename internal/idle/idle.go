// Package idle implements the coalescing idle evaluator from spec §4.4:
// a periodic check that inspects display state, held activities, wake
// alarms, the readiness sentinel, and the post-resume awake floor, and
// either re-arms itself or posts an idle event into the suspend state
// machine. Charger state is not consulted here; the state machine checks
// it on entry to OnIdle.
package idle

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/openclaw/sleepd-kobo/internal/activity"
	"github.com/openclaw/sleepd-kobo/internal/alarm"
	clockpkg "github.com/openclaw/sleepd-kobo/internal/clock"
)

// minIdleMs is MIN_IDLE_SEC from spec §4.5: the floor below which the
// idle evaluator must not re-arm, regardless of configuration.
const minIdleMs = 5000

// Signals is the narrow read-only view into state the suspend state
// machine owns that the idle evaluator must consult. Implemented by
// internal/suspend.Machine and passed in, so this package never imports
// internal/suspend.
type Signals interface {
	// DisplayOn reports the current display_on global signal.
	DisplayOn() bool
	// InKernelResume reports whether current_state == KernelResume: a
	// resume is pending and the idle evaluator must stand down.
	InKernelResume() bool
	// LastWakeTime returns the most recent resume time, for the
	// post-resume awake floor.
	LastWakeTime() time.Time
}

// Config is the subset of the daemon configuration the idle evaluator
// consults (spec §3).
type Config struct {
	WaitIdleMs            int64
	WaitIdleGranularityMs int64
	AfterResumeIdleMs     int64
	WaitAlarmsS           int64
	ReadinessPath         string
}

// ReadinessCheck reports whether the system has booted far enough to
// permit suspend. Satisfied by platform.ReadinessSentinel.
type ReadinessCheck func(path string) bool

// Evaluator runs the coalescing idle timer on the suspend loop.
type Evaluator struct {
	clock      clockpkg.Clock
	activities *activity.Registry
	alarms     alarm.Service
	signals    Signals
	cfg        Config
	logger     zerolog.Logger
	ready      ReadinessCheck
	onIdle     func()

	timer *clockpkg.Timer
}

// New constructs an Evaluator and arms its first tick for cfg.WaitIdleMs
// (floored at minIdleMs). onIdleDetected is invoked synchronously from
// Tick when every idle precondition holds; it must not block.
func New(c clockpkg.Clock, activities *activity.Registry, alarms alarm.Service, signals Signals, cfg Config, ready ReadinessCheck, logger zerolog.Logger, onIdleDetected func()) *Evaluator {
	if cfg.WaitIdleMs < minIdleMs {
		cfg.WaitIdleMs = minIdleMs
	}
	e := &Evaluator{
		clock:      c,
		activities: activities,
		alarms:     alarms,
		signals:    signals,
		cfg:        cfg,
		logger:     logger,
		ready:      ready,
		onIdle:     onIdleDetected,
	}
	e.timer = c.Timer(time.Duration(cfg.WaitIdleMs) * time.Millisecond)
	return e
}

// C returns the evaluator's timer channel. The suspend loop selects on
// this alongside its own event queue and calls Tick when it fires.
func (e *Evaluator) C() <-chan time.Time {
	return e.timer.C
}

// Stop releases the underlying timer, for clean teardown of the suspend
// loop.
func (e *Evaluator) Stop() {
	e.timer.Stop()
}

// Tick runs one evaluation pass per spec §4.4's eight steps and re-arms
// the timer before returning.
func (e *Evaluator) Tick() {
	now := e.clock.Now()

	if e.signals.InKernelResume() {
		e.rearm(time.Duration(e.cfg.WaitIdleMs) * time.Millisecond)
		return
	}
	if e.signals.DisplayOn() {
		e.rearm(time.Duration(e.cfg.WaitIdleMs) * time.Millisecond)
		return
	}

	floor := e.signals.LastWakeTime().Add(time.Duration(e.cfg.AfterResumeIdleMs) * time.Millisecond)
	if now.Before(floor) {
		e.rearmFinal(now, floor.Sub(now).Milliseconds())
		return
	}

	if e.activities.AnyActive(now) {
		e.logger.Debug().Msg("idle: activity active since wake")
	}
	e.activities.RemoveExpired(now)

	if wakeup, ok := e.alarms.NextWakeup(); ok {
		untilAlarm := wakeup.Expiry.Sub(now)
		if untilAlarm <= time.Duration(e.cfg.WaitAlarmsS)*time.Second {
			e.logger.Debug().Dur("until", untilAlarm).Msg("idle: wake alarm imminent, deferring")
			e.rearmFinal(now, 0)
			return
		}
	}

	if !e.ready(e.cfg.ReadinessPath) {
		e.rearmFinal(now, 0)
		return
	}

	if !e.activities.AnyActive(now) {
		e.onIdle()
	}
	e.rearmFinal(now, 0)
}

// rearmFinal implements step 8: wait = max(wait_idle_ms,
// max_remaining_ms(now), next_idle_ms). The activity.Infinite sentinel
// (an open-ended activity is held) is not a real duration and is left out
// of the max, so the evaluator keeps polling every wait_idle_ms.
func (e *Evaluator) rearmFinal(now time.Time, nextIdleMs int64) {
	wait := e.cfg.WaitIdleMs
	if remaining := e.activities.MaxRemainingMs(now); remaining != activity.Infinite && int64(remaining) > wait {
		wait = int64(remaining)
	}
	if nextIdleMs > wait {
		wait = nextIdleMs
	}
	e.rearm(time.Duration(wait) * time.Millisecond)
}

func (e *Evaluator) rearm(wait time.Duration) {
	floor := time.Duration(minIdleMs) * time.Millisecond
	if wait < floor {
		wait = floor
	}
	if granularity := time.Duration(e.cfg.WaitIdleGranularityMs) * time.Millisecond; granularity > 0 {
		if rounded := wait.Round(granularity); rounded > 0 {
			wait = rounded
		}
	}
	e.timer.Reset(wait)
}
