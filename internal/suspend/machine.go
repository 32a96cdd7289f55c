// Package suspend implements the core of this daemon: the eight-state
// suspend/resume coordinator from spec §4.5, its idle-driven entry point,
// and the client-vote handshake that gates every transition into sleep.
package suspend

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openclaw/sleepd-kobo/internal/activity"
	"github.com/openclaw/sleepd-kobo/internal/alarm"
	"github.com/openclaw/sleepd-kobo/internal/client"
	clockpkg "github.com/openclaw/sleepd-kobo/internal/clock"
	"github.com/openclaw/sleepd-kobo/internal/idle"
	"github.com/openclaw/sleepd-kobo/internal/platform"
	"github.com/openclaw/sleepd-kobo/internal/timesaver"
)

// State is one of the eight power states from spec §3. There is no
// terminal state; the machine is cyclic.
type State int

const (
	On State = iota
	OnIdle
	SuspendRequest
	PrepareSuspend
	Sleep
	KernelResume
	ActivityResume
	AbortSuspend
)

func (s State) String() string {
	switch s {
	case On:
		return "on"
	case OnIdle:
		return "on-idle"
	case SuspendRequest:
		return "suspend-request"
	case PrepareSuspend:
		return "prepare-suspend"
	case Sleep:
		return "sleep"
	case KernelResume:
		return "kernel-resume"
	case ActivityResume:
		return "activity-resume"
	case AbortSuspend:
		return "abort-suspend"
	default:
		return "unknown"
	}
}

// PowerEvent is one state-machine input from spec §3.
type PowerEvent int

const (
	EventNone PowerEvent = iota
	EventIdleDetected
	EventForceSuspend
	EventVoteChanged
	EventPhaseTimeout
	EventDisplayChanged
	EventChargerChanged
	EventResumedByKernel
)

func (e PowerEvent) String() string {
	switch e {
	case EventIdleDetected:
		return "idle-detected"
	case EventForceSuspend:
		return "force-suspend"
	case EventVoteChanged:
		return "vote-changed"
	case EventPhaseTimeout:
		return "phase-timeout"
	case EventDisplayChanged:
		return "display-changed"
	case EventChargerChanged:
		return "charger-changed"
	case EventResumedByKernel:
		return "resumed-by-kernel"
	default:
		return "none"
	}
}

// Broadcaster is the client-IPC publish contract the state machine drives
// (spec §6): three phase broadcasts plus a kind-tagged resume. Satisfied
// by internal/bus.Hub.
type Broadcaster interface {
	SuspendRequest()
	PrepareSuspend()
	Suspended()
	Resume(kind string)
}

// Config is the subset of the daemon configuration the state machine
// consults (spec §3).
type Config struct {
	WaitSuspendResponseMs int64
	WaitPrepareSuspendMs  int64
	SuspendWithCharger    bool

	// StrictPhaseTimeout resolves spec.md §9 Open Question (a): when
	// true, a phase timeout is treated as a veto instead of tacit
	// approval. Default false preserves the source's policy.
	StrictPhaseTimeout bool
}

// Snapshot is a consistent, point-in-time read of the machine's
// externally visible state, for diagnostics and status reporting.
type Snapshot struct {
	State State
	// Suspended resolves spec.md §9 Open Question (b): true only during
	// the narrow KernelResume window, not during Sleep itself, since the
	// process is frozen for the duration of Sleep and cannot report its
	// own state then.
	Suspended        bool
	DisplayOn        bool
	ChargerConnected bool
}

// Machine is the suspend/resume coordinator. All mutation of
// current_state happens only on the goroutine running Run (spec §5); the
// global signals (display_on, charger_connected, wake/suspend
// timestamps) are guarded by a short mutex so the IPC-facing goroutine
// may read and write them concurrently.
type Machine struct {
	clock      clockpkg.Clock
	activities *activity.Registry
	clients    *client.Registry
	alarms     alarm.Service
	device     platform.Device
	saver      *timesaver.Saver
	bus        Broadcaster
	logger     zerolog.Logger
	cfg        Config
	freezeMode bool

	idle *idle.Evaluator

	events     chan PowerEvent
	phaseTimer *clockpkg.Timer

	mu               sync.Mutex
	current          State
	displayOn        bool
	chargerConnected bool
	lastWakeTime     time.Time
	lastSuspendStart time.Time
}

// New constructs a Machine in the On state. freezeMode selects the
// activity registry's non-wakelock fallback (spec §4.2): pass true on
// platforms where platform.SupportsWakelocks reports false.
func New(cfg Config, c clockpkg.Clock, activities *activity.Registry, clients *client.Registry, alarms alarm.Service, device platform.Device, saver *timesaver.Saver, bus Broadcaster, freezeMode bool, idleCfg idle.Config, ready idle.ReadinessCheck, logger zerolog.Logger) *Machine {
	m := &Machine{
		clock:      c,
		activities: activities,
		clients:    clients,
		alarms:     alarms,
		device:     device,
		saver:      saver,
		bus:        bus,
		logger:     logger,
		cfg:        cfg,
		freezeMode: freezeMode,
		current:    On,
		events:     make(chan PowerEvent, 32),
	}
	m.lastWakeTime = c.Now()
	m.phaseTimer = c.Timer(time.Hour)
	m.phaseTimer.Stop()
	m.idle = idle.New(c, activities, alarms, m, idleCfg, ready, logger, func() { m.Post(EventIdleDetected) })
	return m
}

// DisplayOn implements idle.Signals.
func (m *Machine) DisplayOn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.displayOn
}

// InKernelResume implements idle.Signals.
func (m *Machine) InKernelResume() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current == KernelResume
}

// LastWakeTime implements idle.Signals.
func (m *Machine) LastWakeTime() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastWakeTime
}

// Snapshot returns a consistent read of the machine's externally visible
// state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		State:            m.current,
		Suspended:        m.current == KernelResume,
		DisplayOn:        m.displayOn,
		ChargerConnected: m.chargerConnected,
	}
}

// SetDisplay updates the display_on global signal. Called by the
// display-status decoder (internal/status.ApplyDisplay) on the IPC-facing
// goroutine.
func (m *Machine) SetDisplay(on bool) {
	m.mu.Lock()
	changed := m.displayOn != on
	m.displayOn = on
	m.mu.Unlock()
	if changed {
		m.Post(EventDisplayChanged)
	}
}

// SetCharger updates the charger_connected global signal. Called by the
// charger-status decoder (internal/status.ApplyCharger).
func (m *Machine) SetCharger(connected bool) {
	m.mu.Lock()
	changed := m.chargerConnected != connected
	m.chargerConnected = connected
	m.mu.Unlock()
	if changed {
		m.Post(EventChargerChanged)
	}
}

// ForceSuspend posts a ForceSuspend event, for an operator- or
// signal-triggered immediate suspend attempt bypassing the idle
// evaluator.
func (m *Machine) ForceSuspend() {
	m.Post(EventForceSuspend)
}

// Post enqueues event onto the suspend loop's FIFO queue. Safe to call
// from any goroutine (spec §5: posting is FIFO into the suspend loop's
// queue). A full queue drops the event and logs a warning rather than
// blocking the caller.
func (m *Machine) Post(event PowerEvent) {
	select {
	case m.events <- event:
	default:
		m.logger.Warn().Str("event", event.String()).Msg("suspend: event queue full, dropping event")
	}
}

// Run drives the suspend loop until ctx is cancelled. It must be called
// from exactly one goroutine: the "suspend thread" of spec §5.
func (m *Machine) Run(ctx context.Context) {
	defer m.idle.Stop()
	idleC := m.idle.C()
	for {
		// Drain any already-queued event first. This guarantees a
		// VoteChanged posted strictly before a phase timeout fires is
		// always processed first (spec §5's FIFO ordering guarantee),
		// rather than leaving the race to Go's pseudo-random select
		// among simultaneously-ready channels.
		select {
		case ev := <-m.events:
			m.step(ctx, ev)
			continue
		default:
		}
		select {
		case <-ctx.Done():
			return
		case ev := <-m.events:
			m.step(ctx, ev)
		case <-idleC:
			m.idle.Tick()
		case <-m.phaseTimer.C:
			m.step(ctx, EventPhaseTimeout)
		}
	}
}

// armPhaseTimer (re)arms the shared phase timer for wait. The stop-drain
// pattern guards against a stale fire from a previous phase arriving
// after a fresh Reset: Stop's return value tells us whether a pending
// fire needs draining before the new duration takes effect.
func (m *Machine) armPhaseTimer(wait time.Duration) {
	if !m.phaseTimer.Stop() {
		select {
		case <-m.phaseTimer.C:
		default:
		}
	}
	m.phaseTimer.Reset(wait)
}

// disarmPhaseTimer stops the phase timer without a destination state to
// re-arm it for, draining any fire that raced the Stop.
func (m *Machine) disarmPhaseTimer() {
	if !m.phaseTimer.Stop() {
		select {
		case <-m.phaseTimer.C:
		default:
		}
	}
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
}

func (m *Machine) currentState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// step processes one event against the machine's current state, per the
// transition table in spec §4.5. States whose only transitions happen
// inside their own entry action (OnIdle, KernelResume, ActivityResume,
// AbortSuspend) never expect an event to arrive while current; any event
// that does arrive during those windows is ignored, matching the table's
// "other -> ignored" default. Sleep is the one exception: its successful
// exit is itself posted as EventResumedByKernel (see enterSleep) rather
// than taken directly, so a duplicate resume notification racing the
// first one lands here a second time and is dropped by that same
// default, collapsing into the single broadcast already sent by the
// first (spec §8 property 9).
func (m *Machine) step(ctx context.Context, event PowerEvent) {
	switch m.currentState() {
	case On:
		switch event {
		case EventForceSuspend:
			m.transition(ctx, SuspendRequest)
		case EventIdleDetected:
			m.transition(ctx, OnIdle)
		}
	case SuspendRequest:
		m.stepPhase(ctx, client.SuspendRequest, event, PrepareSuspend, On)
	case PrepareSuspend:
		m.stepPhase(ctx, client.PrepareSuspend, event, Sleep, AbortSuspend)
	case Sleep:
		if event == EventResumedByKernel {
			m.transition(ctx, KernelResume)
		}
	}
}

// stepPhase implements the shared "wait for client approval" shape of
// SuspendRequest and PrepareSuspend. Exactly one of {approved, nacked,
// timed out} decides the outgoing transition (spec §8 property 7); a
// VoteChanged that establishes neither all-approved nor any-nacked
// leaves the machine waiting.
func (m *Machine) stepPhase(ctx context.Context, phase client.Phase, event PowerEvent, onApprove, onNack State) {
	switch event {
	case EventVoteChanged:
		if m.clients.AnyNacked(phase) {
			m.handlePhaseNack(ctx, phase, onNack)
			return
		}
		if m.clients.AllApproved(phase) {
			m.disarmPhaseTimer()
			m.transition(ctx, onApprove)
		}
	case EventPhaseTimeout:
		if m.cfg.StrictPhaseTimeout {
			m.handlePhaseNack(ctx, phase, onNack)
			return
		}
		if nonResponders := m.clients.NonResponders(phase); len(nonResponders) > 0 {
			m.logger.Debug().Strs("clients", nonResponders).Str("phase", phase.String()).
				Msg("suspend: phase timed out with non-responders, treating timeout as tacit approval")
		}
		m.transition(ctx, onApprove)
	}
}

func (m *Machine) handlePhaseNack(ctx context.Context, phase client.Phase, onNack State) {
	m.disarmPhaseTimer()
	if m.clients.BumpNackStreak() {
		m.clients.PrintTable(m.logger, zerolog.WarnLevel)
	}
	m.transition(ctx, onNack)
}

// transition moves the machine to next and runs its entry action. Entry
// actions for OnIdle, KernelResume, ActivityResume, and AbortSuspend may
// themselves call transition again, since spec §4.5 models each of those
// as an immediate decision rather than a genuine wait; SuspendRequest and
// PrepareSuspend suspend the loop pending an external event, and Sleep's
// successful exit suspends it pending its own posted EventResumedByKernel
// (see enterSleep).
func (m *Machine) transition(ctx context.Context, next State) {
	m.setState(next)
	switch next {
	case OnIdle:
		m.enterOnIdle(ctx)
	case SuspendRequest:
		m.enterSuspendRequest()
	case PrepareSuspend:
		m.enterPrepareSuspend()
	case Sleep:
		m.enterSleep(ctx)
	case KernelResume:
		m.enterKernelResume(ctx)
	case ActivityResume:
		m.enterActivityResume(ctx)
	case AbortSuspend:
		m.enterAbortSuspend(ctx)
	}
}

// enterOnIdle implements spec §8 property 3: charger-connected with
// suspend_with_charger disabled returns immediately to On without ever
// broadcasting a phase.
func (m *Machine) enterOnIdle(ctx context.Context) {
	if m.chargerBlocksSuspend() {
		m.transition(ctx, On)
		return
	}
	m.transition(ctx, SuspendRequest)
}

func (m *Machine) chargerBlocksSuspend() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chargerConnected && !m.cfg.SuspendWithCharger
}

func (m *Machine) enterSuspendRequest() {
	m.mu.Lock()
	m.lastSuspendStart = m.clock.Now()
	m.mu.Unlock()
	m.clients.ResetVotes()
	m.bus.SuspendRequest()
	m.armPhaseTimer(time.Duration(m.cfg.WaitSuspendResponseMs) * time.Millisecond)
}

func (m *Machine) enterPrepareSuspend() {
	// Reaching PrepareSuspend is a successful transition past
	// SuspendRequest; reset the rate-limited NACK-logging streak (spec
	// §4.3).
	m.clients.ResetNackStreak()
	m.bus.PrepareSuspend()
	m.armPhaseTimer(time.Duration(m.cfg.WaitPrepareSuspendMs) * time.Millisecond)
}

// enterSleep is the terminal pre-sleep state: it broadcasts Suspended,
// persists the wall clock, re-checks activity state to close the
// pre-sleep race (spec §8 property, scenario S5), and only then invokes
// the platform suspend primitive.
func (m *Machine) enterSleep(ctx context.Context) {
	m.bus.Suspended()

	start := m.suspendStart()
	now := m.clock.Now()
	m.logger.Info().Str("since_suspend_request", clockpkg.FormatDuration(now.Sub(start))).Msg("suspend: entering sleep")

	if err := m.saver.Save(time.Now()); err != nil {
		m.logger.Warn().Err(err).Msg("suspend: failed to persist timesaver record")
	}

	if !m.checkCanSuspend(now) {
		m.logger.Debug().Msg("suspend: activity registered before the platform call, aborting to ActivityResume")
		m.thawIfNeeded()
		m.transition(ctx, ActivityResume)
		return
	}
	if !m.canSleep() {
		m.logger.Debug().Msg("suspend: charger forbids sleep at the last check")
		m.thawIfNeeded()
		m.transition(ctx, AbortSuspend)
		return
	}
	if !m.alarms.QueueNextWakeup() {
		m.logger.Debug().Msg("suspend: could not arm the wake alarm")
		m.thawIfNeeded()
		m.transition(ctx, AbortSuspend)
		return
	}

	if err := m.device.SuspendAsync(); err != nil {
		m.logger.Warn().Err(err).Msg("suspend: platform suspend failed")
		m.thawIfNeeded()
		m.transition(ctx, AbortSuspend)
		return
	}
	// Post rather than transition directly: the platform call returning
	// is itself the kernel resume notification, and routing it through
	// the same queue every other signal uses means a second, spurious
	// notification arriving before this one is processed collapses into
	// the same step() call's "other -> ignored" handling instead of
	// re-entering Sleep's exit a second time.
	m.Post(EventResumedByKernel)
}

func (m *Machine) suspendStart() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSuspendStart
}

func (m *Machine) checkCanSuspend(now time.Time) bool {
	if m.freezeMode {
		return m.activities.FreezeAll(now)
	}
	return m.activities.CheckCanSuspend(now)
}

func (m *Machine) thawIfNeeded() {
	if m.freezeMode {
		m.activities.ThawAll()
	}
}

// canSleep implements spec §4.5's can_sleep() = !charger_connected ||
// suspend_with_charger.
func (m *Machine) canSleep() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.chargerConnected || m.cfg.SuspendWithCharger
}

func (m *Machine) enterKernelResume(ctx context.Context) {
	_ = m.device.Resume()
	m.thawIfNeeded()
	m.bus.Resume("kernel")
	m.recordWake()
	m.transition(ctx, On)
}

func (m *Machine) enterActivityResume(ctx context.Context) {
	_ = m.device.Resume()
	m.thawIfNeeded()
	m.bus.Resume("activity")
	m.recordWake()
	m.transition(ctx, On)
}

// enterAbortSuspend does not call device.Resume or re-arm the idle timer
// early: the platform was never actually asleep, so there is nothing to
// wake from and no resume to instrument, per the literal transition
// table (spec §4.5).
func (m *Machine) enterAbortSuspend(ctx context.Context) {
	m.thawIfNeeded()
	m.bus.Resume("abort")
	m.transition(ctx, On)
}

func (m *Machine) recordWake() {
	now := m.clock.Now()
	m.mu.Lock()
	start := m.lastSuspendStart
	m.lastWakeTime = now
	m.mu.Unlock()
	// Round(0) strips the monotonic readings: the monotonic clock does not
	// advance while the kernel is suspended, so only the wall-clock
	// difference covers the time spent asleep.
	m.logger.Info().Str("asleep_for", clockpkg.FormatDuration(now.Round(0).Sub(start.Round(0)))).Msg("suspend: resumed")
	// Re-evaluate idle immediately so the idle timer restarts from the
	// wake time instead of keeping whatever was left of the pre-suspend
	// interval. This runs while the state is still KernelResume or
	// ActivityResume: from KernelResume the evaluator stands down at step
	// 1 and re-arms for wait_idle_ms; from ActivityResume now ==
	// last_wake_time, so the post-resume floor holds and it re-arms for
	// max(wait_idle_ms, max_remaining_ms, after_resume_idle_ms). Neither
	// path arms the timer for after_resume_idle_ms alone.
	m.idle.Tick()
}
