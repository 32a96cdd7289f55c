// Package activity implements the wakelock registry described in spec §4.2:
// named assertions that prevent suspend, each with an optional expiry, plus
// the freeze/thaw fallback for platforms without kernel wakelocks.
package activity

import (
	"errors"
	"math"
	"sync"
	"time"
)

// ErrDuplicate is returned by Add when an activity with the same name is
// already held; Add has refreshed that activity.
var ErrDuplicate = errors.New("activity: duplicate")

// ErrUnknown is returned by Remove for a name that isn't held.
var ErrUnknown = errors.New("activity: unknown")

// Infinite is the sentinel MaxRemainingMs returns when at least one
// open-ended (no duration) activity is held: the idle evaluator must treat
// this as "never idle" rather than as a real millisecond count.
const Infinite = math.MaxUint32

// Activity is a single named wakelock.
type Activity struct {
	Name       string
	StartedAt  time.Time
	DurationMs *int64
	ExpiresAt  *time.Time
}

// Registry is the mutex-guarded set of held activities. Every operation
// takes the short critical section; none of them call out to a broadcast
// or platform primitive while holding it, per spec §5's locking discipline.
type Registry struct {
	mu       sync.Mutex
	byName   map[string]Activity
	frozen   bool
	freezeOK bool
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{byName: make(map[string]Activity)}
}

// Add inserts or refreshes the named activity. A nil durationMs makes the
// activity open-ended until explicitly Removed. Refreshing a name already
// held replaces its start time and duration and returns ErrDuplicate.
func (r *Registry) Add(name string, now time.Time, durationMs *int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.byName[name]
	a := Activity{Name: name, StartedAt: now, DurationMs: durationMs}
	if durationMs != nil {
		expires := now.Add(time.Duration(*durationMs) * time.Millisecond)
		a.ExpiresAt = &expires
	}
	r.byName[name] = a
	if exists {
		return ErrDuplicate
	}
	return nil
}

// Remove drops the named activity, regardless of expiry.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; !exists {
		return ErrUnknown
	}
	delete(r.byName, name)
	return nil
}

// AnyActive reports whether any non-expired activity is held at now.
func (r *Registry) AnyActive(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.byName {
		if a.ExpiresAt == nil || a.ExpiresAt.After(now) {
			return true
		}
	}
	return false
}

// MaxRemainingMs returns the longest remaining duration, in milliseconds,
// of any bounded activity at now. If any open-ended activity is held, it
// returns Infinite: the idle evaluator must not schedule around a
// nonexistent expiry.
func (r *Registry) MaxRemainingMs(now time.Time) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var max int64
	for _, a := range r.byName {
		if a.ExpiresAt == nil {
			return Infinite
		}
		if !a.ExpiresAt.After(now) {
			continue
		}
		remaining := a.ExpiresAt.Sub(now).Milliseconds()
		if remaining > max {
			max = remaining
		}
	}
	if max > Infinite {
		return Infinite
	}
	return uint32(max)
}

// RemoveExpired sweeps every activity whose expiry has passed at now.
func (r *Registry) RemoveExpired(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, a := range r.byName {
		if a.ExpiresAt != nil && !a.ExpiresAt.After(now) {
			delete(r.byName, name)
		}
	}
}

// ListActiveSince returns the activities started at or after t, for
// diagnostics.
func (r *Registry) ListActiveSince(t time.Time) []Activity {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Activity
	for _, a := range r.byName {
		if !a.StartedAt.Before(t) {
			out = append(out, a)
		}
	}
	return out
}

// CountSince returns the number of activities started at or after t.
func (r *Registry) CountSince(t time.Time) int {
	return len(r.ListActiveSince(t))
}

// CheckCanSuspend implements the wakelock-capable path of spec §4.2:
// advisory only, since the kernel itself refuses to suspend while a real
// wakelock is held.
func (r *Registry) CheckCanSuspend(now time.Time) bool {
	return !r.AnyActive(now)
}

// FreezeAll implements the non-wakelock fallback: atomically marks the
// registry frozen and reports whether it was safe to do so (no activity
// active). If any activity is active, the registry is left unfrozen so a
// later ThawAll is a no-op.
func (r *Registry) FreezeAll(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.byName {
		if a.ExpiresAt == nil || a.ExpiresAt.After(now) {
			return false
		}
	}
	r.frozen = true
	r.freezeOK = true
	return true
}

// ThawAll releases a freeze established by FreezeAll. Safe to call even
// if FreezeAll was never successfully established.
func (r *Registry) ThawAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = false
	r.freezeOK = false
}

// Frozen reports whether the registry currently believes itself frozen,
// for pairing assertions in tests.
func (r *Registry) Frozen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frozen
}
