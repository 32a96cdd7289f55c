// Package client implements the client registry and vote collector from
// spec §4.3: the set of subscribed clients that must individually ACK or
// NACK the two suspend handshake phases.
package client

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Vote is one client's response to one phase.
type Vote int

const (
	Unset Vote = iota
	Ack
	Nack
)

func (v Vote) String() string {
	switch v {
	case Ack:
		return "ack"
	case Nack:
		return "nack"
	default:
		return "unset"
	}
}

// Phase identifies which handshake phase a vote belongs to.
type Phase int

const (
	SuspendRequest Phase = iota
	PrepareSuspend
	phaseCount
)

func (p Phase) String() string {
	switch p {
	case SuspendRequest:
		return "suspend-request"
	case PrepareSuspend:
		return "prepare-suspend"
	default:
		return "unknown-phase"
	}
}

type clientState struct {
	votes          [phaseCount]Vote
	lastNackReason string
}

// Registry tracks subscribed clients and their per-phase votes, guarded by
// a single short mutex per spec §5's locking discipline.
type Registry struct {
	mu      sync.Mutex
	clients map[string]*clientState
	counter nackCounter
}

// New returns an empty client registry.
func New() *Registry {
	return &Registry{clients: make(map[string]*clientState)}
}

// Subscribe registers a new client with both votes Unset. Re-subscribing
// an already-known client is a no-op (idempotent subscribe, matching how
// the IPC layer may redeliver a subscription on reconnect).
func (r *Registry) Subscribe(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[id]; ok {
		return
	}
	r.clients[id] = &clientState{}
}

// Unsubscribe removes a client entirely.
func (r *Registry) Unsubscribe(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, id)
}

// ResetVotes clears every client's votes for a new suspend cycle.
func (r *Registry) ResetVotes() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.clients {
		c.votes = [phaseCount]Vote{}
		c.lastNackReason = ""
	}
}

// Ack records an ACK from id for phase. Unknown clients are dropped
// silently (spec §7: "client vote for unknown phase or after phase close").
func (r *Registry) Ack(id string, phase Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok {
		return
	}
	c.votes[phase] = Ack
}

// Nack records a NACK from id for phase, with an optional reason.
func (r *Registry) Nack(id string, phase Phase, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok {
		return
	}
	c.votes[phase] = Nack
	c.lastNackReason = reason
}

// AllApproved reports whether every known client's vote for phase is Ack.
// A registry with no clients trivially approves.
func (r *Registry) AllApproved(phase Phase) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.clients {
		if c.votes[phase] != Ack {
			return false
		}
	}
	return true
}

// AnyNacked reports whether any known client has voted Nack for phase.
func (r *Registry) AnyNacked(phase Phase) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.clients {
		if c.votes[phase] == Nack {
			return true
		}
	}
	return false
}

// NonResponders returns the ids of clients whose vote for phase is still
// Unset, sorted for deterministic logging.
func (r *Registry) NonResponders(phase Phase) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, c := range r.clients {
		if c.votes[phase] == Unset {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// PrintTable logs every client's current vote state at the given level,
// for the diagnostic table dumps spec §4.3 and §4.5 call for.
func (r *Registry) PrintTable(logger zerolog.Logger, level zerolog.Level) {
	r.mu.Lock()
	rows := make([]string, 0, len(r.clients))
	for id, c := range r.clients {
		rows = append(rows, fmt.Sprintf("%s: suspend-request=%s prepare-suspend=%s nack-reason=%q",
			id, c.votes[SuspendRequest], c.votes[PrepareSuspend], c.lastNackReason))
	}
	r.mu.Unlock()
	sort.Strings(rows)
	logger.WithLevel(level).Msg("client vote table:\n" + strings.Join(rows, "\n"))
}

// nackCounter implements the exponential rate-limited NACK logging policy
// from spec §4.3: log at 8, 16, 32, ..., 512, then 512-step increments
// thereafter (1024, 1536, 2048, ...), reset on any successful transition
// past SuspendRequest.
type nackCounter struct {
	consecutive int
	threshold   int
}

const (
	startLogCount          = 8
	maxLogCountIncreaseRate = 512
)

// BumpNackStreak increments the consecutive-NACK counter and reports
// whether this cycle crossed the next logging threshold.
func (r *Registry) BumpNackStreak() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counter.threshold == 0 {
		r.counter.threshold = startLogCount
	}
	r.counter.consecutive++
	if r.counter.consecutive < r.counter.threshold {
		return false
	}
	if r.counter.threshold >= maxLogCountIncreaseRate {
		r.counter.threshold += maxLogCountIncreaseRate
	} else {
		r.counter.threshold *= 2
	}
	return true
}

// ResetNackStreak clears the consecutive-NACK counter, called on any
// successful transition past SuspendRequest.
func (r *Registry) ResetNackStreak() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counter = nackCounter{}
}
