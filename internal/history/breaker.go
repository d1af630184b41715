package history

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/officeflow/model"
)

// ErrNotifierOpen is returned while a GuardedNotifier is skipping deliveries.
var ErrNotifierOpen = errors.New("notifier circuit open")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// GuardedNotifier stops calling an unhealthy notifier after a run of
// consecutive failures and lets one trial call through once the cooldown has
// passed. A successful trial closes the circuit; a failed one reopens it.
// It is safe for concurrent use.
type GuardedNotifier struct {
	next      Notifier
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    breakerState
	failures int
	openedAt time.Time
	probing  bool
}

// NewGuardedNotifier wraps next. threshold defaults to 5 and cooldown to 30s
// when not positive.
func NewGuardedNotifier(next Notifier, threshold int, cooldown time.Duration) *GuardedNotifier {
	if threshold < 1 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &GuardedNotifier{
		next:      next,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Notify delivers e unless the circuit is open.
func (g *GuardedNotifier) Notify(ctx context.Context, e model.LogEntry) error {
	if !g.allow() {
		return ErrNotifierOpen
	}
	err := g.next.Notify(ctx, e)
	g.record(err == nil)
	return err
}

// State reports "closed", "open" or "half-open".
func (g *GuardedNotifier) State() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.maybeHalfOpen()
	return g.state.String()
}

func (g *GuardedNotifier) allow() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.maybeHalfOpen()
	switch g.state {
	case breakerOpen:
		return false
	case breakerHalfOpen:
		// One trial call at a time.
		if g.probing {
			return false
		}
		g.probing = true
	}
	return true
}

func (g *GuardedNotifier) record(ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case breakerClosed:
		if ok {
			g.failures = 0
			return
		}
		g.failures++
		if g.failures >= g.threshold {
			g.trip()
		}
	case breakerHalfOpen:
		g.probing = false
		if ok {
			g.state = breakerClosed
			g.failures = 0
			return
		}
		g.trip()
	}
}

// trip opens the circuit. Must be called with mu held.
func (g *GuardedNotifier) trip() {
	g.state = breakerOpen
	g.openedAt = g.now()
	g.probing = false
}

// maybeHalfOpen moves an open circuit to half-open after the cooldown. Must
// be called with mu held.
func (g *GuardedNotifier) maybeHalfOpen() {
	if g.state == breakerOpen && g.now().Sub(g.openedAt) >= g.cooldown {
		g.state = breakerHalfOpen
		g.probing = false
	}
}
