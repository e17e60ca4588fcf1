package scope

import (
	"strings"
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"

	"tradelink/src/events"
	"tradelink/src/model"
	"tradelink/src/statefile"
)

// Resolver is the only place mode is computed. Every other component
// consumes its output and never re-derives mode from price data, UI state or
// anything else.
type Resolver struct {
	cfg   Config
	store *statefile.Store
	bus   *events.Dispatcher

	mu          sync.RWMutex
	current     model.Scope
	provisional bool
	pending     []signal
}

type signal struct {
	scope model.Scope
	at    time.Time
}

func NewResolver(cfg Config, store *statefile.Store, bus *events.Dispatcher) *Resolver {
	return &Resolver{
		cfg:   cfg,
		store: store,
		bus:   bus,
	}
}

// ModeFor maps an account identifier to a mode. Exact match against the
// configured LIVE account is the only path to LIVE; accounts following the
// simulator naming convention resolve to SIM; anything empty or unrecognized
// is DEBUG.
func (r *Resolver) ModeFor(account string) model.Mode {
	if account == "" {
		return model.ModeDebug
	}
	if r.cfg.LiveAccount != "" && account == r.cfg.LiveAccount {
		return model.ModeLive
	}

	upper := strings.ToUpper(account)
	if strings.HasPrefix(upper, "SIM") || strings.Contains(upper, "PAPER") {
		return model.ModeSim
	}

	return model.ModeDebug
}

// RestoreProvisional seeds the boot scope from the persisted last-known
// (mode, account), if it is younger than the TTL. After TTL expiry the
// persisted scope is discarded and the resolver waits for a fresh
// authoritative signal.
func (r *Resolver) RestoreProvisional(now time.Time) {
	saved, savedAt, err := r.store.LoadLastScope()
	if err != nil {
		logger.WithField("component", "Resolver").
			WithError(err).Warn("Failed to load last-known scope, booting without one")
		return
	}
	if saved == nil {
		return
	}

	if now.Sub(savedAt) > r.cfg.ProvisionalTTL {
		logger.WithFields(map[string]interface{}{
			"component": "Resolver",
			"scope":     saved.String(),
			"saved_at":  savedAt,
		}).Info("Persisted scope older than TTL, discarding")
		return
	}

	r.mu.Lock()
	r.current = *saved
	r.provisional = true
	r.mu.Unlock()

	logger.WithFields(map[string]interface{}{
		"component": "Resolver",
		"scope":     saved.String(),
	}).Info("Booted with provisional scope")
}

// Observe feeds one inbound account identifier into the debounce buffer and
// returns the active scope plus whether a switch just committed. A switch
// commits only after DebounceCount consecutive agreeing signals inside the
// debounce window; a single contrary signal inside the window does not
// switch scope.
func (r *Resolver) Observe(account string, at time.Time) (model.Scope, bool) {
	candidate := model.Scope{Mode: r.ModeFor(account), Account: account}

	r.mu.Lock()

	if candidate == r.current && !r.provisional {
		r.pending = nil
		current := r.current
		r.mu.Unlock()
		return current, false
	}

	// Drop signals that fell out of the window.
	cutoff := at.Add(-r.cfg.DebounceWindow)
	kept := r.pending[:0]
	for _, s := range r.pending {
		if !s.at.Before(cutoff) {
			kept = append(kept, s)
		}
	}
	r.pending = append(kept, signal{scope: candidate, at: at})

	// Count trailing consecutive signals agreeing with the candidate.
	consecutive := 0
	for i := len(r.pending) - 1; i >= 0; i-- {
		if r.pending[i].scope != candidate {
			break
		}
		consecutive++
	}

	threshold := r.cfg.DebounceCount
	if threshold < 2 {
		threshold = 2
	}

	if consecutive < threshold {
		current := r.current
		r.mu.Unlock()
		return current, false
	}

	previous := r.current
	r.current = candidate
	r.provisional = false
	r.pending = nil
	r.mu.Unlock()

	if err := r.store.SaveLastScope(candidate); err != nil {
		logger.WithField("component", "Resolver").
			WithError(err).Warn("Failed to persist last-known scope")
	}

	logger.WithFields(map[string]interface{}{
		"component": "Resolver",
		"from":      previous.String(),
		"to":        candidate.String(),
	}).Info("Scope switch committed")

	r.bus.Publish(events.Event{
		Kind:  events.KindModeChanged,
		At:    at,
		Scope: candidate,
	})

	return candidate, true
}

// Current returns the active scope and whether it is still provisional.
func (r *Resolver) Current() (model.Scope, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current, r.provisional
}

// CheckDrift compares an inbound event's account against the active scope.
// A mismatch is surfaced as a non-blocking warning event; trading is not
// halted by drift alone.
func (r *Resolver) CheckDrift(account string, at time.Time) bool {
	r.mu.RLock()
	current := r.current
	r.mu.RUnlock()

	if current.IsZero() || account == "" || account == current.Account {
		return false
	}

	logger.WithFields(map[string]interface{}{
		"component": "Resolver",
		"expected":  current.Account,
		"observed":  account,
	}).Warn("Mode drift: inbound account disagrees with resolved scope")

	r.bus.Publish(events.Event{
		Kind:  events.KindModeDriftDetected,
		At:    at,
		Scope: current,
		Drift: &events.DriftPayload{
			ExpectedAccount: current.Account,
			ObservedAccount: account,
		},
	})

	return true
}
