package rollout

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dagbolade/rollout-control-plane/internal/gates"
	"github.com/dagbolade/rollout-control-plane/internal/killswitch"
)

// Trigger values recorded in mode history.
const (
	TriggerAdminPromote  = "admin_promote"
	TriggerAdminFallback = "admin_fallback"
	TriggerKPIBreach     = "kpi_breach" // recorded as kpi_breach:<metric>
)

// CeilingProvider bounds the maximum mode a venue may hold through its
// cohort. Membership never grants a mode, it only caps one.
type CeilingProvider interface {
	Ceiling(ctx context.Context, cohortID string) (Mode, error)
}

// Manager owns each venue's current mode and performs validated
// transitions. Hot-path mode reads come from an in-memory cache refreshed
// on write, not per-request storage lookups.
type Manager struct {
	store    *SQLiteStore
	switches *killswitch.Registry
	ceilings CeilingProvider

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	cacheMu   sync.RWMutex
	modeCache map[string]Mode

	notifyCh chan Transition
}

func NewManager(store *SQLiteStore, switches *killswitch.Registry, ceilings CeilingProvider) *Manager {
	return &Manager{
		store:     store,
		switches:  switches,
		ceilings:  ceilings,
		locks:     make(map[string]*sync.Mutex),
		modeCache: make(map[string]Mode),
		notifyCh:  make(chan Transition, 100),
	}
}

// Mode returns the stored mode, from cache when possible.
func (m *Manager) Mode(ctx context.Context, venueID string) (Mode, error) {
	m.cacheMu.RLock()
	mode, ok := m.modeCache[venueID]
	m.cacheMu.RUnlock()
	if ok {
		return mode, nil
	}

	v, err := m.store.Venue(ctx, venueID)
	if err != nil {
		return "", err
	}

	m.cacheMu.Lock()
	m.modeCache[venueID] = v.Mode
	m.cacheMu.Unlock()

	return v.Mode, nil
}

// EffectiveMode is the stored mode suppressed to off while any matching
// kill switch is active. The stored mode itself is untouched, which keeps
// "currently suppressed" distinct from "demoted".
func (m *Manager) EffectiveMode(ctx context.Context, tenantID, venueID string) (Mode, error) {
	mode, err := m.Mode(ctx, venueID)
	if err != nil {
		return "", err
	}

	if verdict := m.switches.IsBlocked(ctx, tenantID, venueID); verdict.Blocked {
		return ModeOff, nil
	}

	return mode, nil
}

// Promote moves one step forward. It is refused unless the supplied gate
// result passed, and capped by the venue's cohort ceiling.
func (m *Manager) Promote(ctx context.Context, venueID string, gate gates.Result, actor string) (Transition, error) {
	if !gate.Passed {
		return Transition{}, &TransitionRejectedError{
			VenueID:  venueID,
			GateID:   gate.GateID,
			Blockers: gate.Blockers,
		}
	}

	return m.transition(ctx, venueID, directionUp, TriggerAdminPromote, actor, "gate "+gate.GateID+" passed")
}

// Fallback moves one step back. Never gated: a safety move must not be
// blockable by anything, including gate evaluation failures.
func (m *Manager) Fallback(ctx context.Context, venueID, trigger, actor, reason string) (Transition, error) {
	return m.transition(ctx, venueID, directionDown, trigger, actor, reason)
}

// Venue exposes the stored venue record.
func (m *Manager) Venue(ctx context.Context, venueID string) (Venue, error) {
	return m.store.Venue(ctx, venueID)
}

func (m *Manager) History(ctx context.Context, venueID string, limit int) ([]Transition, error) {
	return m.store.History(ctx, venueID, limit)
}

// Notify delivers every committed transition. Non-blocking publish; slow
// consumers miss events rather than stalling transitions.
func (m *Manager) Notify() <-chan Transition {
	return m.notifyCh
}

type direction int

const (
	directionUp direction = iota
	directionDown
)

// transition serializes per venue, then applies an optimistic
// compare-and-set against the store. A lost race retries once with a fresh
// read before surfacing a conflict: last-writer-wins is unacceptable for a
// safety mechanism.
func (m *Manager) transition(ctx context.Context, venueID string, dir direction, trigger, actor, reason string) (Transition, error) {
	lock := m.venueLock(venueID)
	lock.Lock()
	defer lock.Unlock()

	const attempts = 2
	for attempt := 0; attempt < attempts; attempt++ {
		v, err := m.store.Venue(ctx, venueID)
		if err != nil {
			return Transition{}, err
		}

		next, err := m.nextMode(ctx, v, dir)
		if err != nil {
			return Transition{}, err
		}

		now := time.Now()
		ok, err := m.store.CompareAndSetMode(ctx, venueID, next, v.Version, now)
		if err != nil {
			return Transition{}, err
		}
		if !ok {
			log.Warn().Str("venue", venueID).Int("attempt", attempt+1).Msg("mode version conflict")
			continue
		}

		tr := Transition{
			VenueID: venueID,
			Prev:    v.Mode,
			Next:    next,
			Trigger: trigger,
			Actor:   actor,
			Reason:  reason,
			At:      now,
		}

		if err := m.store.AppendHistory(ctx, tr); err != nil {
			// The mode change is already committed; history append failure
			// is loud but does not roll back a safety transition.
			log.Error().Err(err).Str("venue", venueID).Msg("mode history append failed")
		}

		m.cacheMu.Lock()
		m.modeCache[venueID] = next
		m.cacheMu.Unlock()

		m.publish(tr)

		log.Info().
			Str("venue", venueID).
			Str("from", string(v.Mode)).
			Str("to", string(next)).
			Str("trigger", trigger).
			Str("actor", actor).
			Msg("rollout mode changed")

		return tr, nil
	}

	return Transition{}, &ConcurrencyConflictError{VenueID: venueID}
}

func (m *Manager) nextMode(ctx context.Context, v Venue, dir direction) (Mode, error) {
	switch dir {
	case directionUp:
		next, ok := v.Mode.Next()
		if !ok {
			return "", ErrAtCeiling
		}
		if v.CohortID != "" && m.ceilings != nil {
			ceiling, err := m.ceilings.Ceiling(ctx, v.CohortID)
			if err != nil {
				return "", err
			}
			if !ceiling.AtLeast(next) {
				return "", ErrAtCeiling
			}
		}
		return next, nil

	case directionDown:
		prev, ok := v.Mode.Prev()
		if !ok {
			return "", ErrAtFloor
		}
		return prev, nil
	}

	return "", ErrAtFloor
}

func (m *Manager) venueLock(venueID string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	lock, ok := m.locks[venueID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[venueID] = lock
	}
	return lock
}

func (m *Manager) publish(tr Transition) {
	select {
	case m.notifyCh <- tr:
	default:
	}
}
