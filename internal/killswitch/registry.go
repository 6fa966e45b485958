package killswitch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultCacheTTL bounds how stale a blockage check may be. Kill switches
// are the last line of defense, so the window stays in low single seconds.
const DefaultCacheTTL = 2 * time.Second

// Registry answers "is this request blocked" from a short-lived in-memory
// snapshot of active switches, refreshed from the store on expiry and
// invalidated on every write.
type Registry struct {
	store *SQLiteStore
	ttl   time.Duration

	mu        sync.RWMutex
	snapshot  []Switch
	fetchedAt time.Time
}

func NewRegistry(store *SQLiteStore, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Registry{store: store, ttl: ttl}
}

// IsBlocked checks global, then tenant, then venue scope. Any active switch
// blocks. On an internal error the caller is told blocked: fail closed.
func (r *Registry) IsBlocked(ctx context.Context, tenantID, venueID string) Verdict {
	switches, err := r.activeSwitches(ctx)
	if err != nil {
		log.Error().Err(err).Msg("kill switch lookup failed, failing closed")
		return Verdict{Blocked: true, Reason: "kill switch state unavailable"}
	}

	now := time.Now()
	for _, order := range []Scope{ScopeGlobal, ScopeTenant, ScopeVenue} {
		for _, sw := range switches {
			if sw.Scope != order {
				continue
			}
			if sw.active(now) && sw.matches(tenantID, venueID) {
				return Verdict{Blocked: true, Reason: sw.Reason}
			}
		}
	}

	return Verdict{}
}

// Activate persists a switch and drops the cache so it takes effect on the
// next check, no restart required.
func (r *Registry) Activate(ctx context.Context, sw Switch) error {
	if sw.Reason == "" {
		return fmt.Errorf("reason is required")
	}
	if sw.ActivatedBy == "" {
		return fmt.Errorf("activated_by is required")
	}
	if err := validateScope(sw); err != nil {
		return err
	}

	if err := r.store.Insert(ctx, sw); err != nil {
		return err
	}

	r.invalidate()
	log.Warn().
		Str("scope", string(sw.Scope)).
		Str("tenant", sw.TenantID).
		Str("venue", sw.VenueID).
		Str("reason", sw.Reason).
		Str("by", sw.ActivatedBy).
		Msg("kill switch activated")
	return nil
}

func (r *Registry) Deactivate(ctx context.Context, scope Scope, tenantID, venueID string) error {
	found, err := r.store.Deactivate(ctx, scope, tenantID, venueID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no active kill switch for scope %s", scope)
	}

	r.invalidate()
	log.Info().Str("scope", string(scope)).Str("tenant", tenantID).Str("venue", venueID).Msg("kill switch deactivated")
	return nil
}

// ActiveSwitches returns the current active set, for the admin surface.
func (r *Registry) ActiveSwitches(ctx context.Context) ([]Switch, error) {
	return r.store.Active(ctx)
}

func (r *Registry) activeSwitches(ctx context.Context) ([]Switch, error) {
	r.mu.RLock()
	if time.Since(r.fetchedAt) < r.ttl {
		cached := r.snapshot
		r.mu.RUnlock()
		return cached, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if time.Since(r.fetchedAt) < r.ttl {
		return r.snapshot, nil
	}

	switches, err := r.store.Active(ctx)
	if err != nil {
		return nil, err
	}

	r.snapshot = switches
	r.fetchedAt = time.Now()
	return switches, nil
}

func (r *Registry) invalidate() {
	r.mu.Lock()
	r.fetchedAt = time.Time{}
	r.snapshot = nil
	r.mu.Unlock()
}

func validateScope(sw Switch) error {
	switch sw.Scope {
	case ScopeGlobal:
		return nil
	case ScopeTenant:
		if sw.TenantID == "" {
			return fmt.Errorf("tenant scope requires tenant_id")
		}
	case ScopeVenue:
		if sw.VenueID == "" {
			return fmt.Errorf("venue scope requires venue_id")
		}
	default:
		return fmt.Errorf("invalid scope: %s", sw.Scope)
	}
	return nil
}
