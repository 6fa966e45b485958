package tenantctx

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Context is the resolved scope every downstream check operates on. Raw ids
// from the wire never travel past the resolver.
type Context struct {
	TenantID   string `json:"tenant_id"`
	VenueID    string `json:"venue_id"`
	CohortID   string `json:"cohort_id,omitempty"`
	SessionKey string `json:"session_key"`
}

// Directory answers which tenant and cohort a venue belongs to. Implemented
// by the rollout venue store.
type Directory interface {
	VenueScope(ctx context.Context, venueID string) (tenantID, cohortID string, err error)
}

type Resolver struct {
	secret    []byte
	directory Directory
}

func NewResolver(secret string, directory Directory) *Resolver {
	if secret == "" {
		log.Warn().Msg("empty session secret, session keys are not stable across restarts")
	}
	return &Resolver{secret: []byte(secret), directory: directory}
}

// Resolve verifies the venue belongs to the claimed tenant and derives the
// scoped session key.
func (r *Resolver) Resolve(ctx context.Context, tenantID, venueID, sessionSeed string) (Context, error) {
	if tenantID == "" || venueID == "" {
		return Context{}, fmt.Errorf("tenant and venue are required")
	}

	ownerTenant, cohortID, err := r.directory.VenueScope(ctx, venueID)
	if err != nil {
		return Context{}, fmt.Errorf("resolve venue %s: %w", venueID, err)
	}

	if ownerTenant != tenantID {
		log.Warn().Str("venue", venueID).Str("claimed_tenant", tenantID).Msg("cross-tenant access refused")
		return Context{}, ErrVenueAccessDenied
	}

	return Context{
		TenantID:   tenantID,
		VenueID:    venueID,
		CohortID:   cohortID,
		SessionKey: r.sessionKey(tenantID, venueID, sessionSeed),
	}, nil
}

// Authorize checks that an already-resolved context may touch targetVenueID.
func (r *Resolver) Authorize(ctx context.Context, rc Context, targetVenueID string) error {
	if targetVenueID == rc.VenueID {
		return nil
	}

	ownerTenant, _, err := r.directory.VenueScope(ctx, targetVenueID)
	if err != nil {
		return fmt.Errorf("resolve venue %s: %w", targetVenueID, err)
	}
	if ownerTenant != rc.TenantID {
		return ErrVenueAccessDenied
	}
	return nil
}

// sessionKey is an HMAC over the scope tuple so a key leaked from one venue
// is useless against another.
func (r *Resolver) sessionKey(tenantID, venueID, seed string) string {
	mac := hmac.New(sha256.New, r.secret)
	mac.Write([]byte(tenantID))
	mac.Write([]byte{0})
	mac.Write([]byte(venueID))
	mac.Write([]byte{0})
	mac.Write([]byte(seed))
	return hex.EncodeToString(mac.Sum(nil))
}
