package flags

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/dagbolade/rollout-control-plane/internal/tenantctx"
)

const (
	// DefaultCacheTTL is intentionally short: an override write invalidates
	// explicitly, so the TTL only bounds staleness across process restarts
	// of the writer.
	DefaultCacheTTL  = 30 * time.Second
	defaultCacheSize = 4096
)

// Resolver resolves a flag's effective value through the override
// hierarchy: cohort > venue > tenant > registered default. Resolved values
// cache per (key, tenant, venue, cohort); concurrent misses for the same
// entry coalesce into one store lookup.
type Resolver struct {
	store *SQLiteStore
	cache *lru.LRU[string, Value]
	group singleflight.Group
}

func NewResolver(store *SQLiteStore, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Resolver{
		store: store,
		cache: lru.NewLRU[string, Value](defaultCacheSize, nil, ttl),
	}
}

func (r *Resolver) Resolve(ctx context.Context, key string, rc tenantctx.Context) (Value, error) {
	cacheKey := resolveCacheKey(key, rc)

	if v, ok := r.cache.Get(cacheKey); ok {
		return v, nil
	}

	result, err, _ := r.group.Do(cacheKey, func() (any, error) {
		v, err := r.resolveUncached(ctx, key, rc)
		if err != nil {
			return Value{}, err
		}
		r.cache.Add(cacheKey, v)
		return v, nil
	})
	if err != nil {
		return Value{}, err
	}

	return result.(Value), nil
}

// SetOverride writes through and invalidates. The cache is flushed wholesale
// rather than per-entry: override writes are rare admin actions and a scope
// change can affect many cached combinations.
func (r *Resolver) SetOverride(ctx context.Context, o Override) error {
	if !validScope(o.Scope) {
		return &ConfigurationError{Key: o.Key, Detail: fmt.Sprintf("invalid override scope %q", o.Scope)}
	}
	if o.ScopeID == "" {
		return &ConfigurationError{Key: o.Key, Detail: "override scope_id is required"}
	}

	if _, err := r.store.Flag(ctx, o.Key); err != nil {
		return err
	}

	if err := r.store.SetOverride(ctx, o); err != nil {
		return err
	}

	r.cache.Purge()
	log.Info().Str("key", o.Key).Str("scope", string(o.Scope)).Str("scope_id", o.ScopeID).
		Bool("enabled", o.Enabled).Msg("flag override set")
	return nil
}

func (r *Resolver) DeleteOverride(ctx context.Context, key string, scope Scope, scopeID string) error {
	if err := r.store.DeleteOverride(ctx, key, scope, scopeID); err != nil {
		return err
	}

	r.cache.Purge()
	log.Info().Str("key", key).Str("scope", string(scope)).Str("scope_id", scopeID).Msg("flag override removed")
	return nil
}

func (r *Resolver) RegisterFlag(ctx context.Context, f Flag) error {
	if f.Key == "" {
		return &ConfigurationError{Key: f.Key, Detail: "flag key is required"}
	}
	if err := r.store.RegisterFlag(ctx, f); err != nil {
		return err
	}
	r.cache.Purge()
	return nil
}

// resolveUncached tries each scope in fixed order; the first match wins
// entirely. No override means the registered default applies.
func (r *Resolver) resolveUncached(ctx context.Context, key string, rc tenantctx.Context) (Value, error) {
	flag, err := r.store.Flag(ctx, key)
	if err != nil {
		return Value{}, err
	}

	overrides, err := r.store.Overrides(ctx, key)
	if err != nil {
		return Value{}, err
	}

	lookups := []struct {
		scope   Scope
		scopeID string
	}{
		{ScopeCohort, rc.CohortID},
		{ScopeVenue, rc.VenueID},
		{ScopeTenant, rc.TenantID},
	}

	for _, l := range lookups {
		if l.scopeID == "" {
			continue
		}
		for _, o := range overrides {
			if o.Scope == l.scope && o.ScopeID == l.scopeID {
				return Value{Enabled: o.Enabled, Payload: o.Payload, Source: string(o.Scope)}, nil
			}
		}
	}

	return Value{Enabled: flag.DefaultEnabled, Payload: flag.DefaultPayload, Source: "default"}, nil
}

func resolveCacheKey(key string, rc tenantctx.Context) string {
	return key + "|" + rc.TenantID + "|" + rc.VenueID + "|" + rc.CohortID
}
