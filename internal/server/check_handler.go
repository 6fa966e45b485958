package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/dagbolade/rollout-control-plane/internal/agentpolicy"
	"github.com/dagbolade/rollout-control-plane/internal/flags"
	"github.com/dagbolade/rollout-control-plane/internal/killswitch"
	"github.com/dagbolade/rollout-control-plane/internal/rollout"
	"github.com/dagbolade/rollout-control-plane/internal/tenantctx"
)

// CheckHandler serves the synchronous request-path checks: tenant
// resolution, kill switch, flag resolution, effective mode, and the policy
// decision. Callers fall back to a static non-AI path on any deny.
type CheckHandler struct {
	resolver *tenantctx.Resolver
	switches *killswitch.Registry
	flags    *flags.Resolver
	rollout  *rollout.Manager
	policy   *agentpolicy.Engine
}

func NewCheckHandler(resolver *tenantctx.Resolver, switches *killswitch.Registry, fl *flags.Resolver, ro *rollout.Manager, pol *agentpolicy.Engine) *CheckHandler {
	return &CheckHandler{
		resolver: resolver,
		switches: switches,
		flags:    fl,
		rollout:  ro,
		policy:   pol,
	}
}

type checkToolRequest struct {
	TenantID    string `json:"tenant_id"`
	VenueID     string `json:"venue_id"`
	SessionSeed string `json:"session_seed,omitempty"`
	AgentType   string `json:"agent_type"`
	ToolName    string `json:"tool_name"`
}

type checkToolResponse struct {
	Allowed       bool   `json:"allowed"`
	Blocked       bool   `json:"blocked"`
	Reason        string `json:"reason,omitempty"`
	EffectiveMode string `json:"effective_mode,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	SessionKey    string `json:"session_key,omitempty"`
}

// CheckTool runs the full pipeline. Order matters: kill switch first (hard
// stop), then effective mode, then the per-tool policy decision.
func (h *CheckHandler) CheckTool(c echo.Context) error {
	ctx := c.Request().Context()

	var req checkToolRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.AgentType == "" || req.ToolName == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "agent_type and tool_name are required"})
	}

	rc, err := h.resolver.Resolve(ctx, req.TenantID, req.VenueID, req.SessionSeed)
	if err != nil {
		if errors.Is(err, tenantctx.ErrVenueAccessDenied) {
			return c.JSON(http.StatusForbidden, checkToolResponse{Reason: "venue access denied"})
		}
		if errors.Is(err, rollout.ErrVenueNotFound) {
			return c.JSON(http.StatusNotFound, checkToolResponse{Reason: "unknown venue"})
		}
		log.Error().Err(err).Str("venue", req.VenueID).Msg("tenant resolution failed")
		// Fail closed: an unresolved context never reaches the policy engine.
		return c.JSON(http.StatusOK, checkToolResponse{Blocked: true, Reason: "context resolution failed"})
	}

	if verdict := h.switches.IsBlocked(ctx, rc.TenantID, rc.VenueID); verdict.Blocked {
		return c.JSON(http.StatusOK, checkToolResponse{
			Blocked:    true,
			Reason:     verdict.Reason,
			SessionKey: rc.SessionKey,
		})
	}

	mode, err := h.rollout.EffectiveMode(ctx, rc.TenantID, rc.VenueID)
	if err != nil {
		log.Error().Err(err).Str("venue", rc.VenueID).Msg("effective mode lookup failed")
		return c.JSON(http.StatusOK, checkToolResponse{Blocked: true, Reason: "mode unavailable"})
	}

	decision := h.policy.Check(ctx, req.AgentType, req.ToolName, rc.VenueID, mode)

	return c.JSON(http.StatusOK, checkToolResponse{
		Allowed:       decision.Allowed,
		Reason:        decision.Reason,
		EffectiveMode: string(mode),
		CorrelationID: decision.CorrelationID,
		SessionKey:    rc.SessionKey,
	})
}

// ResolveFlag returns the effective flag value for the caller's scope.
func (h *CheckHandler) ResolveFlag(c echo.Context) error {
	ctx := c.Request().Context()
	key := c.Param("key")

	rc, err := h.resolver.Resolve(ctx, c.QueryParam("tenant_id"), c.QueryParam("venue_id"), "")
	if err != nil {
		return c.JSON(http.StatusForbidden, map[string]string{"error": "could not resolve scope"})
	}

	value, err := h.flags.Resolve(ctx, key, rc)
	if err != nil {
		var confErr *flags.ConfigurationError
		if errors.As(err, &confErr) {
			// Safe default: unknown keys resolve disabled.
			return c.JSON(http.StatusOK, flags.Value{Enabled: false, Source: "unknown_key"})
		}
		log.Error().Err(err).Str("key", key).Msg("flag resolution failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "flag resolution failed"})
	}

	return c.JSON(http.StatusOK, value)
}

// VenueMode reports both stored and effective mode, so operators can see
// "suppressed by kill switch" as distinct from "demoted".
func (h *CheckHandler) VenueMode(c echo.Context) error {
	ctx := c.Request().Context()
	venueID := c.Param("id")

	venue, err := h.rollout.Venue(ctx, venueID)
	if err != nil {
		if errors.Is(err, rollout.ErrVenueNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown venue"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "venue lookup failed"})
	}

	effective, err := h.rollout.EffectiveMode(ctx, venue.TenantID, venue.ID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "mode lookup failed"})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"venue_id":        venue.ID,
		"stored_mode":     venue.Mode,
		"effective_mode":  effective,
		"mode_changed_at": venue.ModeChangedAt,
	})
}
