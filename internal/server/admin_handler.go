package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/dagbolade/rollout-control-plane/internal/audit"
	"github.com/dagbolade/rollout-control-plane/internal/auth"
	"github.com/dagbolade/rollout-control-plane/internal/cohort"
	"github.com/dagbolade/rollout-control-plane/internal/flags"
	"github.com/dagbolade/rollout-control-plane/internal/gates"
	"github.com/dagbolade/rollout-control-plane/internal/killswitch"
	"github.com/dagbolade/rollout-control-plane/internal/kpi"
	"github.com/dagbolade/rollout-control-plane/internal/rollout"
)

// AdminHandler covers the elevated surface: venue lifecycle, mode
// transitions, kill switches, flag overrides, and cohort management.
// Every mutation is audited.
type AdminHandler struct {
	venues   *rollout.SQLiteStore
	cohorts  *cohort.SQLiteStore
	rollout  *rollout.Manager
	switches *killswitch.Registry
	flags    *flags.Resolver
	gates    *gates.Evaluator
	tracker  *kpi.Tracker
	auditLog audit.Store
}

func NewAdminHandler(venues *rollout.SQLiteStore, cohorts *cohort.SQLiteStore, ro *rollout.Manager, switches *killswitch.Registry, fl *flags.Resolver, ga *gates.Evaluator, tracker *kpi.Tracker, auditLog audit.Store) *AdminHandler {
	return &AdminHandler{
		venues:   venues,
		cohorts:  cohorts,
		rollout:  ro,
		switches: switches,
		flags:    fl,
		gates:    ga,
		tracker:  tracker,
		auditLog: auditLog,
	}
}

func (h *AdminHandler) CreateVenue(c echo.Context) error {
	ctx := c.Request().Context()

	var req struct {
		ID       string `json:"id"`
		TenantID string `json:"tenant_id"`
		CohortID string `json:"cohort_id,omitempty"`
	}
	if err := c.Bind(&req); err != nil || req.ID == "" || req.TenantID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "id and tenant_id are required"})
	}

	if err := h.venues.CreateVenue(ctx, req.ID, req.TenantID, req.CohortID); err != nil {
		log.Error().Err(err).Str("venue", req.ID).Msg("venue creation failed")
		return c.JSON(http.StatusConflict, map[string]string{"error": "venue creation failed"})
	}

	h.logAdminAction(c, "venue:create", req.ID, audit.DecisionAllow, "", "venue registered")

	return c.JSON(http.StatusCreated, map[string]string{"id": req.ID, "mode": string(rollout.ModeOff)})
}

type promoteRequest struct {
	PeriodMinutes int `json:"period_minutes,omitempty"`
	// TestResults feed the gate's declared test constituents. Used for
	// pre-launch acceptance where no traffic exists yet. Thresholds on
	// the same gate are still judged against the KPI window.
	TestResults map[string]bool `json:"test_results,omitempty"`
}

// Promote attempts the one-step forward transition, gated on the
// promotion gate configured for the venue's current mode.
func (h *AdminHandler) Promote(c echo.Context) error {
	ctx := c.Request().Context()
	venueID := c.Param("id")

	var req promoteRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.PeriodMinutes <= 0 {
		req.PeriodMinutes = 60
	}

	venue, err := h.rollout.Venue(ctx, venueID)
	if err != nil {
		if errors.Is(err, rollout.ErrVenueNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown venue"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "venue lookup failed"})
	}

	gateID, ok := h.gates.PromotionGate(string(venue.Mode))
	if !ok {
		return c.JSON(http.StatusConflict, map[string]string{"error": "no promotion gate configured for mode " + string(venue.Mode)})
	}

	result, err := h.evaluatePromotionGate(c, gateID, venue, req)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	tr, err := h.rollout.Promote(ctx, venueID, result, h.actor(c))
	if err != nil {
		var rejected *rollout.TransitionRejectedError
		if errors.As(err, &rejected) {
			h.logAdminAction(c, "mode:promote", venueID, audit.DecisionDeny, string(venue.Mode), "gate "+gateID+" blocked")
			return c.JSON(http.StatusConflict, map[string]any{
				"error":    "transition rejected",
				"gate_id":  rejected.GateID,
				"blockers": rejected.Blockers,
			})
		}
		if errors.Is(err, rollout.ErrAtCeiling) {
			return c.JSON(http.StatusConflict, map[string]string{"error": "venue at ceiling mode"})
		}
		var conflict *rollout.ConcurrencyConflictError
		if errors.As(err, &conflict) {
			return c.JSON(http.StatusConflict, map[string]string{"error": conflict.Error()})
		}
		log.Error().Err(err).Str("venue", venueID).Msg("promotion failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "promotion failed"})
	}

	h.logAdminAction(c, "mode:promote", venueID, audit.DecisionAllow, string(tr.Next), "promoted from "+string(tr.Prev))

	return c.JSON(http.StatusOK, tr)
}

// evaluatePromotionGate judges every constituent the gate declares.
// Test constituents need a passing entry in the request's test results;
// threshold constituents need a passing KPI window. A constituent with no
// evidence is a blocker, so caller-supplied test results can never stand
// in for thresholds the gate requires.
func (h *AdminHandler) evaluatePromotionGate(c echo.Context, gateID string, venue rollout.Venue, req promoteRequest) (gates.Result, error) {
	gate, ok := h.gates.Gate(gateID)
	if !ok {
		return gates.Result{}, fmt.Errorf("unknown gate: %s", gateID)
	}

	result := gates.Result{GateID: gateID, Passed: true}

	for _, testID := range gate.Tests {
		passed, present := req.TestResults[testID]
		if !present || !passed {
			result.Passed = false
			result.Blockers = append(result.Blockers, testID)
		}
	}

	if len(gate.Thresholds) > 0 {
		ctx := c.Request().Context()
		snap, err := h.tracker.Snapshot(ctx, venue.ID, time.Duration(req.PeriodMinutes)*time.Minute)
		if err != nil && !errors.Is(err, kpi.ErrNoData) {
			return gates.Result{}, err
		}

		snapResult, err := h.gates.EvaluateSnapshot(gateID, snap)
		if err != nil {
			return gates.Result{}, err
		}
		if !snapResult.Passed {
			result.Passed = false
			result.Blockers = append(result.Blockers, snapResult.Blockers...)
		}
	}

	return result, nil
}

func (h *AdminHandler) Fallback(c echo.Context) error {
	ctx := c.Request().Context()
	venueID := c.Param("id")

	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	tr, err := h.rollout.Fallback(ctx, venueID, rollout.TriggerAdminFallback, h.actor(c), req.Reason)
	if err != nil {
		if errors.Is(err, rollout.ErrAtFloor) {
			return c.JSON(http.StatusConflict, map[string]string{"error": "venue already at off"})
		}
		if errors.Is(err, rollout.ErrVenueNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown venue"})
		}
		log.Error().Err(err).Str("venue", venueID).Msg("fallback failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "fallback failed"})
	}

	h.logAdminAction(c, "mode:fallback", venueID, audit.DecisionAllow, string(tr.Next), req.Reason)

	return c.JSON(http.StatusOK, tr)
}

func (h *AdminHandler) UpsertCohort(c echo.Context) error {
	ctx := c.Request().Context()

	var req cohort.Cohort
	if err := c.Bind(&req); err != nil || req.ID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "cohort id is required"})
	}

	if err := h.cohorts.Upsert(ctx, req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	h.logAdminAction(c, "cohort:upsert", "", audit.DecisionAllow, string(req.TargetMode), "cohort "+req.ID)

	return c.JSON(http.StatusOK, req)
}

func (h *AdminHandler) ActivateKillSwitch(c echo.Context) error {
	ctx := c.Request().Context()

	var req struct {
		Scope     string     `json:"scope"`
		TenantID  string     `json:"tenant_id,omitempty"`
		VenueID   string     `json:"venue_id,omitempty"`
		Reason    string     `json:"reason"`
		ExpiresAt *time.Time `json:"expires_at,omitempty"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	sw := killswitch.Switch{
		Scope:       killswitch.Scope(req.Scope),
		TenantID:    req.TenantID,
		VenueID:     req.VenueID,
		Reason:      req.Reason,
		ActivatedBy: h.actor(c),
		ExpiresAt:   req.ExpiresAt,
	}

	if err := h.switches.Activate(ctx, sw); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	h.logAdminAction(c, "killswitch:activate", req.VenueID, audit.DecisionAllow, "", req.Reason)

	return c.JSON(http.StatusCreated, map[string]string{"status": "activated"})
}

func (h *AdminHandler) DeactivateKillSwitch(c echo.Context) error {
	ctx := c.Request().Context()

	var req struct {
		Scope    string `json:"scope"`
		TenantID string `json:"tenant_id,omitempty"`
		VenueID  string `json:"venue_id,omitempty"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	if err := h.switches.Deactivate(ctx, killswitch.Scope(req.Scope), req.TenantID, req.VenueID); err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}

	h.logAdminAction(c, "killswitch:deactivate", req.VenueID, audit.DecisionAllow, "", "scope "+req.Scope)

	return c.JSON(http.StatusOK, map[string]string{"status": "deactivated"})
}

func (h *AdminHandler) ListKillSwitches(c echo.Context) error {
	switches, err := h.switches.ActiveSwitches(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "kill switch lookup failed"})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"total":    len(switches),
		"switches": switches,
	})
}

func (h *AdminHandler) RegisterFlag(c echo.Context) error {
	ctx := c.Request().Context()

	var req flags.Flag
	if err := c.Bind(&req); err != nil || req.Key == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "flag key is required"})
	}

	if err := h.flags.RegisterFlag(ctx, req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	h.logAdminAction(c, "flag:register", "", audit.DecisionAllow, "", "flag "+req.Key)

	return c.JSON(http.StatusCreated, req)
}

func (h *AdminHandler) SetFlagOverride(c echo.Context) error {
	ctx := c.Request().Context()
	key := c.Param("key")

	var req flags.Override
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	req.Key = key

	if err := h.flags.SetOverride(ctx, req); err != nil {
		var confErr *flags.ConfigurationError
		if errors.As(err, &confErr) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": confErr.Error()})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "override write failed"})
	}

	h.logAdminAction(c, "flag:override", scopeVenueID(req), audit.DecisionAllow, "", "flag "+key+" scope "+string(req.Scope))

	return c.JSON(http.StatusOK, req)
}

func (h *AdminHandler) DeleteFlagOverride(c echo.Context) error {
	ctx := c.Request().Context()
	key := c.Param("key")

	var req struct {
		Scope   string `json:"scope"`
		ScopeID string `json:"scope_id"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	if err := h.flags.DeleteOverride(ctx, key, flags.Scope(req.Scope), req.ScopeID); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "override delete failed"})
	}

	h.logAdminAction(c, "flag:override_delete", "", audit.DecisionAllow, "", "flag "+key)

	return c.JSON(http.StatusOK, map[string]string{"status": "deleted"})
}

// RecordKPIEvent is the ingestion point for metrics emitters.
func (h *AdminHandler) RecordKPIEvent(c echo.Context) error {
	var req struct {
		VenueID  string  `json:"venue_id"`
		Category string  `json:"category"`
		Metric   string  `json:"metric"`
		Value    float64 `json:"value"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	h.tracker.Record(req.VenueID, kpi.Category(req.Category), req.Metric, req.Value)

	// Fire-and-forget by contract; accepted means enqueued, not persisted.
	return c.JSON(http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *AdminHandler) VenueHistory(c echo.Context) error {
	ctx := c.Request().Context()
	venueID := c.Param("id")

	history, err := h.rollout.History(ctx, venueID, 100)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "history lookup failed"})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"total":       len(history),
		"transitions": history,
	})
}

func (h *AdminHandler) actor(c echo.Context) string {
	if user := auth.GetUserFromContext(c); user != nil {
		return user.Email
	}
	return "admin"
}

func (h *AdminHandler) logAdminAction(c echo.Context, action, venueID string, decision audit.Decision, mode, detail string) {
	entry := audit.Entry{
		CorrelationID: uuid.New().String(),
		Actor:         h.actor(c),
		Action:        action,
		VenueID:       venueID,
		Decision:      decision,
		Mode:          mode,
		Detail:        detail,
	}

	if err := h.auditLog.Log(c.Request().Context(), entry); err != nil {
		log.Error().Err(err).Str("action", action).Msg("admin audit write failed")
	}
}

func scopeVenueID(o flags.Override) string {
	if o.Scope == flags.ScopeVenue {
		return o.ScopeID
	}
	return ""
}
