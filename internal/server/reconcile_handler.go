package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/dagbolade/rollout-control-plane/internal/cohort"
)

// ReconcileHandler is the scheduler entry point for the periodic
// snapshot-and-fallback batch.
type ReconcileHandler struct {
	reconciler *cohort.Reconciler
}

func NewReconcileHandler(reconciler *cohort.Reconciler) *ReconcileHandler {
	return &ReconcileHandler{reconciler: reconciler}
}

func (h *ReconcileHandler) Run(c echo.Context) error {
	ctx := c.Request().Context()

	var params cohort.Params
	if err := c.Bind(&params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if params.PeriodMinutes <= 0 {
		params.PeriodMinutes = 60
	}

	report, err := h.reconciler.Run(ctx, params)
	if err != nil {
		log.Error().Err(err).Msg("reconciliation run failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, report)
}
