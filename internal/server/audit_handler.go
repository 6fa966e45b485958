package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/dagbolade/rollout-control-plane/internal/audit"
)

type AuditHandler struct {
	store audit.Store
}

func NewAuditHandler(store audit.Store) *AuditHandler {
	return &AuditHandler{store: store}
}

// GetAuditLog supports the filters a security reviewer needs: venue, time
// range, and correlation id.
func (h *AuditHandler) GetAuditLog(c echo.Context) error {
	ctx := c.Request().Context()

	q := audit.Query{
		VenueID:       c.QueryParam("venue_id"),
		CorrelationID: c.QueryParam("correlation_id"),
	}

	if from := c.QueryParam("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid from timestamp"})
		}
		q.From = t
	}
	if to := c.QueryParam("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid to timestamp"})
		}
		q.To = t
	}
	if limit := c.QueryParam("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			q.Limit = n
		}
	}

	entries, err := h.store.Find(ctx, q)
	if err != nil {
		log.Error().Err(err).Str("remote_addr", c.Request().RemoteAddr).Msg("failed to retrieve audit log")
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to retrieve audit log",
		})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"total":   len(entries),
		"entries": entries,
	})
}
