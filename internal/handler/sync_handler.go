package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/Diatonic-AI/partner-connectors/internal/scheduler"
	"github.com/Diatonic-AI/partner-connectors/pkg/logger"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

var sched *scheduler.Scheduler

// InitSyncHandler wires the scheduler into the sync endpoints
func InitSyncHandler(s *scheduler.Scheduler) {
	sched = s
}

// TriggerSync handles POST /connectors/:tenant/sync
func TriggerSync(c echo.Context) error {
	log := logger.FromEcho(c)
	tenantID := c.Param("tenant")

	var req struct {
		ConnectorID string   `json:"connector_id"`
		Entities    []string `json:"entities"`
		Exclusive   bool     `json:"exclusive"`
	}
	if err := c.Bind(&req); err != nil {
		log.Error("Failed to parse sync request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}
	if req.ConnectorID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "connector_id is required"})
	}

	handle, err := sched.TriggerSync(c.Request().Context(), tenantID, req.ConnectorID, req.Entities, req.Exclusive)
	if err != nil {
		switch {
		case errors.Is(err, scheduler.ErrConnectorDisabled):
			return c.JSON(http.StatusConflict, echo.Map{"error": "connector is disabled"})
		case errors.Is(err, scheduler.ErrRunAlreadyInProgress):
			return c.JSON(http.StatusConflict, echo.Map{"error": err.Error()})
		default:
			log.Error("Failed to trigger sync", zap.Error(err))
			return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
		}
	}

	log.Info("Sync triggered",
		zap.String("tenant_id", tenantID),
		zap.String("connector_id", req.ConnectorID),
		zap.Int("runs", len(handle.Runs)))

	return c.JSON(http.StatusAccepted, handle)
}

// SyncStatus handles GET /connectors/:tenant/status
func SyncStatus(c echo.Context) error {
	log := logger.FromEcho(c)
	tenantID := c.Param("tenant")

	connectorID := c.QueryParam("connector_id")
	if connectorID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "connector_id is required"})
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	runs, err := sched.Status(c.Request().Context(), tenantID, connectorID, limit)
	if err != nil {
		log.Error("Failed to load sync status", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to load sync status"})
	}

	return c.JSON(http.StatusOK, echo.Map{
		"tenant_id":    tenantID,
		"connector_id": connectorID,
		"active_runs":  sched.ActiveRuns(),
		"runs":         runs,
	})
}
