package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/Diatonic-AI/partner-connectors/internal/model"
	"github.com/Diatonic-AI/partner-connectors/pkg/logger"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// AuditTrail is the read side of the audit log.
type AuditTrail interface {
	Recent(ctx context.Context, tenantID string, limit int) ([]model.AuditEntry, error)
}

var trail AuditTrail

// InitAuditHandler wires the audit store into the audit endpoint
func InitAuditHandler(t AuditTrail) {
	trail = t
}

// AuditLog handles GET /connectors/:tenant/audit
func AuditLog(c echo.Context) error {
	log := logger.FromEcho(c)
	tenantID := c.Param("tenant")
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	entries, err := trail.Recent(c.Request().Context(), tenantID, limit)
	if err != nil {
		log.Error("Failed to load audit log", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to load audit log"})
	}

	return c.JSON(http.StatusOK, echo.Map{
		"tenant_id": tenantID,
		"entries":   entries,
	})
}
