package handler

import (
	"errors"
	"net/http"

	"github.com/Diatonic-AI/partner-connectors/internal/gateway"
	"github.com/Diatonic-AI/partner-connectors/internal/middleware"
	"github.com/Diatonic-AI/partner-connectors/internal/model"
	"github.com/Diatonic-AI/partner-connectors/internal/upstream"
	"github.com/Diatonic-AI/partner-connectors/pkg/logger"
	"github.com/goccy/go-json"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

var gw *gateway.Gateway

// InitActionHandler wires the action gateway into the action endpoints
func InitActionHandler(g *gateway.Gateway) {
	gw = g
}

// SubmitAction handles POST /connectors/:tenant/actions/:action
func SubmitAction(c echo.Context) error {
	log := logger.FromEcho(c)
	tenantID := c.Param("tenant")
	action := c.Param("action")

	var req struct {
		ConnectorID    string          `json:"connector_id"`
		TicketID       string          `json:"ticket_id"`
		IdempotencyKey string          `json:"idempotency_key"`
		ApprovalToken  string          `json:"approval_token,omitempty"`
		Payload        json.RawMessage `json:"payload"`
	}
	if err := c.Bind(&req); err != nil {
		log.Error("Failed to parse action request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}
	if req.ConnectorID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "connector_id is required"})
	}

	result, err := gw.Submit(c.Request().Context(), gateway.Submission{
		TenantID:       tenantID,
		ConnectorID:    req.ConnectorID,
		Action:         action,
		TicketID:       req.TicketID,
		IdempotencyKey: req.IdempotencyKey,
		ApprovalToken:  req.ApprovalToken,
		Actor:          middleware.ActorFromContext(c),
		Payload:        req.Payload,
	})
	if err != nil {
		switch {
		case errors.Is(err, gateway.ErrConnectorDisabled):
			return c.JSON(http.StatusConflict, echo.Map{"error": "connector is disabled"})
		case errors.Is(err, gateway.ErrAuditWriteFailed):
			log.Error("Action refused: audit trail unavailable", zap.Error(err))
			return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "audit trail unavailable, action not executed"})
		case upstream.IsRetryable(err):
			log.Warn("Action exhausted upstream retries", zap.Error(err))
			return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "upstream unavailable, resubmit with the same idempotency_key"})
		default:
			log.Error("Action submission failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
		}
	}

	return c.JSON(statusForResult(result), result)
}

// PendingApprovals handles GET /connectors/:tenant/approvals
func PendingApprovals(c echo.Context) error {
	log := logger.FromEcho(c)
	tenantID := c.Param("tenant")

	pending, err := gw.Pending(c.Request().Context(), tenantID)
	if err != nil {
		log.Error("Failed to list pending approvals", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to list pending approvals"})
	}

	return c.JSON(http.StatusOK, echo.Map{
		"tenant_id": tenantID,
		"pending":   pending,
	})
}

// ApproveAction handles POST /connectors/:tenant/approvals/:key
func ApproveAction(c echo.Context) error {
	log := logger.FromEcho(c)
	tenantID := c.Param("tenant")
	key := c.Param("key")

	token, err := gw.Approve(c.Request().Context(), tenantID, key, middleware.ActorFromContext(c))
	if err != nil {
		if errors.Is(err, gateway.ErrNoSuchAction) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "no pending action for this key"})
		}
		log.Error("Failed to approve action", zap.Error(err))
		return c.JSON(http.StatusConflict, echo.Map{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, echo.Map{
		"idempotency_key": key,
		"approval_token":  token,
	})
}

// statusForResult maps a gateway result to its HTTP status
func statusForResult(result *gateway.Result) int {
	switch result.State {
	case model.OutcomeAwaitingApproval:
		return http.StatusAccepted
	case model.OutcomeRejected:
		return http.StatusUnprocessableEntity
	case model.OutcomeFailed:
		return http.StatusBadGateway
	default:
		return http.StatusOK
	}
}
