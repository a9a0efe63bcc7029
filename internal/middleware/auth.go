package middleware

import (
	"net/http"
	"strings"

	"github.com/Diatonic-AI/partner-connectors/pkg/jwtutil"
	"github.com/Diatonic-AI/partner-connectors/pkg/logger"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// AuthMiddleware validates the bearer token on the internal API and
// stores the calling actor in the request context
func AuthMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		log := logger.FromEcho(c)

		// Get the Authorization header
		authHeader := c.Request().Header.Get("Authorization")
		if authHeader == "" {
			log.Warn("Missing Authorization header")
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing authorization token"})
		}

		// Check if it's a Bearer token
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			log.Warn("Invalid Authorization header format")
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid authorization format, expected Bearer token"})
		}

		// Validate the token
		claims, err := jwtutil.ValidateToken(parts[1])
		if err != nil {
			log.Error("Invalid JWT token", zap.Error(err))
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid or expired token"})
		}

		// Store caller info in context for later use
		actor := claims.Actor
		if actor == "" {
			actor = claims.Subject
		}
		c.Set("actor", actor)
		c.Set("actor_role", claims.Role)
		if claims.TenantID != "" {
			c.Set("token_tenant_id", claims.TenantID)
		}

		return next(c)
	}
}

// ActorFromContext retrieves the authenticated actor from the context
func ActorFromContext(c echo.Context) string {
	actor, _ := c.Get("actor").(string)
	return actor
}
