package auth

import (
	"net/http"
	"slices"
	"strings"

	"github.com/KevinKickass/RegisterMapper/internal/types"
	"github.com/gin-gonic/gin"
)

const permissionsKey = "permissions"

// Middleware validates bearer tokens. It is a no-op when auth is disabled.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.enabled {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse("unauthorized", "missing authorization header", nil))
			return
		}

		// Extract token from "Bearer <token>"
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse("unauthorized", "invalid authorization header format", nil))
			return
		}

		permissions, err := s.Authenticate(parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse("unauthorized", err.Error(), nil))
			return
		}

		c.Set(permissionsKey, permissions)
		c.Next()
	}
}

// RequirePermission checks the permissions stored by Middleware.
func (s *Service) RequirePermission(required Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.enabled {
			c.Next()
			return
		}

		perms, _ := c.Get(permissionsKey)
		permissions, _ := perms.([]Permission)
		if !slices.Contains(permissions, required) {
			c.AbortWithStatusJSON(http.StatusForbidden,
				types.NewErrorResponse("forbidden", "insufficient permissions", gin.H{"required": string(required)}))
			return
		}

		c.Next()
	}
}
