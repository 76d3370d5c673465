package handlers

import (
	"net/http"
	"strings"

	"github.com/4xmen/hamgam/internal/auth"
	"github.com/4xmen/hamgam/pkg/i18n"
	"github.com/gin-gonic/gin"
)

var __ = i18n.Translate

type AuthHandler struct {
	authSvc *auth.Service
}

func NewAuthHandler(authSvc *auth.Service) *AuthHandler {
	return &AuthHandler{authSvc: authSvc}
}

// AuthMiddleware validates the JWT and sets "user_id" in the context.
func (h *AuthHandler) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ""
		if authHeader := c.GetHeader("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
			token = strings.TrimPrefix(authHeader, "Bearer ")
		}

		// Browsers cannot set headers on a websocket handshake.
		if token == "" {
			token = c.Query("token")
		}

		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": __("missing authorization token")})
			return
		}

		claims, err := h.authSvc.ValidateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": __("invalid token")})
			return
		}

		c.Set("user_id", claims.UserID)
		c.Next()
	}
}
