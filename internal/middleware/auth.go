package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"accountd/internal/config"
	"accountd/internal/models"
	"accountd/internal/repository"
	"accountd/internal/security"
)

const currentUserKey = "current_user"

// Auth validates the bearer access token and loads the current user into
// the request context.
func Auth(cfg *config.AppConfig, users *repository.UserRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_token"})
			return
		}

		tokenStr := strings.TrimPrefix(authHeader, "Bearer ")

		claims, err := security.ParseAccessToken(tokenStr, cfg.Security.JWTAccessSecret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
			return
		}

		user, err := users.GetByID(c.Request.Context(), claims.UserID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_not_found"})
			return
		}

		c.Set(currentUserKey, user)
		c.Next()
	}
}

// CurrentUser returns the user loaded by Auth. Calling it on a route
// without the middleware yields a zero User.
func CurrentUser(c *gin.Context) models.User {
	if v, ok := c.Get(currentUserKey); ok {
		if user, ok := v.(models.User); ok {
			return user
		}
	}
	return models.User{}
}
