package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	userIDContextKey    = "auth_user_id"
	authTokenContextKey = "auth_token_value"
	bearerPrefix        = "bearer "
)

// Middleware rejects requests without a valid token and stores the
// authenticated user id and the token itself in the gin context. The token
// is accepted from the Authorization header (bearer scheme) or, failing
// that, from the auth cookie.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authToken := requestToken(c)
		if authToken == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		userID, err := s.ValidateToken(c.Request.Context(), authToken)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(userIDContextKey, userID)
		c.Set(authTokenContextKey, authToken)
		c.Next()
	}
}

// UserIDFromContext retrieves the authenticated user id set by Middleware.
func UserIDFromContext(c *gin.Context) (int64, bool) {
	val, ok := c.Get(userIDContextKey)
	if !ok {
		return 0, false
	}
	userID, ok := val.(int64)
	return userID, ok
}

// AuthTokenFromContext retrieves the token Middleware validated, so logout
// can revoke exactly the session that made the request.
func AuthTokenFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(authTokenContextKey)
	if !ok {
		return "", false
	}
	token, ok := val.(string)
	return token, ok
}

func requestToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(strings.ToLower(header), bearerPrefix) {
		return strings.TrimSpace(header[len(bearerPrefix):])
	}
	if token, err := c.Cookie(CookieName); err == nil && token != "" {
		return token
	}
	return ""
}
