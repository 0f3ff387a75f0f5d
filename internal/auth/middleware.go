package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Middleware returns a gin middleware that requires a valid bearer token
// and stores the caller identity in the request context.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Missing bearer token",
			})
			return
		}

		ident, err := v.Verify(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			msg := "Invalid token"
			if errors.Is(err, ErrExpiredToken) {
				msg = "Token expired"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": msg,
			})
			return
		}

		c.Set(CtxUserID, ident.UserID)
		c.Set(CtxRole, string(ident.Role))
		c.Next()
	}
}

// RequireResolver returns a middleware that rejects callers without the
// arbiter or admin role. Apply after Middleware.
func RequireResolver() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsResolver(c.GetString(CtxRole)) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Resolver role required",
			})
			return
		}
		c.Next()
	}
}
