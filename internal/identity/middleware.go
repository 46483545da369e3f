package identity

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const ctxAdminToken = "identity.admin_token"

// RequireAdmin returns a Gin middleware that rejects requests without a
// Bearer token carrying ScopeAdmin. The raw token is kept on the context so
// handlers can pass it on to Authorizer-gated operations.
func RequireAdmin(tokens *AdminTokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer token required",
			})
			return
		}

		tokenStr := strings.TrimPrefix(authHeader, "Bearer ")
		if err := tokens.Authorize(tokenStr); err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "admin token rejected: " + err.Error(),
			})
			return
		}

		c.Set(ctxAdminToken, tokenStr)
		c.Next()
	}
}

// AdminTokenFromCtx returns the token accepted by RequireAdmin.
func AdminTokenFromCtx(c *gin.Context) string {
	v, _ := c.Get(ctxAdminToken)
	s, _ := v.(string)
	return s
}
