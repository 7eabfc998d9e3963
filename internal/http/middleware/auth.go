// README: Auth middleware: verifies the bearer token and stores caller identity on the context.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"freight/internal/infra"
	"freight/internal/types"
)

const (
	ctxUID  = "caller_uid"
	ctxRole = "caller_role"
)

// Auth rejects requests without a valid bearer token. A token without a
// role claim still passes; role checks happen in the modules.
func Auth(verifier infra.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := bearer(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		if !identify(c, verifier, raw) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

// OptionalAuth lets anonymous requests through with no caller set. A token
// that is present must still verify.
func OptionalAuth(verifier infra.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := bearer(c)
		if ok && !identify(c, verifier, raw) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

func bearer(c *gin.Context) (string, bool) {
	raw, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	raw = strings.TrimSpace(raw)
	return raw, ok && raw != ""
}

func identify(c *gin.Context, verifier infra.TokenVerifier, raw string) bool {
	token, err := verifier.VerifyIDToken(c.Request.Context(), raw)
	if err != nil || token == nil || token.UID == "" {
		return false
	}
	c.Set(ctxUID, token.UID)
	if role, ok := token.Claims["role"].(string); ok {
		c.Set(ctxRole, role)
	}
	return true
}

func CallerUID(c *gin.Context) string {
	return c.GetString(ctxUID)
}

// CallerRole returns the raw role claim, or "" when absent.
func CallerRole(c *gin.Context) string {
	return c.GetString(ctxRole)
}

// Caller returns the authenticated actor. Unknown roles become the empty role,
// which no policy grants anything to.
func Caller(c *gin.Context) types.Actor {
	role, _ := types.ParseRole(CallerRole(c))
	return types.Actor{ID: types.ID(CallerUID(c)), Role: role}
}
