package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ResultKey is the gin context key holding the caller's Result.
const ResultKey = "auth_result"

// GinAuth returns a gin middleware that rejects unauthenticated requests.
// A nil Service lets every request through.
func (s *Service) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s == nil {
			c.Next()
			return
		}
		res, err := s.Authenticate(c.Request)
		if err != nil {
			c.Header("WWW-Authenticate", `Basic realm="svconsole"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		c.Set(ResultKey, res)
		c.Next()
	}
}

// GinRequire returns a gin middleware that needs action from the caller.
// GETs need read; every other method needs control.
func (s *Service) GinRequire() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s == nil {
			c.Next()
			return
		}
		action := ActionControl
		if c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead {
			action = ActionRead
		}
		v, ok := c.Get(ResultKey)
		res, _ := v.(Result)
		if !ok || !HasPermission(res.Roles, action) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": ErrPermissionDenied.Error() + ": " + action})
			return
		}
		c.Next()
	}
}
