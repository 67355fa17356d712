package middleware

import (
	"getonblockchain/pkg/authz"
	"getonblockchain/pkg/errutil"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Authorize rejects the request unless the actor's role may perform act on obj.
func Authorize(e authz.Enforcer, obj, act string) gin.HandlerFunc {
	return func(c *gin.Context) {
		a, _ := ActorFrom(c.Request.Context())
		if a.Role == "" {
			_ = c.Error(errutil.Unauthorized("Missing actor role", nil))
			c.Abort()
			return
		}

		ok, err := e.Enforce(a.Role, obj, act)
		if err != nil {
			zap.L().Error("authorization check failed", zap.String("role", a.Role), zap.String("act", act), zap.Error(err))
			_ = c.Error(errutil.Internal("authorization check failed", err))
			c.Abort()
			return
		}
		if !ok {
			_ = c.Error(errutil.Forbidden("Role "+a.Role+" may not "+act+" "+obj, nil))
			c.Abort()
			return
		}

		c.Next()
	}
}
