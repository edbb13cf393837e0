package middleware

import (
	"fmt"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smallbiznis/thryfted-gateway/internal/http/apierr"
	"github.com/smallbiznis/thryfted-gateway/internal/reqctx"
)

// Recovery turns panics into the INTERNAL_ERROR envelope. Stacks are logged
// and returned only when production is false.
func Recovery(logger *zap.Logger, production bool) gin.HandlerFunc {
	if logger == nil {
		logger = zap.L()
	}

	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		fields := []zap.Field{
			zap.String("request_id", reqctx.RequestID(c.Request.Context())),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("client_ip", c.ClientIP()),
			zap.String("user_agent", c.Request.UserAgent()),
			zap.Any("panic", recovered),
		}
		if identity, ok := reqctx.IdentityFrom(c.Request.Context()); ok {
			fields = append(fields, zap.String("user_id", identity.Subject))
		}

		resp := apierr.Internal()
		if !production {
			stack := string(debug.Stack())
			fields = append(fields, zap.String("stack", stack))
			resp = resp.WithDetails(map[string]any{
				"panic": fmt.Sprint(recovered),
				"stack": stack,
			})
		}
		logger.Error("unhandled panic", fields...)

		if c.Writer.Written() {
			c.Abort()
			return
		}
		apierr.Abort(c, resp)
	})
}
