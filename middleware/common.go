package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudreve/davcore/application/dependency"
	"github.com/cloudreve/davcore/pkg/logging"
	"github.com/gin-gonic/gin"
	"github.com/gofrs/uuid"
)

// CorrelationHeader carries a client supplied correlation ID.
const CorrelationHeader = "X-Dav-Correlation-Id"

// InitializeHandling is added at the beginning of handler chain, it did following setups:
// 1. Inject dependency manager into request context
// 2. Generate and inject correlation ID for diagnostic.
func InitializeHandling(dep dependency.Dep) gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := uuid.FromStringOrNil(c.GetHeader(CorrelationHeader))
		if cid == uuid.Nil {
			cid = uuid.Must(uuid.NewV4())
		}

		l := dep.Logger().CopyWithPrefix(fmt.Sprintf("[Cid: %s]", cid))
		ctx := dep.ForkWithLogger(c.Request.Context(), l)
		ctx = context.WithValue(ctx, logging.CorrelationIDCtx{}, cid)
		ctx = context.WithValue(ctx, logging.LoggerCtx{}, l)
		c.Request = c.Request.WithContext(ctx)
		c.Header(CorrelationHeader, cid.String())

		c.Next()
	}
}

// Logging logs incoming request info
func Logging() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Start timer
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		// Process request
		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}

		l := logging.FromContext(c.Request.Context())
		logging.Request(l, c.Writer.Status(), c.Request.Method, c.ClientIP(), path,
			c.Errors.ByType(gin.ErrorTypePrivate).String(), start)
	}
}
