package middleware

import (
	"context"
	"strings"
	"time"

	"vdesk/pkg/utils/contextkey"
	"vdesk/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	traceIDHeader   = "X-Trace-Id"
	requestIDHeader = "X-Request-Id"
)

// TraceMiddleware gives every request a trace id and a request id. Incoming
// headers are honoured so a console can correlate its own calls. Both ids
// are echoed back and bound to the request context for logging.
func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		for _, id := range []struct {
			header string
			ginKey string
			ctxKey interface{}
		}{
			{traceIDHeader, "trace_id", contextkey.TraceID},
			{requestIDHeader, "request_id", contextkey.RequestID},
		} {
			value := strings.TrimSpace(c.GetHeader(id.header))
			if value == "" {
				value = uuid.NewString()
			}
			c.Set(id.ginKey, value)
			ctx = context.WithValue(ctx, id.ctxKey, value)
			c.Writer.Header().Set(id.header, value)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// AccessLogMiddleware logs one line per finished request. The websocket exec
// route logs when the session ends.
func AccessLogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Int("bytes", c.Writer.Size()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		logger.Info(c.Request.Context(), "http request", fields...)
	}
}
