package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// AccessLog はリクエストごとのアクセスログを出力するGinミドルウェアを返す。
// 5xxはError、4xxはWarn、それ以外はInfoで記録する。
func AccessLog(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.Int("bytes", c.Writer.Size()),
		}
		if rc := GetRequestContext(c); rc != nil {
			fields = append(fields,
				zap.String("correlation_id", rc.CorrelationID),
				zap.String("client_ip", rc.ClientIP),
			)
			if rc.ClientRequestID != "" {
				fields = append(fields, zap.String("client_request_id", rc.ClientRequestID))
			}
			if rc.Identity != nil {
				fields = append(fields, zap.String("user_id", rc.Identity.ID))
			}
		}

		level := zapcore.InfoLevel
		switch {
		case status >= 500:
			level = zapcore.ErrorLevel
		case status >= 400:
			level = zapcore.WarnLevel
		}
		if ce := logger.Check(level, "request"); ce != nil {
			ce.Write(fields...)
		}
	}
}
