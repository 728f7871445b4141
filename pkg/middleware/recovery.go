package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/apigw/pkg/apperr"
)

// Recovery はパニックからの回復を行うGinミドルウェアを返す。
// パニック発生時にスタックトレースをログに出力し、500のエラーエンベロープを返す。
// http.ErrAbortHandlerは接続を切るためのパニックなので、そのまま投げ直す。
func Recovery(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				if err, ok := r.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(r)
				}
				logger.Error("パニックから回復しました",
					zap.String("correlation_id", CorrelationID(c.Request.Context())),
					zap.String("method", c.Request.Method),
					zap.String("path", c.Request.URL.Path),
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
				if c.Writer.Written() {
					c.Abort()
					return
				}
				err := apperr.New(http.StatusInternalServerError, "PANIC", fmt.Sprintf("panic: %v", r))
				WriteError(c.Writer, c.Request, zap.NewNop(), err)
				c.Abort()
			}
		}()
		c.Next()
	}
}
