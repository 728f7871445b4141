package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/apigw/pkg/apperr"
	"github.com/nao1215/apigw/pkg/envelope"
)

// ErrorHandler はハンドラが c.Error で積んだエラーを分類してレスポンスに変換する
// Ginミドルウェアを返す。レスポンスが送信済みの場合はログだけを残す。
func ErrorHandler(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err
		if c.Writer.Written() {
			logger.Warn("送信済みのレスポンスでエラーが発生しました",
				zap.String("correlation_id", CorrelationID(c.Request.Context())),
				zap.Error(err),
			)
			return
		}
		WriteError(c.Writer, c.Request, logger, err)
	}
}

// WriteError はエラーを分類し、ログを残してエラーエンベロープを書き込む。
// gin以外（chiのルートや ReverseProxy のエラーハンドラ）からも使う。
func WriteError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	correlationID := CorrelationID(r.Context())
	c := apperr.Classify(err, correlationID)
	apperr.Log(logger, c, err,
		zap.String("correlation_id", correlationID),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
	)
	envelope.Write(w, r, c.Status, c.Envelope)
}
