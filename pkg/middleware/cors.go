package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// corsAllowHeaders はクライアントが付けてよいリクエストヘッダー。
// 識別ヘッダーやサービス認証情報はGatewayが付け直すので含めない。
var corsAllowHeaders = strings.Join([]string{
	"Authorization", "Content-Type", "Accept-Language", HeaderRequestID, HeaderCorrelationID,
}, ", ")

// CORS はGatewayの全ルートに共通のCORSミドルウェアを返す。
//
// allowedOriginsに含まれるOriginにだけ許可ヘッダーを付け、相関IDのヘッダーをブラウザから読めるようにする。
// 応答はOriginによって変わるため、Vary: Originは常に付ける。
// Access-Control-Request-Method付きのOPTIONSはプリフライトとして204で応答し、
// それ以外のOPTIONSはプロキシルートからバックエンドへ転送させる。
func CORS(allowedOrigins []string) gin.HandlerFunc {
	originsSet := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originsSet[o] = struct{}{}
	}

	return func(c *gin.Context) {
		c.Writer.Header().Add("Vary", "Origin")

		origin := c.GetHeader("Origin")
		if _, ok := originsSet[origin]; ok {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, HEAD, POST, PUT, PATCH, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", corsAllowHeaders)
			c.Header("Access-Control-Expose-Headers", HeaderCorrelationID)
			c.Header("Access-Control-Max-Age", "86400")
		}

		if c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != "" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
