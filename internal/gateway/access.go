package gateway

import (
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/apigw/pkg/apperr"
	"github.com/nao1215/apigw/pkg/middleware"
)

// Authorize はルート設定とIDからアクセス可否を判定する。
// 許可ならnilを、拒否なら401または403のapperr.Errorを返す。
func Authorize(cfg RouteConfig, id *middleware.Identity) error {
	if cfg.Public {
		return nil
	}
	if id == nil {
		return apperr.Unauthorized(apperr.CodeAuthMissing, "authentication required", nil)
	}
	if cfg.AllowAnyAuthenticated {
		return nil
	}
	if cfg.RequireAdmin && !id.IsAdmin() {
		return apperr.Forbidden("admin account required")
	}
	if cfg.RequiredRole != "" && !id.HasRole(cfg.RequiredRole) {
		return apperr.Forbidden(fmt.Sprintf("role %q required", cfg.RequiredRole))
	}
	return nil
}

// adminOnly はGateway自身の管理用エンドポイントに適用するルート設定。
var adminOnly = RouteConfig{Service: "gateway", RequireAdmin: true}

// requireRoute はAuthorizeをGinのルートに適用するミドルウェアを返す。
func (s *Server) requireRoute(cfg RouteConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := Authorize(cfg, middleware.GetIdentity(c)); err != nil {
			s.recordDenial(c.Request, cfg, err)
			_ = c.Error(err)
			c.Abort()
			return
		}
		c.Next()
	}
}
