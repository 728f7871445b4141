package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/nao1215/apigw/internal/audit"
	"github.com/nao1215/apigw/internal/cache"
	"github.com/nao1215/apigw/internal/registry"
	"github.com/nao1215/apigw/pkg/apperr"
	"github.com/nao1215/apigw/pkg/envelope"
	"github.com/nao1215/apigw/pkg/event"
	"github.com/nao1215/apigw/pkg/httpclient"
	"github.com/nao1215/apigw/pkg/middleware"
)

// healthPath はバックエンドのヘルスチェックのパス。
const healthPath = "/health"

// handleHealth はGateway自身のヘルスチェック。ロードバランサーが読むので素のJSONを返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		envelope.Respond(c, http.StatusOK, gin.H{"status": "ok", "service": "gateway"})
	}
}

// serviceList はサービス一覧のレスポンス。
type serviceList struct {
	Services []registry.ServiceDefinition `json:"services"`
}

// handleListServices は登録されているサービスの一覧を返す。バックエンドのURLは含めない。
func (s *Server) handleListServices() gin.HandlerFunc {
	return func(c *gin.Context) {
		envelope.Respond(c, http.StatusOK, serviceList{Services: s.registry.All()})
	}
}

// serviceStatus はバックエンドのヘルスチェック結果。
type serviceStatus struct {
	Service   string          `json:"service"`
	Healthy   bool            `json:"healthy"`
	CheckedAt time.Time       `json:"checkedAt"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	Error     string          `json:"error,omitempty"`
	Cached    bool            `json:"cached"`
}

// handleServiceStatus はバックエンドのヘルスチェック結果を返す。結果は一定時間キャッシュする。
func (s *Server) handleServiceStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		def, ok := s.registry.Lookup(name)
		if !ok {
			_ = c.Error(apperr.NotFound(fmt.Sprintf("service %q not found", name)))
			return
		}

		status, cached, err := cache.Fetch(c.Request.Context(), s.cache, s.logger, "status:"+name, s.cfg.Status.CacheTTL,
			func(ctx context.Context) (serviceStatus, error) {
				return s.probe(ctx, def), nil
			})
		if err != nil {
			_ = c.Error(err)
			return
		}
		status.Cached = cached
		envelope.Respond(c, http.StatusOK, status)
	}
}

// probe はバックエンドのヘルスチェックを1回実行する。
func (s *Server) probe(ctx context.Context, def registry.ServiceDefinition) serviceStatus {
	route := NewRouteConfig(def, RouteVariant{}, s.cfg.Upstream)
	client := httpclient.New(def.BackendURL,
		httpclient.WithTransport(s.transport),
		httpclient.WithTimeouts(route.HeaderTimeout, route.BodyTimeout),
	)

	var opts []httpclient.CallOption
	if token := s.cfg.Auth.ServiceToken; token != "" {
		opts = append(opts,
			httpclient.WithHeader("Authorization", "Bearer "+token),
			httpclient.WithHeader(HeaderServiceToken, token),
		)
	}

	status := serviceStatus{Service: def.Name, CheckedAt: time.Now().UTC()}
	var detail json.RawMessage
	if err := client.GetJSON(ctx, healthPath, &detail, opts...); err != nil {
		s.logger.Warn("バックエンドのヘルスチェックに失敗しました",
			zap.String("correlation_id", middleware.CorrelationID(ctx)),
			zap.String("service", def.Name),
			zap.Error(err),
		)
		status.Error = err.Error()
		return status
	}
	status.Healthy = true
	status.Detail = detail
	return status
}

// devTokenRequest は開発用トークン発行のリクエストボディ。
type devTokenRequest struct {
	Email       string   `json:"email" binding:"required,email"`
	AccountType string   `json:"accountType" binding:"required,oneof=user admin service"`
	Roles       []string `json:"roles" binding:"omitempty,dive,required"`
	Language    string   `json:"language" binding:"omitempty,max=35"`
}

// devTokenResponse は開発用トークン発行のレスポンス。
type devTokenResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"tokenType"`
	ExpiresAt time.Time `json:"expiresAt"`
	User      User      `json:"user"`
}

// handleDevToken は開発用のJWTを発行する。auth.dev_tokensが有効な場合だけ登録される。
func (s *Server) handleDevToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req devTokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			var verrs validator.ValidationErrors
			if !errors.As(err, &verrs) {
				err = apperr.Validation(map[string]string{"body": err.Error()}, err)
			}
			_ = c.Error(err)
			return
		}
		if req.Roles == nil {
			req.Roles = []string{}
		}

		ctx := c.Request.Context()
		user, created, err := s.users.Upsert(ctx, req.Email, req.AccountType, req.Roles, req.Language)
		if err != nil {
			_ = c.Error(err)
			return
		}

		ttl := s.cfg.Auth.TokenTTL
		expiresAt := time.Now().Add(ttl).UTC()
		token, err := middleware.GenerateJWT(s.cfg.Auth.JWTSecret, middleware.Identity{
			ID:          user.ID,
			Email:       user.Email,
			Roles:       user.Roles,
			AccountType: user.AccountType,
			Language:    user.Language,
		}, ttl)
		if err != nil {
			_ = c.Error(err)
			return
		}

		if created {
			s.emit(c.Request, event.TypeUserRegistered, user.ID, event.SubjectTypeUser, user.ID,
				event.UserRegisteredData{Email: user.Email})
		}
		s.emit(c.Request, event.TypeDevTokenIssued, user.ID, event.SubjectTypeUser, user.ID,
			event.DevTokenIssuedData{
				Email:       user.Email,
				AccountType: user.AccountType,
				Roles:       user.Roles,
				ExpiresAt:   expiresAt,
			})

		envelope.Respond(c, http.StatusCreated, devTokenResponse{
			Token:     token,
			TokenType: "Bearer",
			ExpiresAt: expiresAt,
			User:      user,
		})
	}
}

// meResponse は現在のユーザー情報。
type meResponse struct {
	Identity *middleware.Identity `json:"identity"`
	Profile  *User                `json:"profile,omitempty"`
}

// handleMe はトークンのIDと、記録があればユーザー情報を返す。
func (s *Server) handleMe() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := middleware.GetIdentity(c)
		resp := meResponse{Identity: id}

		user, err := s.users.Get(c.Request.Context(), id.ID)
		switch {
		case err == nil:
			resp.Profile = &user
		case apperr.StatusOf(err) != http.StatusNotFound:
			_ = c.Error(err)
			return
		}
		envelope.Respond(c, http.StatusOK, resp)
	}
}

// auditList は監査イベント一覧のレスポンス。
type auditList struct {
	Events []event.Event `json:"events"`
}

// handleListAudit は新しい順に監査イベントを返す。
func (s *Server) handleListAudit() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := audit.DefaultListLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				_ = c.Error(apperr.Validation(map[string]string{"limit": "must be a positive integer"}, err))
				return
			}
			limit = n
		}

		events, err := s.audit.Recent(c.Request.Context(), limit)
		if err != nil {
			_ = c.Error(err)
			return
		}
		envelope.Respond(c, http.StatusOK, auditList{Events: events})
	}
}

// emit は監査イベントを記録する。記録の失敗はリクエストの結果に影響させない。
func (s *Server) emit(r *http.Request, eventType event.Type, actorID string, subjectType event.SubjectType, subjectID string, data any) {
	ev, err := event.New(eventType, actorID, subjectType, subjectID, data)
	if err != nil {
		s.logger.Warn("監査イベントを作成できませんでした", zap.String("event_type", string(eventType)), zap.Error(err))
		return
	}
	s.audit.Emit(r.Context(), ev.WithCorrelationID(middleware.CorrelationID(r.Context())))
}

// recordDenial はアクセス制御による拒否をメトリクスと監査ログに残す。
func (s *Server) recordDenial(r *http.Request, cfg RouteConfig, err error) {
	status := apperr.StatusOf(err)
	s.metrics.observeDenied(cfg.Service, status)

	var actorID, clientIP string
	if rc := middleware.FromContext(r.Context()); rc != nil {
		clientIP = rc.ClientIP
		if rc.Identity != nil {
			actorID = rc.Identity.ID
		}
	}
	s.emit(r, event.TypeAccessDenied, actorID, event.SubjectTypeRoute, r.Method+" "+r.URL.Path,
		event.AccessDeniedData{
			Service:  cfg.Service,
			Method:   r.Method,
			Status:   status,
			Reason:   err.Error(),
			ClientIP: clientIP,
		})
}
