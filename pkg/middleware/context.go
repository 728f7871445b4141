package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// リクエストの追跡に使うHTTPヘッダー。
const (
	// HeaderCorrelationID はGatewayが発行しバックエンドへ転送する相関IDのヘッダー。
	HeaderCorrelationID = "X-Correlation-ID"
	// HeaderRequestID はクライアントが付与するリクエストIDのヘッダー。ログにのみ使う。
	HeaderRequestID = "X-Request-ID"
	// HeaderForwardedFor はクライアントIPを伝えるヘッダー。
	HeaderForwardedFor = "X-Forwarded-For"
)

// RequestContext はリクエスト1件に紐づく状態。リクエストの処理中だけ存在し、
// 他のリクエストと共有されることはない。
type RequestContext struct {
	// CorrelationID はGatewayが発行した相関ID。常にGatewayが権威を持つ。
	CorrelationID string
	// ClientRequestID はクライアントが送ってきたリクエストID。ログ用。
	ClientRequestID string
	// ClientIP はクライアントIP。GinのSetTrustedProxiesで信頼したプロキシ経由の場合だけ
	// X-Forwarded-Forを右から辿って解決する。
	ClientIP string
	// Identity は認証済みのID。匿名リクエストではnil。
	Identity *Identity
	// Span は分散トレースのスパン。トレース無効時は記録されないスパンになる。
	Span trace.Span
}

type contextKey string

const contextKeyRequest contextKey = "request_context"

// WithRequestContext はRequestContextを格納したコンテキストを返す。
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, contextKeyRequest, rc)
}

// FromContext はコンテキストからRequestContextを取り出す。無ければnilを返す。
func FromContext(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(contextKeyRequest).(*RequestContext)
	return rc
}

// CorrelationID はコンテキストの相関IDを返す。
func CorrelationID(ctx context.Context) string {
	if rc := FromContext(ctx); rc != nil {
		return rc.CorrelationID
	}
	return ""
}

// IdentityFromContext はコンテキストの認証済みIDを返す。
func IdentityFromContext(ctx context.Context) *Identity {
	if rc := FromContext(ctx); rc != nil {
		return rc.Identity
	}
	return nil
}

// RequestContextOption はRequestContextミドルウェアの設定。
type RequestContextOption func(*requestContextConfig)

type requestContextConfig struct {
	generate func() string
}

// WithIDGenerator は相関IDの生成関数を指定する。
func WithIDGenerator(generate func() string) RequestContextOption {
	return func(cfg *requestContextConfig) {
		if generate != nil {
			cfg.generate = generate
		}
	}
}

// NewRequestContext はリクエストごとにRequestContextを生成するGinミドルウェアを返す。
// 相関IDはクライアントの値を引き継がず、必ず新しく発行する。
func NewRequestContext(opts ...RequestContextOption) gin.HandlerFunc {
	cfg := requestContextConfig{
		generate: func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(c *gin.Context) {
		clientRequestID := c.GetHeader(HeaderRequestID)
		if clientRequestID == "" {
			clientRequestID = c.GetHeader(HeaderCorrelationID)
		}

		rc := &RequestContext{
			CorrelationID:   cfg.generate(),
			ClientRequestID: clientRequestID,
			ClientIP:        c.ClientIP(),
			Span:            trace.SpanFromContext(c.Request.Context()),
		}
		c.Request = c.Request.WithContext(WithRequestContext(c.Request.Context(), rc))
		c.Header(HeaderCorrelationID, rc.CorrelationID)
		c.Next()
	}
}

// GetRequestContext はGinコンテキストからRequestContextを取得する。
func GetRequestContext(c *gin.Context) *RequestContext {
	return FromContext(c.Request.Context())
}
