package gateway

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nao1215/apigw/internal/config"
	"github.com/nao1215/apigw/internal/registry"
)

// VariantKind はルートバリアントの種類。
type VariantKind string

const (
	// VariantDefault はサービスのベースパス全体を扱うバリアント。
	VariantDefault VariantKind = "default"
	// VariantPublic は匿名で公開するサブパス。
	VariantPublic VariantKind = "public"
	// VariantAdmin は管理者に限定するサブパス。
	VariantAdmin VariantKind = "admin"
	// VariantAuthenticated は認証済みなら誰でも使えるサブパス。
	VariantAuthenticated VariantKind = "authenticated"
)

// RouteVariant はサービスのパス空間の一部と、そこに適用するアクセス方針の組。
type RouteVariant struct {
	// Kind はバリアントの種類。
	Kind VariantKind
	// GatewayPath はGateway上で受け付けるパス。
	GatewayPath string
	// ForwardPrefix はバックエンド側でtailの前に付けるパス。既定バリアントでは空。
	ForwardPrefix string
	// Public は匿名アクセスを許すかどうか。
	Public bool
	// RateLimitPolicy はレート制限ポリシー。
	RateLimitPolicy string
	// RequiredRole は要求するロール。空なら要求しない。
	RequiredRole string
	// AllowAnyAuthenticated は管理者要件とロール要件を免除する。
	AllowAnyAuthenticated bool
	// Methods は受け付けるHTTPメソッド。
	Methods []string
}

// Variants はサービス定義からルートバリアントを作る。
// 公開、管理者、認証済みのサブパスの順に並べ、最後に既定バリアントを置く。
func Variants(def registry.ServiceDefinition) []RouteVariant {
	methods := def.AllowedMethods()
	variants := make([]RouteVariant, 0, len(def.PublicPrefixes)+len(def.AdminPrefixes)+len(def.AuthenticatedPrefixes)+1)

	for _, p := range def.PublicPrefixes {
		variants = append(variants, RouteVariant{
			Kind:            VariantPublic,
			GatewayPath:     def.BasePath + p,
			ForwardPrefix:   p,
			Public:          true,
			RateLimitPolicy: registry.PolicyAnonymous,
			Methods:         methods,
		})
	}
	for _, p := range def.AdminPrefixes {
		variants = append(variants, RouteVariant{
			Kind:            VariantAdmin,
			GatewayPath:     def.BasePath + p,
			ForwardPrefix:   p,
			RateLimitPolicy: registry.PolicyAdmin,
			RequiredRole:    def.RequiredRole,
			Methods:         methods,
		})
	}
	for _, p := range def.AuthenticatedPrefixes {
		variants = append(variants, RouteVariant{
			Kind:                  VariantAuthenticated,
			GatewayPath:           def.BasePath + p,
			ForwardPrefix:         p,
			RateLimitPolicy:       registry.PolicyAuthenticated,
			AllowAnyAuthenticated: true,
			Methods:               methods,
		})
	}

	public := def.Access == registry.AccessPublic
	base := RouteVariant{
		Kind:            VariantDefault,
		GatewayPath:     def.BasePath,
		Public:          public,
		RateLimitPolicy: def.DefaultRateLimitPolicy(),
		Methods:         methods,
	}
	if !public {
		base.RequiredRole = def.RequiredRole
	}
	return append(variants, base)
}

// RouteConfig はルート1本分の設定。登録時に一度だけ計算し、リクエスト間で共有する。
type RouteConfig struct {
	Service               string
	Kind                  VariantKind
	GatewayPath           string
	ForwardPrefix         string
	BackendURL            string
	InternalBasePath      string
	Public                bool
	RequireAdmin          bool
	RequiredRole          string
	AllowAnyAuthenticated bool
	RateLimitPolicy       string
	HeaderTimeout         time.Duration
	BodyTimeout           time.Duration
}

// NewRouteConfig はサービス定義とバリアントからルート設定を作る。
// 管理者要件は、サービスのアクセスレベルかバリアントのポリシーのどちらかが管理者なら課す。
// 公開ルートには課さない。タイムアウトが未指定ならupstreamの既定値を使う。
func NewRouteConfig(def registry.ServiceDefinition, v RouteVariant, upstream config.UpstreamConfig) RouteConfig {
	cfg := RouteConfig{
		Service:               def.Name,
		Kind:                  v.Kind,
		GatewayPath:           v.GatewayPath,
		ForwardPrefix:         v.ForwardPrefix,
		BackendURL:            def.BackendURL,
		InternalBasePath:      def.InternalBasePath,
		Public:                v.Public,
		RequireAdmin:          !v.Public && (def.Access == registry.AccessAdmin || v.RateLimitPolicy == registry.PolicyAdmin),
		RequiredRole:          v.RequiredRole,
		AllowAnyAuthenticated: v.AllowAnyAuthenticated,
		RateLimitPolicy:       v.RateLimitPolicy,
		HeaderTimeout:         def.HeaderTimeout,
		BodyTimeout:           def.BodyTimeout,
	}
	if cfg.HeaderTimeout <= 0 {
		cfg.HeaderTimeout = upstream.HeaderTimeout
	}
	if cfg.BodyTimeout <= 0 {
		cfg.BodyTimeout = upstream.BodyTimeout
	}
	return cfg
}

// RegisterRoutes はサービスごとのルートをchiのルーターに登録する。
// バリアントごとに、許可された各メソッドについて完全一致とワイルドカードの2本を登録する。
// handlerはルート設定ごとに1回だけ呼ばれる。同じパスが2回現れた場合はエラーを返す。
func RegisterRoutes(r chi.Router, services []registry.ServiceDefinition, upstream config.UpstreamConfig, handler func(RouteConfig) http.Handler) error {
	owners := make(map[string]string)
	for _, def := range services {
		for _, v := range Variants(def) {
			if other, dup := owners[v.GatewayPath]; dup {
				return fmt.Errorf("ルート %q が %s と %s で重複しています", v.GatewayPath, other, def.Name)
			}
			owners[v.GatewayPath] = def.Name

			h := handler(NewRouteConfig(def, v, upstream))
			for _, m := range v.Methods {
				r.Method(m, v.GatewayPath, h)
				r.Method(m, v.GatewayPath+"/*", h)
			}
		}
	}
	return nil
}

// CountRoutes は登録済みのメソッドとパターンの組の数を返す。
func CountRoutes(r chi.Routes) (int, error) {
	n := 0
	err := chi.Walk(r, func(string, string, http.Handler, ...func(http.Handler) http.Handler) error {
		n++
		return nil
	})
	return n, err
}
