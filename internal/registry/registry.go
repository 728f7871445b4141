// Package registry はGatewayが公開するバックエンドサービスの一覧を保持する。
//
// Registryは起動時に一度だけ構築され、その後は変更されない。
// 読み取り専用なので複数のリクエストから同期なしに参照できる。
package registry

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/nao1215/apigw/internal/config"
	"github.com/nao1215/apigw/pkg/middleware"
)

// Access はサービスの既定のアクセスレベル。
type Access string

const (
	// AccessPublic は匿名でアクセスできる。
	AccessPublic Access = "public"
	// AccessAuthenticated は認証済みのIDが必要。
	AccessAuthenticated Access = "authenticated"
	// AccessAdmin は管理者アカウントが必要。
	AccessAdmin Access = "admin"
)

// レート制限ポリシーのタグ。レート制限器と同じ値を使う。
const (
	PolicyAnonymous     = middleware.PolicyAnonymous
	PolicyAuthenticated = middleware.PolicyAuthenticated
	PolicyAdmin         = middleware.PolicyAdmin
)

// SupportedMethods はプロキシルートで受け付けるHTTPメソッド。
var SupportedMethods = []string{
	http.MethodGet,
	http.MethodHead,
	http.MethodPost,
	http.MethodPut,
	http.MethodPatch,
	http.MethodDelete,
	http.MethodOptions,
}

// ReservedPaths はGateway自身が使うため、サービスのベースパスにできないパス。
var ReservedPaths = []string{"/health", "/metrics", "/gateway"}

// ServiceDefinition はバックエンドサービス1件の定義。構築後は変更しない。
type ServiceDefinition struct {
	// Name はサービスの一意な名前。
	Name string `json:"name"`
	// DisplayName は表示名。
	DisplayName string `json:"displayName"`
	// BasePath はGateway上のベースパス。
	BasePath string `json:"basePath"`
	// BackendURL はバックエンドのベースURL。
	BackendURL string `json:"-"`
	// Access は既定のアクセスレベル。
	Access Access `json:"access"`
	// RateLimitPolicy はレート制限ポリシーの明示的な指定。空なら Access から決まる。
	RateLimitPolicy string `json:"rateLimitPolicy,omitempty"`
	// InternalBasePath はバックエンド側のパス接頭辞。空でもよい。
	InternalBasePath string `json:"-"`
	// PublicPrefixes は匿名で公開するサブパス。
	PublicPrefixes []string `json:"publicPrefixes"`
	// AdminPrefixes は管理者に限定するサブパス。
	AdminPrefixes []string `json:"adminPrefixes"`
	// AuthenticatedPrefixes は認証済みなら誰でも使えるサブパス。
	AuthenticatedPrefixes []string `json:"authenticatedPrefixes"`
	// RequiredRole は既定ルートと管理者ルートで要求するロール。
	RequiredRole string `json:"requiredRole,omitempty"`
	// Methods は許可するHTTPメソッド。空ならSupportedMethodsすべて。
	Methods []string `json:"methods,omitempty"`
	// ExposeViaProxy は動的プロキシの対象かどうか。
	ExposeViaProxy bool `json:"exposeViaProxy"`
	// HeaderTimeout はヘッダー待ちの期限。0なら既定値。
	HeaderTimeout time.Duration `json:"-"`
	// BodyTimeout はボディ待ちの期限。0なら既定値。
	BodyTimeout time.Duration `json:"-"`
}

// DefaultRateLimitPolicy は既定ルートのレート制限ポリシーを返す。
// 明示的な指定があればそれを、なければアクセスレベルから決める。
func (s *ServiceDefinition) DefaultRateLimitPolicy() string {
	if s.RateLimitPolicy != "" {
		return s.RateLimitPolicy
	}
	switch s.Access {
	case AccessAdmin:
		return PolicyAdmin
	case AccessAuthenticated:
		return PolicyAuthenticated
	default:
		return PolicyAnonymous
	}
}

// AllowedMethods は許可するHTTPメソッドを返す。
func (s *ServiceDefinition) AllowedMethods() []string {
	if len(s.Methods) == 0 {
		return SupportedMethods
	}
	return s.Methods
}

// Registry はサービス定義の読み取り専用の集合。
type Registry struct {
	services []ServiceDefinition
	byName   map[string]int
}

// New はサービス定義を検証してRegistryを構築する。
// 定義は正規化されたコピーとして保持する。
func New(defs []ServiceDefinition) (*Registry, error) {
	r := &Registry{
		services: make([]ServiceDefinition, 0, len(defs)),
		byName:   make(map[string]int, len(defs)),
	}
	basePaths := make(map[string]string, len(defs))

	var errs []error
	for i, def := range defs {
		def = normalize(def)
		if err := validate(def); err != nil {
			errs = append(errs, fmt.Errorf("services[%d] (%s): %w", i, def.Name, err))
			continue
		}
		if _, dup := r.byName[def.Name]; dup {
			errs = append(errs, fmt.Errorf("services[%d]: サービス名 %q が重複しています", i, def.Name))
			continue
		}
		if other, dup := basePaths[def.BasePath]; dup {
			errs = append(errs, fmt.Errorf("services[%d] (%s): ベースパス %q は %s と重複しています", i, def.Name, def.BasePath, other))
			continue
		}
		basePaths[def.BasePath] = def.Name
		r.byName[def.Name] = len(r.services)
		r.services = append(r.services, def)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return r, nil
}

// FromConfig は設定からRegistryを構築する。
func FromConfig(services []config.ServiceConfig) (*Registry, error) {
	defs := make([]ServiceDefinition, 0, len(services))
	for _, s := range services {
		expose := true
		if s.ExposeViaProxy != nil {
			expose = *s.ExposeViaProxy
		}
		defs = append(defs, ServiceDefinition{
			Name:                  s.Name,
			DisplayName:           s.DisplayName,
			BasePath:              s.BasePath,
			BackendURL:            s.BackendURL,
			Access:                Access(s.Access),
			RateLimitPolicy:       s.RateLimitPolicy,
			InternalBasePath:      s.InternalBasePath,
			PublicPrefixes:        s.PublicPrefixes,
			AdminPrefixes:         s.AdminPrefixes,
			AuthenticatedPrefixes: s.AuthenticatedPrefixes,
			RequiredRole:          s.RequiredRole,
			Methods:               s.Methods,
			ExposeViaProxy:        expose,
			HeaderTimeout:         s.HeaderTimeout,
			BodyTimeout:           s.BodyTimeout,
		})
	}
	return New(defs)
}

// All はすべてのサービス定義を登録順に返す。
func (r *Registry) All() []ServiceDefinition {
	return slices.Clone(r.services)
}

// Proxied は動的プロキシの対象になるサービス定義を登録順に返す。
func (r *Registry) Proxied() []ServiceDefinition {
	out := make([]ServiceDefinition, 0, len(r.services))
	for _, s := range r.services {
		if s.ExposeViaProxy {
			out = append(out, s)
		}
	}
	return out
}

// Lookup は名前でサービス定義を探す。
func (r *Registry) Lookup(name string) (ServiceDefinition, bool) {
	i, ok := r.byName[name]
	if !ok {
		return ServiceDefinition{}, false
	}
	return r.services[i], true
}

// Len は登録されているサービス数を返す。
func (r *Registry) Len() int {
	return len(r.services)
}

// NormalizePath はパスを先頭に"/"が1つだけ付き、末尾に"/"が無い形に揃える。
// 空のパスや"/"だけのパスは空文字になる。
func NormalizePath(p string) string {
	segments := strings.FieldsFunc(p, func(r rune) bool { return r == '/' })
	if len(segments) == 0 {
		return ""
	}
	return "/" + strings.Join(segments, "/")
}

// normalize は定義のパスとメソッドを正規化したコピーを返す。
func normalize(def ServiceDefinition) ServiceDefinition {
	def.Name = strings.TrimSpace(def.Name)
	if def.DisplayName == "" {
		def.DisplayName = def.Name
	}
	if def.Access == "" {
		def.Access = AccessAuthenticated
	}
	if strings.HasPrefix(def.BasePath, "/") {
		if n := NormalizePath(def.BasePath); n != "" {
			def.BasePath = n
		}
	}
	def.InternalBasePath = NormalizePath(def.InternalBasePath)
	def.PublicPrefixes = normalizeAll(def.PublicPrefixes)
	def.AdminPrefixes = normalizeAll(def.AdminPrefixes)
	def.AuthenticatedPrefixes = normalizeAll(def.AuthenticatedPrefixes)

	if len(def.Methods) > 0 {
		methods := make([]string, 0, len(def.Methods))
		for _, m := range def.Methods {
			methods = append(methods, strings.ToUpper(strings.TrimSpace(m)))
		}
		def.Methods = methods
	}
	return def
}

func normalizeAll(prefixes []string) []string {
	out := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		out = append(out, NormalizePath(p))
	}
	return out
}

// validate は正規化済みの定義1件を検証する。
func validate(def ServiceDefinition) error {
	var errs []error

	if def.Name == "" {
		errs = append(errs, errors.New("name が設定されていません"))
	}
	if !strings.HasPrefix(def.BasePath, "/") || def.BasePath == "/" {
		errs = append(errs, fmt.Errorf("base_path は\"/\"で始まる必要があります: %q", def.BasePath))
	}
	for _, reserved := range ReservedPaths {
		if def.BasePath == reserved || strings.HasPrefix(def.BasePath, reserved+"/") {
			errs = append(errs, fmt.Errorf("base_path %q はGatewayが予約しています", def.BasePath))
		}
	}
	if u, err := url.Parse(def.BackendURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("backend_url は絶対URLである必要があります: %q", def.BackendURL))
	}
	switch def.Access {
	case AccessPublic, AccessAuthenticated, AccessAdmin:
	default:
		errs = append(errs, fmt.Errorf("access が不正です: %q", def.Access))
	}
	switch def.RateLimitPolicy {
	case "", PolicyAnonymous, PolicyAuthenticated, PolicyAdmin:
	default:
		errs = append(errs, fmt.Errorf("rate_limit_policy が不正です: %q", def.RateLimitPolicy))
	}
	for _, m := range def.Methods {
		if !slices.Contains(SupportedMethods, m) {
			errs = append(errs, fmt.Errorf("methods に未対応のメソッドがあります: %q", m))
		}
	}

	seen := make(map[string]string)
	check := func(kind string, prefixes []string) {
		for _, p := range prefixes {
			if p == "" {
				errs = append(errs, fmt.Errorf("%s に空のサブパスがあります", kind))
				continue
			}
			if other, dup := seen[p]; dup {
				errs = append(errs, fmt.Errorf("サブパス %q が %s と %s で重複しています", p, other, kind))
				continue
			}
			seen[p] = kind
		}
	}
	check("public_prefixes", def.PublicPrefixes)
	check("admin_prefixes", def.AdminPrefixes)
	check("authenticated_prefixes", def.AuthenticatedPrefixes)

	return errors.Join(errs...)
}
