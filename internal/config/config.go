// Package config はGatewayの設定を読み込む。
//
// 既定値、YAMLファイル、環境変数の順に重ねて読み込み、読み込み後は変更しない。
// 環境変数は APIGW_ 接頭辞を持ち、"__" で階層を表す（例: APIGW_SERVER__PORT）。
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// 読み込みに関する定数。
const (
	// EnvPrefix は設定を上書きする環境変数の接頭辞。
	EnvPrefix = "APIGW_"
	// EnvConfigPath は設定ファイルのパスを指定する環境変数。
	EnvConfigPath = "APIGW_CONFIG"
	// DefaultConfigPath は設定ファイルの既定のパス。
	DefaultConfigPath = "config.yaml"
)

// listKeys はカンマ区切りの環境変数をリストとして扱うキー。
var listKeys = []string{"server.trusted_proxies", "server.cors_origins"}

// Config はGateway全体の設定。
type Config struct {
	// Server はHTTPサーバーの設定。
	Server ServerConfig `koanf:"server"`
	// Log はロガーの設定。
	Log LogConfig `koanf:"log"`
	// Auth は認証の設定。
	Auth AuthConfig `koanf:"auth"`
	// Database はSQLiteの設定。
	Database DatabaseConfig `koanf:"database"`
	// Redis はキャッシュに使うRedisの設定。
	Redis RedisConfig `koanf:"redis"`
	// Status はサービス状態エンドポイントの設定。
	Status StatusConfig `koanf:"status"`
	// Upstream はバックエンド呼び出しの既定値。
	Upstream UpstreamConfig `koanf:"upstream"`
	// RateLimit はレート制限の設定。
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	// Tracing は分散トレースの設定。
	Tracing TracingConfig `koanf:"tracing"`
	// Services はGatewayが公開するバックエンドサービスの一覧。
	Services []ServiceConfig `koanf:"services"`
}

// ServerConfig はHTTPサーバーの設定。
type ServerConfig struct {
	Port            int           `koanf:"port"`
	TrustedProxies  []string      `koanf:"trusted_proxies"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LogConfig はロガーの設定。
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// AuthConfig は認証の設定。
type AuthConfig struct {
	// JWTSecret はトークンの署名と検証に使う共有シークレット。
	JWTSecret string `koanf:"jwt_secret"`
	// ServiceToken はバックエンドへ送るサービス認証情報。空なら送らない。
	ServiceToken string `koanf:"service_token"`
	// DevTokens は開発用トークン発行エンドポイントを有効にするかどうか。
	DevTokens bool `koanf:"dev_tokens"`
	// TokenTTL は発行するトークンの有効期間。
	TokenTTL time.Duration `koanf:"token_ttl"`
}

// DatabaseConfig はSQLiteの設定。
type DatabaseConfig struct {
	Path string `koanf:"path"`
}

// RedisConfig はRedisの設定。URLが空ならキャッシュを使わない。
type RedisConfig struct {
	URL       string `koanf:"url"`
	KeyPrefix string `koanf:"key_prefix"`
}

// StatusConfig はサービス状態エンドポイントの設定。
type StatusConfig struct {
	CacheTTL time.Duration `koanf:"cache_ttl"`
}

// UpstreamConfig はバックエンド呼び出しの既定のタイムアウト。
type UpstreamConfig struct {
	HeaderTimeout time.Duration `koanf:"header_timeout"`
	BodyTimeout   time.Duration `koanf:"body_timeout"`
}

// LimitConfig はレート制限ポリシー1つ分の設定。
type LimitConfig struct {
	RPS   float64 `koanf:"rps"`
	Burst int     `koanf:"burst"`
}

// RateLimitConfig はレート制限の設定。
type RateLimitConfig struct {
	Enabled       bool        `koanf:"enabled"`
	Anonymous     LimitConfig `koanf:"anonymous"`
	Authenticated LimitConfig `koanf:"authenticated"`
	Admin         LimitConfig `koanf:"admin"`
}

// TracingConfig は分散トレースの設定。
type TracingConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

// ServiceConfig はバックエンドサービス1件の設定。
type ServiceConfig struct {
	// Name はサービスの一意な名前。
	Name string `koanf:"name"`
	// DisplayName は表示名。
	DisplayName string `koanf:"display_name"`
	// BasePath はGateway上のベースパス。"/"で始まる。
	BasePath string `koanf:"base_path"`
	// BackendURL はバックエンドのベースURL。
	BackendURL string `koanf:"backend_url"`
	// Access は既定のアクセスレベル（public, authenticated, admin）。
	Access string `koanf:"access"`
	// RateLimitPolicy はレート制限ポリシーの明示的な指定。空なら Access から決まる。
	RateLimitPolicy string `koanf:"rate_limit_policy"`
	// InternalBasePath はバックエンド側のパス接頭辞。
	InternalBasePath string `koanf:"internal_base_path"`
	// PublicPrefixes は匿名で公開するサブパス。
	PublicPrefixes []string `koanf:"public_prefixes"`
	// AdminPrefixes は管理者に限定するサブパス。
	AdminPrefixes []string `koanf:"admin_prefixes"`
	// AuthenticatedPrefixes は管理者サービス配下でも認証済みなら誰でも使えるサブパス。
	AuthenticatedPrefixes []string `koanf:"authenticated_prefixes"`
	// RequiredRole は既定ルートと管理者ルートで要求するロール。
	RequiredRole string `koanf:"required_role"`
	// Methods は許可するHTTPメソッド。空ならすべて。
	Methods []string `koanf:"methods"`
	// ExposeViaProxy は動的プロキシの対象にするかどうか。未指定なら対象にする。
	ExposeViaProxy *bool `koanf:"expose_via_proxy"`
	// HeaderTimeout はこのサービスのヘッダー待ちの期限。0なら既定値。
	HeaderTimeout time.Duration `koanf:"header_timeout"`
	// BodyTimeout はこのサービスのボディ待ちの期限。0なら既定値。
	BodyTimeout time.Duration `koanf:"body_timeout"`
}

// defaults は設定の既定値。
func defaults() map[string]any {
	return map[string]any{
		"server.port":                    8080,
		"server.shutdown_timeout":        "10s",
		"log.level":                      "info",
		"log.format":                     "json",
		"auth.token_ttl":                 "24h",
		"database.path":                  "gateway.db",
		"redis.key_prefix":               "apigw:",
		"status.cache_ttl":               "30s",
		"upstream.header_timeout":        "10s",
		"upstream.body_timeout":          "30s",
		"rate_limit.enabled":             true,
		"rate_limit.anonymous.rps":       5.0,
		"rate_limit.anonymous.burst":     10,
		"rate_limit.authenticated.rps":   20.0,
		"rate_limit.authenticated.burst": 40,
		"rate_limit.admin.rps":           50.0,
		"rate_limit.admin.burst":         100,
		"tracing.enabled":                false,
		"tracing.service_name":           "apigw",
	}
}

// Load は .env、設定ファイル、環境変数から設定を読み込む。
// 設定ファイルのパスは APIGW_CONFIG で指定でき、存在しなくてもよい。
func Load() (*Config, error) {
	// .envが無いのは通常の状態
	_ = godotenv.Load()

	path := os.Getenv(EnvConfigPath)
	if path == "" {
		path = DefaultConfigPath
	}
	return LoadFile(path)
}

// LoadFile は指定した設定ファイルと環境変数から設定を読み込む。
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	for key, value := range defaults() {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("既定値の設定に失敗 (%s): %w", key, err)
		}
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗 (%s): %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envValue), nil); err != nil {
		return nil, fmt.Errorf("環境変数の読み込みに失敗: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("設定の展開に失敗: %w", err)
	}
	return &cfg, nil
}

// envValue は環境変数名をキーに変換する。リストのキーはカンマで分割する。
func envValue(key, value string) (string, any) {
	if key == EnvConfigPath {
		return "", nil
	}
	k := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), "__", ".")
	if slices.Contains(listKeys, k) {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return k, out
	}
	return k, value
}

// Validate は設定値を検証する。
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port が範囲外です: %d", c.Server.Port))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout は正の値が必要です"))
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, c.Log.Level) {
		errs = append(errs, fmt.Errorf("log.level が不正です: %q", c.Log.Level))
	}
	if !slices.Contains([]string{"json", "console"}, c.Log.Format) {
		errs = append(errs, fmt.Errorf("log.format が不正です: %q", c.Log.Format))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret が設定されていません"))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("auth.token_ttl は正の値が必要です"))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path が設定されていません"))
	}
	if c.Status.CacheTTL <= 0 {
		errs = append(errs, errors.New("status.cache_ttl は正の値が必要です"))
	}
	if c.Upstream.HeaderTimeout <= 0 || c.Upstream.BodyTimeout <= 0 {
		errs = append(errs, errors.New("upstream のタイムアウトは正の値が必要です"))
	}
	if c.RateLimit.Enabled {
		for name, l := range map[string]LimitConfig{
			"anonymous":     c.RateLimit.Anonymous,
			"authenticated": c.RateLimit.Authenticated,
			"admin":         c.RateLimit.Admin,
		} {
			if l.RPS <= 0 || l.Burst <= 0 {
				errs = append(errs, fmt.Errorf("rate_limit.%s は正の値が必要です", name))
			}
		}
	}
	for i, s := range c.Services {
		if s.HeaderTimeout < 0 || s.BodyTimeout < 0 {
			errs = append(errs, fmt.Errorf("services[%d] のタイムアウトが負の値です", i))
		}
	}

	return errors.Join(errs...)
}
