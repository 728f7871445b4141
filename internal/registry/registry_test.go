package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/apigw/internal/config"
)

// validDef はテスト用の正しいサービス定義を返す。
func validDef(name, basePath string) ServiceDefinition {
	return ServiceDefinition{
		Name:           name,
		BasePath:       basePath,
		BackendURL:     "http://" + name + ":8080",
		Access:         AccessAuthenticated,
		ExposeViaProxy: true,
	}
}

// TestNew はRegistryの構築と検証を検証する。
func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("パスが正規化されて保持されること", func(t *testing.T) {
		t.Parallel()

		def := validDef("users", "/users/")
		def.InternalBasePath = "api//v1/users/"
		def.PublicPrefixes = []string{"public/", "//docs"}
		def.Methods = []string{"get", " post "}

		r, err := New([]ServiceDefinition{def})
		require.NoError(t, err)

		got, ok := r.Lookup("users")
		require.True(t, ok)
		assert.Equal(t, "/users", got.BasePath)
		assert.Equal(t, "/api/v1/users", got.InternalBasePath)
		assert.Equal(t, []string{"/public", "/docs"}, got.PublicPrefixes)
		assert.Equal(t, []string{"GET", "POST"}, got.Methods)
		assert.Equal(t, "users", got.DisplayName)
	})

	tests := []struct {
		name string
		defs []ServiceDefinition
	}{
		{
			name: "サービス名の重複はエラーになること",
			defs: []ServiceDefinition{validDef("a", "/a"), validDef("a", "/b")},
		},
		{
			name: "ベースパスの重複はエラーになること",
			defs: []ServiceDefinition{validDef("a", "/same"), validDef("b", "/same/")},
		},
		{
			name: "スラッシュで始まらないベースパスはエラーになること",
			defs: []ServiceDefinition{validDef("a", "a")},
		},
		{
			name: "予約パスはエラーになること",
			defs: []ServiceDefinition{validDef("a", "/gateway/a")},
		},
		{
			name: "相対URLのバックエンドはエラーになること",
			defs: []ServiceDefinition{func() ServiceDefinition {
				d := validDef("a", "/a")
				d.BackendURL = "/relative"
				return d
			}()},
		},
		{
			name: "正規化後に重複するサブパスはエラーになること",
			defs: []ServiceDefinition{func() ServiceDefinition {
				d := validDef("a", "/a")
				d.PublicPrefixes = []string{"/docs"}
				d.AdminPrefixes = []string{"docs/"}
				return d
			}()},
		},
		{
			name: "不正なアクセスレベルはエラーになること",
			defs: []ServiceDefinition{func() ServiceDefinition {
				d := validDef("a", "/a")
				d.Access = "everyone"
				return d
			}()},
		},
		{
			name: "未対応のメソッドはエラーになること",
			defs: []ServiceDefinition{func() ServiceDefinition {
				d := validDef("a", "/a")
				d.Methods = []string{"TRACE"}
				return d
			}()},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := New(tt.defs)
			assert.Error(t, err)
		})
	}
}

// TestDefaultRateLimitPolicy は既定のレート制限ポリシーを検証する。
func TestDefaultRateLimitPolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		access   Access
		override string
		want     string
	}{
		{name: "明示的な指定が優先されること", access: AccessAdmin, override: PolicyAnonymous, want: PolicyAnonymous},
		{name: "管理者サービスはadmin", access: AccessAdmin, want: PolicyAdmin},
		{name: "認証済みサービスはauthenticated", access: AccessAuthenticated, want: PolicyAuthenticated},
		{name: "公開サービスはanonymous", access: AccessPublic, want: PolicyAnonymous},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			def := ServiceDefinition{Access: tt.access, RateLimitPolicy: tt.override}
			assert.Equal(t, tt.want, def.DefaultRateLimitPolicy())
		})
	}
}

// TestFromConfig は設定からの構築を検証する。
func TestFromConfig(t *testing.T) {
	t.Parallel()

	hidden := false
	r, err := FromConfig([]config.ServiceConfig{
		{Name: "users", BasePath: "/users", BackendURL: "http://users:8081", Access: "public"},
		{Name: "docs", BasePath: "/docs", BackendURL: "http://docs:8082", ExposeViaProxy: &hidden},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, r.Len())
	assert.Len(t, r.All(), 2)

	proxied := r.Proxied()
	require.Len(t, proxied, 1)
	assert.Equal(t, "users", proxied[0].Name)
	assert.True(t, proxied[0].ExposeViaProxy)

	docs, ok := r.Lookup("docs")
	require.True(t, ok)
	assert.False(t, docs.ExposeViaProxy)
	assert.Equal(t, AccessAuthenticated, docs.Access)
	assert.Equal(t, SupportedMethods, docs.AllowedMethods())

	_, ok = r.Lookup("missing")
	assert.False(t, ok)
}

// TestNormalizePath はパスの正規化を検証する。
func TestNormalizePath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", NormalizePath(""))
	assert.Equal(t, "", NormalizePath("///"))
	assert.Equal(t, "/a/b", NormalizePath("a//b/"))
	assert.Equal(t, "/a", NormalizePath("/a"))
}
