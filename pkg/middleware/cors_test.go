package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

// TestCORS はCORSミドルウェアを検証する。
func TestCORS(t *testing.T) {
	t.Parallel()

	newRouter := func(called *bool) *gin.Engine {
		router := gin.New()
		router.Use(CORS([]string{"http://localhost:3000", "https://example.com"}))
		handler := func(c *gin.Context) {
			if called != nil {
				*called = true
			}
			c.Status(http.StatusOK)
		}
		router.GET("/test", handler)
		router.OPTIONS("/test", handler)
		return router
	}

	t.Run("許可されたオリジンからのリクエストにCORSヘッダーが設定されること", func(t *testing.T) {
		t.Parallel()

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Origin", "https://example.com")
		w := httptest.NewRecorder()
		newRouter(nil).ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "https://example.com", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "GET, HEAD, POST, PUT, PATCH, DELETE, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))
		assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), HeaderCorrelationID)
		assert.Equal(t, HeaderCorrelationID, w.Header().Get("Access-Control-Expose-Headers"))
		assert.Equal(t, "86400", w.Header().Get("Access-Control-Max-Age"))
		assert.Equal(t, "Origin", w.Header().Get("Vary"))
		assert.NotContains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-Service-Token")
	})

	t.Run("許可されていないオリジンにはCORSヘッダーが設定されないこと", func(t *testing.T) {
		t.Parallel()

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Origin", "https://evil.com")
		w := httptest.NewRecorder()
		newRouter(nil).ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "Origin", w.Header().Get("Vary"))
	})

	t.Run("プリフライトは204で中断されること", func(t *testing.T) {
		t.Parallel()

		called := false
		req := httptest.NewRequest(http.MethodOptions, "/test", nil)
		req.Header.Set("Origin", "http://localhost:3000")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		w := httptest.NewRecorder()
		newRouter(&called).ServeHTTP(w, req)

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.False(t, called)
	})

	t.Run("プリフライトでないOPTIONSは後続に渡されること", func(t *testing.T) {
		t.Parallel()

		called := false
		req := httptest.NewRequest(http.MethodOptions, "/test", nil)
		req.Header.Set("Origin", "http://localhost:3000")
		w := httptest.NewRecorder()
		newRouter(&called).ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.True(t, called)
	})
}
