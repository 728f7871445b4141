package middleware

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/nao1215/apigw/pkg/apperr"
)

// レート制限ポリシーのタグ。
const (
	// PolicyAnonymous は匿名アクセス向けのポリシー。
	PolicyAnonymous = "anonymous"
	// PolicyAuthenticated は認証済みアクセス向けのポリシー。
	PolicyAuthenticated = "authenticated"
	// PolicyAdmin は管理者向けのポリシー。
	PolicyAdmin = "admin"
)

// レート制限器の既定値。
const (
	// DefaultClientTTL は使われなくなったクライアントの制限器を破棄するまでの時間。
	DefaultClientTTL = 10 * time.Minute
	// minCleanupInterval はクリーンアップ間隔の下限。
	minCleanupInterval = 10 * time.Second
	// maxCleanupInterval はクリーンアップ間隔の上限。
	maxCleanupInterval = time.Minute
)

// Limit はポリシー1つ分の制限値。
type Limit struct {
	// RPS は1秒あたりの許容リクエスト数。
	RPS float64
	// Burst は瞬間的に許容するリクエスト数。
	Burst int
}

// clientEntry はクライアント単位の制限器と最終アクセス時刻。
type clientEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter はポリシーとクライアントの組ごとにトークンバケットを持つレート制限器。
type RateLimiter struct {
	// policies はポリシータグごとの制限値。
	policies map[string]Limit
	// clients は「ポリシー:クライアント」をキーにした制限器。
	clients map[string]*clientEntry
	// mu はclientsを保護する。
	mu sync.Mutex
	// ttl は未使用の制限器を保持する時間。
	ttl time.Duration
	// now は現在時刻の取得関数。
	now func() time.Time
}

// NewRateLimiter はポリシーごとの制限値からRateLimiterを生成する。
func NewRateLimiter(policies map[string]Limit) *RateLimiter {
	copied := make(map[string]Limit, len(policies))
	for k, v := range policies {
		copied[k] = v
	}
	return &RateLimiter{
		policies: copied,
		clients:  make(map[string]*clientEntry),
		ttl:      DefaultClientTTL,
		now:      time.Now,
	}
}

// Allow はpolicyとkeyの組でリクエストを許可するかどうかを返す。
// 未知のポリシーは制限しない。
func (rl *RateLimiter) Allow(policy, key string) bool {
	limit, ok := rl.policies[policy]
	if !ok {
		return true
	}

	now := rl.now()
	id := policy + ":" + key

	rl.mu.Lock()
	entry, exists := rl.clients[id]
	if !exists {
		entry = &clientEntry{limiter: rate.NewLimiter(rate.Limit(limit.RPS), limit.Burst)}
		rl.clients[id] = entry
	}
	entry.lastAccess = now
	limiter := entry.limiter
	rl.mu.Unlock()

	return limiter.AllowN(now, 1)
}

// Cleanup はTTLを過ぎた制限器を削除し、削除件数を返す。
func (rl *RateLimiter) Cleanup() int {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for id, entry := range rl.clients {
		if now.Sub(entry.lastAccess) > rl.ttl {
			delete(rl.clients, id)
			removed++
		}
	}
	return removed
}

// Run はctxがキャンセルされるまで定期的にCleanupを実行する。
func (rl *RateLimiter) Run(ctx context.Context) {
	interval := min(max(rl.ttl/2, minCleanupInterval), maxCleanupInterval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup()
		case <-ctx.Done():
			return
		}
	}
}

// ClientKey はレート制限のキーを返す。認証済みならユーザーID、そうでなければクライアントIP。
func ClientKey(r *http.Request) string {
	rc := FromContext(r.Context())
	if rc == nil {
		return stripPort(r.RemoteAddr)
	}
	if rc.Identity != nil && rc.Identity.ID != "" {
		return "user:" + rc.Identity.ID
	}
	return "ip:" + rc.ClientIP
}

// ErrRateLimited はレート制限超過を表すエラーを返す。
func ErrRateLimited() *apperr.Error {
	return apperr.New(http.StatusTooManyRequests, apperr.CodeRateLimited, "rate limit exceeded")
}

// RateLimit は指定ポリシーでレート制限を行うGinミドルウェアを返す。
// rlがnilの場合は何もしない。
func RateLimit(rl *RateLimiter, policy string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl != nil && !rl.Allow(policy, ClientKey(c.Request)) {
			c.Header("Retry-After", "1")
			_ = c.Error(ErrRateLimited())
			c.Abort()
			return
		}
		c.Next()
	}
}

// stripPort はアドレスからポートを取り除く。
func stripPort(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
