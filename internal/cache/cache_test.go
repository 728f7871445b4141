package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newRedis はminiredisに接続したキャッシュを返す。
func newRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	c, err := NewRedis(context.Background(), "redis://"+mr.Addr(), "test:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

// status はキャッシュするテスト用の値。
type status struct {
	Healthy bool   `json:"healthy"`
	Service string `json:"service"`
}

// TestRedis はRedisキャッシュを検証する。
func TestRedis(t *testing.T) {
	t.Parallel()

	t.Run("保存した値が接頭辞付きのキーで取得できること", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		c, mr := newRedis(t)

		require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
		got, err := c.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), got)
		assert.True(t, mr.Exists("test:k"))
		assert.Equal(t, time.Minute, mr.TTL("test:k"))
	})

	t.Run("存在しないキーはErrMissになること", func(t *testing.T) {
		t.Parallel()

		c, _ := newRedis(t)
		_, err := c.Get(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrMiss)
	})

	t.Run("有効期限が過ぎると取得できないこと", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		c, mr := newRedis(t)

		require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Second))
		mr.FastForward(2 * time.Second)
		_, err := c.Get(ctx, "k")
		assert.ErrorIs(t, err, ErrMiss)
	})

	t.Run("不正なURLはエラーになること", func(t *testing.T) {
		t.Parallel()

		_, err := NewRedis(context.Background(), "://bad", "")
		assert.Error(t, err)
	})
}

// TestFetch は読み取りキャッシュを検証する。
func TestFetch(t *testing.T) {
	t.Parallel()

	t.Run("2回目はキャッシュから返しloadを呼ばないこと", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		c, _ := newRedis(t)
		calls := 0
		load := func(context.Context) (status, error) {
			calls++
			return status{Healthy: true, Service: "users"}, nil
		}

		got, hit, err := Fetch(ctx, c, zap.NewNop(), "status:users", time.Minute, load)
		require.NoError(t, err)
		assert.False(t, hit)
		assert.Equal(t, "users", got.Service)

		got, hit, err = Fetch(ctx, c, zap.NewNop(), "status:users", time.Minute, load)
		require.NoError(t, err)
		assert.True(t, hit)
		assert.True(t, got.Healthy)
		assert.Equal(t, 1, calls)
	})

	t.Run("Redisが停止していてもloadの結果を返すこと", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		c, mr := newRedis(t)
		mr.Close()

		got, hit, err := Fetch(ctx, c, zap.NewNop(), "k", time.Minute, func(context.Context) (status, error) {
			return status{Service: "fallback"}, nil
		})
		require.NoError(t, err)
		assert.False(t, hit)
		assert.Equal(t, "fallback", got.Service)
	})

	t.Run("loadのエラーはそのまま返しキャッシュしないこと", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		c, mr := newRedis(t)
		boom := errors.New("boom")

		_, _, err := Fetch(ctx, c, zap.NewNop(), "k", time.Minute, func(context.Context) (status, error) {
			return status{}, boom
		})
		assert.ErrorIs(t, err, boom)
		assert.False(t, mr.Exists("test:k"))
	})

	t.Run("Nopキャッシュは毎回loadを呼ぶこと", func(t *testing.T) {
		t.Parallel()

		calls := 0
		for range 3 {
			_, hit, err := Fetch(context.Background(), Nop{}, zap.NewNop(), "k", time.Minute, func(context.Context) (int, error) {
				calls++
				return calls, nil
			})
			require.NoError(t, err)
			assert.False(t, hit)
		}
		assert.Equal(t, 3, calls)
	})
}
