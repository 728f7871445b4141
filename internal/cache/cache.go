// Package cache は1つのエンドポイントの読み取りを高速化するキー・バリューキャッシュを提供する。
//
// キャッシュの障害はリクエストを失敗させない。取得や保存に失敗した場合は
// 元のデータソースから取得した値をそのまま返す。
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrMiss はキーが存在しないことを表す。
var ErrMiss = errors.New("cache miss")

// Cache はバイト列を保持するキャッシュ。
type Cache interface {
	// Get はキーの値を返す。存在しなければErrMissを返す。
	Get(ctx context.Context, key string) ([]byte, error)
	// Set はキーに値を有効期限付きで保存する。
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Close は接続を閉じる。
	Close() error
}

// Redis はRedisを使うCache。
type Redis struct {
	// client はRedisクライアント。
	client *redis.Client
	// prefix はすべてのキーに付ける接頭辞。
	prefix string
}

// NewRedis はredis://形式のURLからRedisキャッシュを生成し、疎通を確認する。
func NewRedis(ctx context.Context, rawURL, prefix string) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("RedisのURLの解析に失敗: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("Redisへの接続に失敗: %w", err)
	}
	return &Redis{client: client, prefix: prefix}, nil
}

// Get はキーの値を返す。
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("Redisからの取得に失敗: %w", err)
	}
	return b, nil
}

// Set はキーに値を有効期限付きで保存する。
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("Redisへの保存に失敗: %w", err)
	}
	return nil
}

// Close は接続を閉じる。
func (r *Redis) Close() error {
	return r.client.Close()
}

// Nop は何も保存しないCache。Redisが設定されていない場合に使う。
type Nop struct{}

// Get は常にErrMissを返す。
func (Nop) Get(context.Context, string) ([]byte, error) { return nil, ErrMiss }

// Set は何もしない。
func (Nop) Set(context.Context, string, []byte, time.Duration) error { return nil }

// Close は何もしない。
func (Nop) Close() error { return nil }

// Fetch はキャッシュから値を読み、無ければloadで取得して保存する。
// キャッシュの障害はログに残すだけで、loadの結果を返す。
// 2つ目の戻り値はキャッシュから返したかどうか。
func Fetch[T any](ctx context.Context, c Cache, logger *zap.Logger, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, bool, error) {
	var zero T

	raw, err := c.Get(ctx, key)
	switch {
	case err == nil:
		var cached T
		jsonErr := json.Unmarshal(raw, &cached)
		if jsonErr == nil {
			return cached, true, nil
		}
		logger.Warn("キャッシュの値を復元できませんでした", zap.String("key", key), zap.Error(jsonErr))
	case !errors.Is(err, ErrMiss):
		logger.Warn("キャッシュから取得できませんでした", zap.String("key", key), zap.Error(err))
	}

	value, err := load(ctx)
	if err != nil {
		return zero, false, err
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		logger.Warn("キャッシュに保存する値をシリアライズできませんでした", zap.String("key", key), zap.Error(err))
		return value, false, nil
	}
	if err := c.Set(ctx, key, encoded, ttl); err != nil {
		logger.Warn("キャッシュに保存できませんでした", zap.String("key", key), zap.Error(err))
	}
	return value, false, nil
}
