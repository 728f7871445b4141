package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nao1215/apigw/pkg/apperr"
	"github.com/nao1215/apigw/pkg/middleware"
)

// 既定のタイムアウト。
const (
	// DefaultHeaderTimeout はレスポンスヘッダーを受信するまでの既定の期限。
	DefaultHeaderTimeout = 10 * time.Second
	// DefaultBodyTimeout はレスポンスボディを読み終えるまでの既定の期限。
	DefaultBodyTimeout = 30 * time.Second
)

// maxErrorBody はエラーレスポンスから読み取る本文の上限。
const maxErrorBody = 4 << 10

// Client はバックエンドサービス呼び出し用のHTTPクライアント。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
	// baseURL は接続先サービスのベースURL。
	baseURL string
	// headerTimeout はヘッダー受信までの期限。
	headerTimeout time.Duration
	// bodyTimeout はボディ受信までの期限。
	bodyTimeout time.Duration
}

// Option はClientの設定。
type Option func(*Client)

// WithTimeouts はヘッダー受信とボディ受信の期限を設定する。0以下の値は既定値を維持する。
func WithTimeouts(header, body time.Duration) Option {
	return func(c *Client) {
		if header > 0 {
			c.headerTimeout = header
		}
		if body > 0 {
			c.bodyTimeout = body
		}
	}
}

// WithTransport は送信に使うRoundTripperを設定する。
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		if rt != nil {
			c.httpClient.Transport = rt
		}
	}
}

// New は新しいHTTPクライアントを生成する。
// baseURLには接続先サービスのベースURL（例: "http://users:8081"）を指定する。
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		httpClient:    &http.Client{},
		baseURL:       strings.TrimRight(baseURL, "/"),
		headerTimeout: DefaultHeaderTimeout,
		bodyTimeout:   DefaultBodyTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL は接続先のベースURLを返す。
func (c *Client) BaseURL() string {
	return c.baseURL
}

// callConfig は呼び出し1回分の設定。
type callConfig struct {
	headers       http.Header
	headerTimeout time.Duration
	bodyTimeout   time.Duration
}

// CallOption は呼び出し1回分の設定。
type CallOption func(*callConfig)

// WithHeader はリクエストヘッダーを追加する。
func WithHeader(key, value string) CallOption {
	return func(cfg *callConfig) {
		cfg.headers.Set(key, value)
	}
}

// WithCallTimeouts はこの呼び出しだけの期限を設定する。0以下の値はクライアントの設定を使う。
func WithCallTimeouts(header, body time.Duration) CallOption {
	return func(cfg *callConfig) {
		if header > 0 {
			cfg.headerTimeout = header
		}
		if body > 0 {
			cfg.bodyTimeout = body
		}
	}
}

// PostJSON は指定パスにJSONボディでPOSTリクエストを送信する。
// レスポンスボディをresultにデシリアライズする。
func (c *Client) PostJSON(ctx context.Context, path string, body any, result any, opts ...CallOption) error {
	return c.doJSON(ctx, http.MethodPost, path, body, result, opts...)
}

// GetJSON は指定パスにGETリクエストを送信する。
// レスポンスボディをresultにデシリアライズする。
func (c *Client) GetJSON(ctx context.Context, path string, result any, opts ...CallOption) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, result, opts...)
}

// doJSON はJSON形式のHTTPリクエストを実行する共通処理。
func (c *Client) doJSON(ctx context.Context, method, path string, body any, result any, opts ...CallOption) error {
	cfg := callConfig{
		headers:       make(http.Header),
		headerTimeout: c.headerTimeout,
		bodyTimeout:   c.bodyTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("リクエストボディのシリアライズに失敗: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	phaseCtx, timer := NewPhaseTimer(ctx, cfg.headerTimeout)
	defer timer.Stop()

	req, err := http.NewRequestWithContext(phaseCtx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id := middleware.CorrelationID(ctx); id != "" {
		req.Header.Set(middleware.HeaderCorrelationID, id)
	}
	for key, values := range cfg.headers {
		req.Header[key] = values
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(err, timer)
	}
	defer resp.Body.Close()
	timer.Next(cfg.bodyTimeout)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return statusError(resp.StatusCode, respBody)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			if timer.Expired() {
				return transportError(err, timer)
			}
			return apperr.Wrap(http.StatusBadGateway, apperr.CodeUpstream, "レスポンスボディのデシリアライズに失敗", err)
		}
	}
	return nil
}

// transportError は送信失敗をステータス付きのエラーに変換する。
// 期限切れは504、それ以外の到達不能は502になる。
func transportError(err error, timer *PhaseTimer) error {
	if timer.Expired() || errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(http.StatusGatewayTimeout, apperr.CodeUpstreamTimeout, "upstream timed out", err)
	}
	return apperr.Wrap(http.StatusBadGateway, apperr.CodeUpstreamUnavailable, "upstream unavailable", err)
}

// statusError はバックエンドの非2xxレスポンスをエラーに変換する。
// 4xxはそのままのステータスで、5xxは502として扱う。
func statusError(status int, body []byte) error {
	message := upstreamMessage(body)
	if message == "" {
		message = http.StatusText(status)
	}
	if status >= 400 && status < 500 {
		return apperr.New(status, apperr.CodeUpstream, message)
	}
	return apperr.Wrap(http.StatusBadGateway, apperr.CodeUpstream, "upstream error",
		fmt.Errorf("HTTPエラー: status=%d, body=%s", status, message))
}

// upstreamMessage はエラーレスポンスの本文からメッセージを取り出す。
// エンベロープやフォールトの形であればそのメッセージを、そうでなければ本文そのものを返す。
func upstreamMessage(body []byte) string {
	var shaped struct {
		UserMessage *string `json:"userMessage"`
		Message     *string `json:"message"`
		Error       *string `json:"error"`
	}
	if err := json.Unmarshal(body, &shaped); err == nil {
		for _, m := range []*string{shaped.UserMessage, shaped.Message, shaped.Error} {
			if m != nil && *m != "" {
				return *m
			}
		}
	}
	return strings.TrimSpace(string(body))
}
