package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// signupRequest は検証エラーを発生させるための構造体。
type signupRequest struct {
	Email string `validate:"required,email"`
	Age   int    `validate:"gte=18"`
}

// statusError はapperr以外でステータスを持つエラー。
type statusError struct {
	status int
	msg    string
}

func (e statusError) Error() string   { return e.msg }
func (e statusError) StatusCode() int { return e.status }

// TestClassify は分類規則を検証する。
func TestClassify(t *testing.T) {
	t.Parallel()

	t.Run("スキーマ検証エラーはフィールド一覧付きの400になること", func(t *testing.T) {
		t.Parallel()

		err := validator.New().Struct(signupRequest{Email: "not-an-email", Age: 3})
		require.Error(t, err)

		c := Classify(fmt.Errorf("bind: %w", err), "corr-1")
		assert.Equal(t, http.StatusBadRequest, c.Status)
		assert.Equal(t, MessageValidationFailed, c.Envelope.UserMessage)
		assert.Equal(t, ClassClient, c.Class)

		var got []FieldViolation
		require.NoError(t, json.Unmarshal([]byte(c.Envelope.DeveloperMessage), &got))
		assert.Equal(t, []FieldViolation{
			{Path: "Email", Message: "Email failed on the 'email' rule", Rule: "email"},
			{Path: "Age", Message: "Age failed on the 'gte' rule", Rule: "gte"},
		}, got)
	})

	t.Run("検証マーカー付きエラーは詳細をJSONにした400になること", func(t *testing.T) {
		t.Parallel()

		c := Classify(Validation(map[string]string{"body": "unexpected EOF"}, nil), "corr-2")
		assert.Equal(t, http.StatusBadRequest, c.Status)
		assert.JSONEq(t, `{"body":"unexpected EOF"}`, c.Envelope.DeveloperMessage)
	})

	t.Run("401は固定メッセージで開発者向けに元のエラーを含むこと", func(t *testing.T) {
		t.Parallel()

		c := Classify(New(http.StatusUnauthorized, "", "token missing"), "corr-3")
		assert.Equal(t, http.StatusUnauthorized, c.Status)
		assert.Equal(t, MessageAuthenticationRequired, c.Envelope.UserMessage)
		assert.Equal(t, "token missing", c.Envelope.DeveloperMessage)
		assert.Equal(t, ClassIdentity, c.Class)
	})

	t.Run("認証サブシステムのコードはステータスに関係なく401になること", func(t *testing.T) {
		t.Parallel()

		c := Classify(&Error{Status: http.StatusBadRequest, Code: CodeAuthExpired, Message: "expired"}, "corr-4")
		assert.Equal(t, http.StatusUnauthorized, c.Status)
	})

	t.Run("403は権限不足メッセージになること", func(t *testing.T) {
		t.Parallel()

		c := Classify(Forbidden("admin only"), "corr-5")
		assert.Equal(t, http.StatusForbidden, c.Status)
		assert.Equal(t, MessageInsufficientPermissions, c.Envelope.UserMessage)
	})

	t.Run("その他の4xxはステータスとメッセージをそのまま使うこと", func(t *testing.T) {
		t.Parallel()

		c := Classify(statusError{status: http.StatusConflict, msg: "already exists"}, "corr-6")
		assert.Equal(t, http.StatusConflict, c.Status)
		assert.Equal(t, "already exists", c.Envelope.UserMessage)
		assert.Equal(t, "already exists", c.Envelope.DeveloperMessage)
	})

	t.Run("5xxは汎用メッセージで相関IDを含むこと", func(t *testing.T) {
		t.Parallel()

		c := Classify(Wrap(http.StatusBadGateway, CodeUpstream, "upstream failed", errors.New("dial tcp: refused")), "corr-7")
		assert.Equal(t, http.StatusBadGateway, c.Status)
		assert.Equal(t, MessageSomethingWentWrong, c.Envelope.UserMessage)
		assert.Contains(t, c.Envelope.DeveloperMessage, "dial tcp: refused")
		assert.Contains(t, c.Envelope.DeveloperMessage, "corr-7")
		assert.Equal(t, ClassServer, c.Class)
	})

	t.Run("ステータスのないエラーは500になること", func(t *testing.T) {
		t.Parallel()

		c := Classify(errors.New("boom"), "corr-8")
		assert.Equal(t, http.StatusInternalServerError, c.Status)
		assert.Equal(t, http.StatusInternalServerError, c.Envelope.StatusCode)
		assert.Contains(t, c.Envelope.DeveloperMessage, "boom")
		assert.Contains(t, c.Envelope.DeveloperMessage, "corr-8")
	})

	t.Run("404は何度分類しても404のままであること", func(t *testing.T) {
		t.Parallel()

		for range 10 {
			c := Classify(NotFound("no such route"), "corr-9")
			assert.Equal(t, http.StatusNotFound, c.Status)
			assert.False(t, c.Envelope.Success)
			assert.Equal(t, http.StatusNotFound, c.Envelope.StatusCode)
			assert.Equal(t, struct{}{}, c.Envelope.Data)
		}
	})
}

// TestLog は分類に応じたログレベルを検証する。
func TestLog(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want zapcore.Level
	}{
		{name: "検証エラーはDebug", err: Validation("x", nil), want: zapcore.DebugLevel},
		{name: "認可エラーはWarn", err: Forbidden("no"), want: zapcore.WarnLevel},
		{name: "内部エラーはError", err: errors.New("boom"), want: zapcore.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			core, logs := observer.New(zapcore.DebugLevel)
			Log(zap.New(core), Classify(tt.err, "corr"), tt.err)

			entries := logs.All()
			require.Len(t, entries, 1)
			assert.Equal(t, tt.want, entries[0].Level)
		})
	}
}
