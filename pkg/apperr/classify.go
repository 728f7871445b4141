package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/nao1215/apigw/pkg/envelope"
)

// クライアントに返す固定メッセージ。
const (
	// MessageValidationFailed は入力検証エラーのユーザー向けメッセージ。
	MessageValidationFailed = "Validation failed"
	// MessageAuthenticationRequired は認証エラーのユーザー向けメッセージ。
	MessageAuthenticationRequired = "Authentication required"
	// MessageInsufficientPermissions は権限不足のユーザー向けメッセージ。
	MessageInsufficientPermissions = "Insufficient permissions"
	// MessageSomethingWentWrong はサーバーエラーのユーザー向けメッセージ。
	MessageSomethingWentWrong = "Something went wrong"
)

// Class はエラーの分類。ログレベルの決定に使う。
type Class int

const (
	// ClassClient はクライアント入力の誤り（400系の検証エラーなど）。
	ClassClient Class = iota
	// ClassIdentity は認証・認可の失敗（401/403）。
	ClassIdentity
	// ClassServer はバックエンド起因またはGateway内部の障害（5xx）。
	ClassServer
)

// FieldViolation はスキーマ検証で違反したフィールド1件。
type FieldViolation struct {
	// Path はフィールドのパス。
	Path string `json:"path"`
	// Message は違反内容。
	Message string `json:"message"`
	// Rule は違反した検証ルールのコード。
	Rule string `json:"rule"`
}

// FieldViolations はスキーマ検証エラー。
type FieldViolations []FieldViolation

// Error はerrorインターフェースを実装する。
func (v FieldViolations) Error() string {
	parts := make([]string, 0, len(v))
	for _, f := range v {
		parts = append(parts, fmt.Sprintf("%s: %s (%s)", f.Path, f.Message, f.Rule))
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

// FromValidator はvalidatorのエラーをFieldViolationsに変換する。
func FromValidator(errs validator.ValidationErrors) FieldViolations {
	out := make(FieldViolations, 0, len(errs))
	for _, fe := range errs {
		path := fe.Namespace()
		// 先頭の構造体名は利用者にとって意味がないので落とす
		if _, rest, found := strings.Cut(path, "."); found {
			path = rest
		}
		out = append(out, FieldViolation{
			Path:    path,
			Message: fmt.Sprintf("%s failed on the '%s' rule", fe.Field(), fe.Tag()),
			Rule:    fe.Tag(),
		})
	}
	return out
}

// Classification はClassifyの結果。
type Classification struct {
	// Status はレスポンスのHTTPステータス。
	Status int
	// Envelope はクライアントに返すエラーエンベロープ。
	Envelope envelope.Envelope
	// Class はエラーの分類。
	Class Class
}

// Classify はエラーを外部に見せるステータスとメッセージの組に変換する。
// 規則は上から順に評価され、必ず1つのエラーエンベロープになる。
func Classify(err error, correlationID string) Classification {
	if err == nil {
		err = errors.New("nil error")
	}

	var violations FieldViolations
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &violations):
		return validationFailure(marshalDetail(violations, err))
	case errors.As(err, &verrs):
		return validationFailure(marshalDetail(FromValidator(verrs), err))
	}

	var appErr *Error
	isApp := errors.As(err, &appErr)

	if isApp && appErr.Validation {
		detail := appErr.Detail
		if detail == nil {
			detail = appErr.Error()
		}
		return validationFailure(marshalDetail(detail, err))
	}

	status := StatusOf(err)

	switch {
	case status == http.StatusUnauthorized || (isApp && appErr.IsAuth()):
		return Classification{
			Status:   http.StatusUnauthorized,
			Envelope: envelope.Error(http.StatusUnauthorized, MessageAuthenticationRequired, err.Error()),
			Class:    ClassIdentity,
		}
	case status == http.StatusForbidden:
		return Classification{
			Status:   http.StatusForbidden,
			Envelope: envelope.Error(http.StatusForbidden, MessageInsufficientPermissions, err.Error()),
			Class:    ClassIdentity,
		}
	case status >= 400 && status < 500:
		msg := err.Error()
		if isApp && appErr.Message != "" {
			msg = appErr.Message
		}
		return Classification{
			Status:   status,
			Envelope: envelope.Error(status, msg, msg),
			Class:    ClassClient,
		}
	case status >= 500 && status <= 599:
		return serverFailure(status, err, correlationID)
	default:
		return serverFailure(http.StatusInternalServerError, err, correlationID)
	}
}

// validationFailure は400の検証エラーエンベロープを組み立てる。
func validationFailure(developerMessage string) Classification {
	return Classification{
		Status:   http.StatusBadRequest,
		Envelope: envelope.Error(http.StatusBadRequest, MessageValidationFailed, developerMessage),
		Class:    ClassClient,
	}
}

// serverFailure は5xxのエラーエンベロープを組み立てる。
// 開発者向けメッセージには相関IDを含め、ログと突き合わせられるようにする。
func serverFailure(status int, err error, correlationID string) Classification {
	return Classification{
		Status: status,
		Envelope: envelope.Error(status, MessageSomethingWentWrong,
			fmt.Sprintf("%s (correlationId: %s)", err.Error(), correlationID)),
		Class: ClassServer,
	}
}

// marshalDetail は検証エラーの詳細をJSON文字列にする。
func marshalDetail(detail any, fallback error) string {
	if s, ok := detail.(string); ok {
		return s
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		return fallback.Error()
	}
	return string(raw)
}

// Log は分類に応じたレベルでエラーを記録する。
func Log(logger *zap.Logger, c Classification, err error, fields ...zap.Field) {
	fields = append(fields, zap.Int("status", c.Status), zap.Error(err))
	switch c.Class {
	case ClassClient:
		logger.Debug("リクエストを拒否しました", fields...)
	case ClassIdentity:
		logger.Warn("認証または認可に失敗しました", fields...)
	default:
		logger.Error("リクエスト処理中にエラーが発生しました", fields...)
	}
}
