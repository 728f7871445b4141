package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// 認証サブシステムのエラーコード。CodeAuthPrefixで始まるコードは401に分類される。
const (
	// CodeAuthPrefix は認証サブシステム由来のエラーコードの接頭辞。
	CodeAuthPrefix = "AUTH_"
	// CodeAuthMissing は認証情報が無い。
	CodeAuthMissing = "AUTH_MISSING_CREDENTIAL"
	// CodeAuthMalformed はAuthorizationヘッダーの形式が不正。
	CodeAuthMalformed = "AUTH_MALFORMED_CREDENTIAL"
	// CodeAuthInvalid はトークンの検証に失敗した。
	CodeAuthInvalid = "AUTH_INVALID_TOKEN"
	// CodeAuthExpired はトークンの有効期限が切れている。
	CodeAuthExpired = "AUTH_TOKEN_EXPIRED"

	// CodeForbidden は権限が不足している。
	CodeForbidden = "FORBIDDEN"
	// CodeValidation は入力検証に失敗した。
	CodeValidation = "VALIDATION_FAILED"
	// CodeInvalidPath はリクエストパスが転送できない形をしている。
	CodeInvalidPath = "INVALID_PATH"
	// CodeNotFound は対象が見つからない。
	CodeNotFound = "NOT_FOUND"
	// CodeRateLimited はレート制限を超えた。
	CodeRateLimited = "RATE_LIMITED"
	// CodeUpstream はバックエンドがエラーを返した。
	CodeUpstream = "UPSTREAM_ERROR"
	// CodeUpstreamUnavailable はバックエンドに到達できない。
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	// CodeUpstreamTimeout はバックエンドの応答がタイムアウトした。
	CodeUpstreamTimeout = "UPSTREAM_TIMEOUT"
)

// Error はHTTPステータスと安定したコードを持つアプリケーションエラー。
type Error struct {
	// Status はHTTPステータスコード。0はステータス未分類を表す。
	Status int
	// Code は安定したエラーコード。
	Code string
	// Message はエラーメッセージ。
	Message string
	// Validation は入力検証エラーであることを示すマーカー。
	Validation bool
	// Detail は検証エラーの詳細。開発者向けメッセージとしてシリアライズされる。
	Detail any
	// Err は元になったエラー。
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	if e.Err != nil {
		if e.Message == "" {
			return e.Err.Error()
		}
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap は元のエラーを返す。
func (e *Error) Unwrap() error {
	return e.Err
}

// StatusCode はHTTPステータスコードを返す。
func (e *Error) StatusCode() int {
	return e.Status
}

// IsAuth は認証サブシステム由来のエラーかどうかを返す。
func (e *Error) IsAuth() bool {
	return strings.HasPrefix(e.Code, CodeAuthPrefix)
}

// StatusCoder はHTTPステータスを持つエラーが実装するインターフェース。
type StatusCoder interface {
	StatusCode() int
}

// New はステータスとメッセージからエラーを生成する。
func New(status int, code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

// Wrap は元のエラーを包んだエラーを生成する。
func Wrap(status int, code, message string, err error) *Error {
	return &Error{Status: status, Code: code, Message: message, Err: err}
}

// Validation は検証マーカー付きのエラーを生成する。detailは開発者向けメッセージに使われる。
func Validation(detail any, err error) *Error {
	return &Error{
		Status:     http.StatusBadRequest,
		Code:       CodeValidation,
		Message:    "validation failed",
		Validation: true,
		Detail:     detail,
		Err:        err,
	}
}

// Unauthorized は認証エラーを生成する。codeはCodeAuthPrefixで始まるものを指定する。
func Unauthorized(code, message string, err error) *Error {
	return &Error{Status: http.StatusUnauthorized, Code: code, Message: message, Err: err}
}

// Forbidden は権限不足エラーを生成する。
func Forbidden(message string) *Error {
	return &Error{Status: http.StatusForbidden, Code: CodeForbidden, Message: message}
}

// NotFound は対象が見つからないエラーを生成する。
func NotFound(message string) *Error {
	return &Error{Status: http.StatusNotFound, Code: CodeNotFound, Message: message}
}

// StatusOf はエラーチェーンからHTTPステータスを取り出す。見つからなければ0を返す。
func StatusOf(err error) int {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	return 0
}
