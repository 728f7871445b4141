package gateway

import (
	"net/http"
	"strings"

	"github.com/nao1215/apigw/pkg/middleware"
)

// バックエンドへ伝えるヘッダー。
const (
	// HeaderUserID は認証済みユーザーのID。
	HeaderUserID = "X-User-ID"
	// HeaderUserRoles はカンマ区切りのロール。
	HeaderUserRoles = "X-User-Roles"
	// HeaderAccountType はアカウント種別。
	HeaderAccountType = "X-Account-Type"
	// HeaderUserLanguage は表示言語の希望。
	HeaderUserLanguage = "X-User-Language"
	// HeaderOriginalAuthorization はサービス認証情報で置き換える前のAuthorization。
	HeaderOriginalAuthorization = "X-Original-Authorization"
	// HeaderServiceToken はGatewayのサービス認証情報。
	HeaderServiceToken = "X-Service-Token"
)

// gatewayOwnedHeaders はGatewayだけが設定できるヘッダー。クライアントの値は必ず捨てる。
var gatewayOwnedHeaders = []string{
	HeaderUserID,
	HeaderUserRoles,
	HeaderAccountType,
	HeaderUserLanguage,
	HeaderOriginalAuthorization,
	HeaderServiceToken,
}

// HeaderInput はヘッダー書き換えの入力。
type HeaderInput struct {
	// Inbound はクライアントから受け取ったヘッダー。変更しない。
	Inbound http.Header
	// ClientIP は解決済みのクライアントIP。
	ClientIP string
	// CorrelationID はGatewayが発行した相関ID。
	CorrelationID string
	// Identity は認証済みのID。匿名ならnil。
	Identity *middleware.Identity
	// ServiceToken はバックエンドへ送るサービス認証情報。空なら送らない。
	ServiceToken string
}

// RewriteHeaders はバックエンドへ送るヘッダーを組み立てる。
// 上書きは、クライアントIP、相関ID、ID、サービス認証情報の順に固定で適用する。
// サービス認証情報を最後に設定するので、クライアントのAuthorizationで迂回できない。
func RewriteHeaders(in HeaderInput) http.Header {
	out := in.Inbound.Clone()
	if out == nil {
		out = make(http.Header)
	}
	for _, h := range gatewayOwnedHeaders {
		out.Del(h)
	}

	if in.ClientIP != "" {
		out.Set(middleware.HeaderForwardedFor, in.ClientIP)
	}

	out.Set(middleware.HeaderCorrelationID, in.CorrelationID)

	if id := in.Identity; id != nil {
		out.Set(HeaderUserID, id.ID)
		out.Set(HeaderUserRoles, strings.Join(id.Roles, ","))
		out.Set(HeaderAccountType, id.AccountType)
		if id.Language != "" {
			out.Set(HeaderUserLanguage, id.Language)
		}
	}

	if in.ServiceToken != "" {
		if auth := out.Get("Authorization"); auth != "" {
			out.Set(HeaderOriginalAuthorization, auth)
		}
		out.Set("Authorization", "Bearer "+in.ServiceToken)
		out.Set(HeaderServiceToken, in.ServiceToken)
	}
	return out
}
