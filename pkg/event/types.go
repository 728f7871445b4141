// Package event はGatewayが記録する監査イベントの型を定義する。
package event

import (
	"encoding/json"
	"time"
)

// SubjectType はイベントの対象の種類を表す。
type SubjectType string

const (
	// SubjectTypeRoute はプロキシルートを表す。
	SubjectTypeRoute SubjectType = "Route"
	// SubjectTypeUser はユーザーを表す。
	SubjectTypeUser SubjectType = "User"
)

// Type はイベントの種類を表す。
type Type string

const (
	// TypeAccessDenied はアクセス制御でリクエストが拒否されたことを表す。
	TypeAccessDenied Type = "AccessDenied"
	// TypeDevTokenIssued は開発用トークンが発行されたことを表す。
	TypeDevTokenIssued Type = "DevTokenIssued"
	// TypeUserRegistered はユーザーが初めて登録されたことを表す。
	TypeUserRegistered Type = "UserRegistered"
)

// Event は監査ログに残る不変のイベントレコードを表す。
type Event struct {
	// ID はイベントの一意識別子（UUID）。
	ID string `json:"id"`
	// Type はイベントの種類。
	Type Type `json:"type"`
	// ActorID は操作したユーザーのID。匿名なら空。
	ActorID string `json:"actorId,omitempty"`
	// SubjectType は対象の種類。
	SubjectType SubjectType `json:"subjectType"`
	// SubjectID は対象の識別子（ルートならパス、ユーザーならID）。
	SubjectID string `json:"subjectId"`
	// CorrelationID はイベントを発生させたリクエストの相関ID。
	CorrelationID string `json:"correlationId,omitempty"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data"`
	// CreatedAt はイベントが作成された日時。
	CreatedAt time.Time `json:"createdAt"`
}

// AccessDeniedData はAccessDeniedイベントのデータ。
type AccessDeniedData struct {
	// Service は対象のサービス名。
	Service string `json:"service"`
	// Method はHTTPメソッド。
	Method string `json:"method"`
	// Status は返したステータスコード（401または403）。
	Status int `json:"status"`
	// Reason は拒否の理由。
	Reason string `json:"reason"`
	// ClientIP はクライアントIP。
	ClientIP string `json:"clientIp"`
}

// DevTokenIssuedData はDevTokenIssuedイベントのデータ。
type DevTokenIssuedData struct {
	// Email は発行先のメールアドレス。
	Email string `json:"email"`
	// AccountType は発行したトークンのアカウント種別。
	AccountType string `json:"accountType"`
	// Roles は発行したトークンのロール。
	Roles []string `json:"roles"`
	// ExpiresAt はトークンの有効期限。
	ExpiresAt time.Time `json:"expiresAt"`
}

// UserRegisteredData はUserRegisteredイベントのデータ。
type UserRegisteredData struct {
	// Email は登録したメールアドレス。
	Email string `json:"email"`
}
