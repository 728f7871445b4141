// Package middleware はGatewayのGinエンジンで使用する共通ミドルウェアを提供する。
//
// リクエストコンテキスト（相関ID・クライアントIP・認証済みID）の構築、
// JWTによるID解決、パニックリカバリ、アクセスログ、エラーのエンベロープ化、
// CORS、レート制限を含む。
package middleware
