// Package httpclient はGatewayからバックエンドサービスを呼び出すHTTPクライアントを提供する。
//
// ヘッダー受信までとボディ受信までのタイムアウトを独立して管理し、
// バックエンドのステータスコードをapperrのエラーに変換する。
// 相関IDはリクエストコンテキストから自動で伝播する。
package httpclient
