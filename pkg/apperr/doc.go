// Package apperr はGateway全体で共通のエラー型と、エラーからレスポンスへの分類器を提供する。
//
// ハンドラやミドルウェアはステータス付きのエラーを返すだけでよく、
// クライアントへの見せ方（ステータスコードと固定メッセージ）はClassifyが一箇所で決める。
package apperr
