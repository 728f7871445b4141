// Package envelope はGatewayが返すすべてのJSONレスポンスの統一形式（エンベロープ）を提供する。
//
// 成功時は {success: true, statusCode: 0, ...}、失敗時は {success: false, statusCode: 4xx/5xx, ..., data: {}}
// のいずれかの形でクライアントへ返す。ハンドラが既にエンベロープを組み立てている場合は
// 二重に包まない（冪等）。非JSONレスポンスやリダイレクトはそのまま通過させる。
package envelope
