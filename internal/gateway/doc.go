// Package gateway はAPI Gatewayのリクエスト振り分けを実装する。
//
// # 処理の流れ
//
// すべてのリクエストはGinのエンジンで受け、相関IDの発行、アクセスログ、CORS、
// JWTによるIDの解決を経てから振り分ける。
//
//	/health, /metrics, /gateway/...  Gateway自身のエンドポイント（Gin）
//	それ以外                          サービスごとのプロキシルート（chi）
//
// プロキシルートは起動時にサービス定義から生成する。サービスごとに、
// 公開、管理者、認証済みのサブパスと既定のルートをバリアントとして登録し、
// 各バリアントにアクセス制御とレート制限をこの順に適用してからバックエンドへ転送する。
// プロキシルートはエスケープされたままのパスで照合し、"."や".."のセグメントを含むパスは400で拒否する。
//
// # 転送
//
// 転送先URLはバックエンドのベースURL、内部ベースパス、サブパス、残りのパスを連結して作る。
// 残りのパスはデコードせずに使う。
// ヘッダーはクライアントIP、相関ID、ID、サービス認証情報の順に上書きする。
// バックエンドのレスポンスは加工せずにストリームで返し、再試行はしない。
// ヘッダー受信までとボディ受信までの期限は独立しており、期限切れは504、
// それ以外の接続失敗は502のエラーエンベロープになる。
package gateway
