// Package database はGatewayが使うSQLiteデータベースを開き、スキーマを適用する。
package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"go.uber.org/zap"
	// SQLiteドライバ
	_ "modernc.org/sqlite"

	"github.com/nao1215/apigw/pkg/migration"
)

//go:embed migrations/*.up.sql
var migrations embed.FS

// Open はSQLiteデータベースを開いてマイグレーションを適用する。
// pathに":memory:"を指定するとインメモリデータベースになる。
func Open(ctx context.Context, path string, logger *zap.Logger) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("データベースのオープンに失敗: %w", err)
	}
	// SQLiteは書き込みが直列化されるので接続は1本に絞る
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("データベースへの接続に失敗: %w", err)
	}

	if _, err := migration.Run(ctx, db, migrations, "migrations", logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("マイグレーションに失敗: %w", err)
	}
	return db, nil
}

// dsn はファイルパスからmodernc.org/sqliteの接続文字列を組み立てる。
func dsn(path string) string {
	if path == ":memory:" {
		return path
	}
	return "file:" + path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}
