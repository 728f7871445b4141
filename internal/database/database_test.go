package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nao1215/apigw/pkg/migration"
)

// TestOpen はデータベースのオープンとマイグレーションを検証する。
func TestOpen(t *testing.T) {
	t.Parallel()

	t.Run("インメモリデータベースにスキーマが適用されること", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		db, err := Open(ctx, ":memory:", zap.NewNop())
		require.NoError(t, err)
		defer db.Close()

		applied, err := migration.Applied(ctx, db)
		require.NoError(t, err)
		assert.Equal(t, []int{1, 2}, applied)

		for _, table := range []string{"users", "audit_events"} {
			var name string
			err := db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
			require.NoError(t, err, table)
		}
	})

	t.Run("ファイルを開き直してもマイグレーションが重複しないこと", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		path := filepath.Join(t.TempDir(), "gateway.db")

		db, err := Open(ctx, path, zap.NewNop())
		require.NoError(t, err)
		require.NoError(t, db.Close())

		db, err = Open(ctx, path, zap.NewNop())
		require.NoError(t, err)
		defer db.Close()

		applied, err := migration.Applied(ctx, db)
		require.NoError(t, err)
		assert.Equal(t, []int{1, 2}, applied)
	})
}
