package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nao1215/apigw/pkg/apperr"
)

// User は開発用トークンの発行先として記録されたユーザー。
type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	AccountType string    `json:"accountType"`
	Roles       []string  `json:"roles"`
	Language    string    `json:"language,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// UserStore はSQLiteのusersテーブルを操作する。
type UserStore struct {
	db *sql.DB
}

// NewUserStore はUserStoreを生成する。
func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

const userColumns = `id, email, account_type, roles, language, created_at, updated_at`

// Upsert はメールアドレスをキーにユーザーを作成または更新する。
// 新規作成した場合はcreatedがtrueになる。
func (s *UserStore) Upsert(ctx context.Context, email, accountType string, roles []string, language string) (user User, created bool, err error) {
	now := time.Now().UTC()
	existing, err := s.scanOne(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		user = User{
			ID:          uuid.NewString(),
			Email:       email,
			AccountType: accountType,
			Roles:       roles,
			Language:    language,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			user.ID, user.Email, user.AccountType, joinRoles(roles), user.Language,
			now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
		)
		if err != nil {
			return User{}, false, fmt.Errorf("ユーザーの作成に失敗: %w", err)
		}
		return user, true, nil
	case err != nil:
		return User{}, false, fmt.Errorf("ユーザーの取得に失敗: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE users SET account_type = ?, roles = ?, language = ?, updated_at = ? WHERE id = ?`,
		accountType, joinRoles(roles), language, now.Format(time.RFC3339Nano), existing.ID,
	)
	if err != nil {
		return User{}, false, fmt.Errorf("ユーザーの更新に失敗: %w", err)
	}
	existing.AccountType = accountType
	existing.Roles = roles
	existing.Language = language
	existing.UpdatedAt = now
	return existing, false, nil
}

// Get はIDでユーザーを取得する。見つからなければ404のapperr.Errorを返す。
func (s *UserStore) Get(ctx context.Context, id string) (User, error) {
	user, err := s.scanOne(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, apperr.NotFound("user not found")
	}
	if err != nil {
		return User{}, fmt.Errorf("ユーザーの取得に失敗: %w", err)
	}
	return user, nil
}

func (s *UserStore) scanOne(row *sql.Row) (User, error) {
	var (
		u                    User
		roles                string
		createdAt, updatedAt string
	)
	if err := row.Scan(&u.ID, &u.Email, &u.AccountType, &roles, &u.Language, &createdAt, &updatedAt); err != nil {
		return User{}, err
	}
	u.Roles = splitRoles(roles)
	u.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	u.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return u, nil
}

func joinRoles(roles []string) string {
	return strings.Join(roles, ",")
}

func splitRoles(s string) []string {
	if s == "" {
		return []string{}
	}
	return strings.Split(s, ",")
}
