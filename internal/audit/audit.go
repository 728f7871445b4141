// Package audit は監査イベントをSQLiteに記録する。
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nao1215/apigw/pkg/event"
)

// 一覧取得の件数。
const (
	// DefaultListLimit は件数未指定時の取得件数。
	DefaultListLimit = 50
	// MaxListLimit は一度に取得できる最大件数。
	MaxListLimit = 500
)

// timeLayout は作成日時の保存形式。文字列の順序が時刻の順序と一致する固定幅にする。
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Recorder は監査イベントの記録先。
type Recorder interface {
	// Record はイベントを1件記録する。
	Record(ctx context.Context, ev *event.Event) error
	// Recent は新しい順にイベントを返す。
	Recent(ctx context.Context, limit int) ([]event.Event, error)
}

// Store はSQLiteに監査イベントを保存するRecorder。
type Store struct {
	// db はSQLiteの接続。
	db *sql.DB
	// logger は記録失敗を出力するロガー。
	logger *zap.Logger
}

// NewStore はStoreを生成する。
func NewStore(db *sql.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Record はイベントを1件記録する。
func (s *Store) Record(ctx context.Context, ev *event.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, event_type, actor_id, subject_type, subject_id, correlation_id, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, string(ev.Type), ev.ActorID, string(ev.SubjectType), ev.SubjectID, ev.CorrelationID,
		string(ev.Data), ev.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("監査イベントの保存に失敗: %w", err)
	}
	return nil
}

// Recent は新しい順にイベントを返す。limitは1からMaxListLimitに丸める。
func (s *Store) Recent(ctx context.Context, limit int) ([]event.Event, error) {
	limit = ClampLimit(limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, actor_id, subject_type, subject_id, correlation_id, data, created_at
		FROM audit_events
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("監査イベントの取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := make([]event.Event, 0, limit)
	for rows.Next() {
		var (
			ev          event.Event
			eventType   string
			subjectType string
			data        string
			createdAt   string
		)
		if err := rows.Scan(&ev.ID, &eventType, &ev.ActorID, &subjectType, &ev.SubjectID, &ev.CorrelationID, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("監査イベントの読み取りに失敗: %w", err)
		}
		ev.Type = event.Type(eventType)
		ev.SubjectType = event.SubjectType(subjectType)
		ev.Data = json.RawMessage(data)
		if ev.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("作成日時の解析に失敗: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Emit はイベントを記録する。失敗してもリクエストは失敗させず、ログに残すだけにする。
func (s *Store) Emit(ctx context.Context, ev *event.Event) {
	if err := s.Record(ctx, ev); err != nil {
		s.logger.Error("監査イベントを記録できませんでした",
			zap.String("event_type", string(ev.Type)),
			zap.String("correlation_id", ev.CorrelationID),
			zap.Error(err),
		)
	}
}

// ClampLimit は一覧の件数を有効な範囲に丸める。
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}
