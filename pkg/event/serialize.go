package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// New は新しいイベントを生成する。
// dataにはイベント固有のデータ構造体を渡す。JSON形式にシリアライズされる。
func New(eventType Type, actorID string, subjectType SubjectType, subjectID string, data any) (*Event, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("イベントデータのシリアライズに失敗: %w", err)
	}

	return &Event{
		ID:          uuid.New().String(),
		Type:        eventType,
		ActorID:     actorID,
		SubjectType: subjectType,
		SubjectID:   subjectID,
		Data:        jsonData,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// WithCorrelationID は相関IDを設定したイベントを返す。
func (e *Event) WithCorrelationID(id string) *Event {
	e.CorrelationID = id
	return e
}
