package event

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNew はNew関数でイベントが正しく生成されることを検証する。
func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("AccessDeniedDataでイベントを正常に生成できること", func(t *testing.T) {
		t.Parallel()

		data := AccessDeniedData{Service: "reports", Method: "GET", Status: 403, Reason: "admin required", ClientIP: "203.0.113.1"}

		before := time.Now().UTC()
		ev, err := New(TypeAccessDenied, "user-1", SubjectTypeRoute, "/reports/admin", data)
		require.NoError(t, err)

		_, err = uuid.Parse(ev.ID)
		assert.NoError(t, err)
		assert.Equal(t, TypeAccessDenied, ev.Type)
		assert.Equal(t, "user-1", ev.ActorID)
		assert.Equal(t, SubjectTypeRoute, ev.SubjectType)
		assert.Equal(t, "/reports/admin", ev.SubjectID)
		assert.False(t, ev.CreatedAt.Before(before))
		assert.JSONEq(t, `{"service":"reports","method":"GET","status":403,"reason":"admin required","clientIp":"203.0.113.1"}`, string(ev.Data))
	})

	t.Run("シリアライズできないデータはエラーになること", func(t *testing.T) {
		t.Parallel()

		_, err := New(TypeDevTokenIssued, "", SubjectTypeUser, "u", make(chan int))
		assert.Error(t, err)
	})

	t.Run("相関IDを設定できること", func(t *testing.T) {
		t.Parallel()

		ev, err := New(TypeUserRegistered, "u", SubjectTypeUser, "u", UserRegisteredData{Email: "a@example.com"})
		require.NoError(t, err)
		assert.Equal(t, "corr-1", ev.WithCorrelationID("corr-1").CorrelationID)
	})
}
