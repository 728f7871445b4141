package envelope

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Meta はシリアライズ判定に必要なレスポンスの状態。
type Meta struct {
	// Disabled はルートがエンベロープを無効化しているかどうか。
	Disabled bool
	// Written はレスポンスが既に送信済みかどうか。
	Written bool
	// Method はリクエストのHTTPメソッド。
	Method string
	// Status はハンドラが指定したステータスコード。
	Status int
	// ContentType は既に設定されているContent-Type。未設定なら空文字。
	ContentType string
}

// Outcome はSerializeの結果。
type Outcome struct {
	// Status は送信するステータスコード。
	Status int
	// Body は送信する値。Wrappedがfalseの場合は元のペイロードそのもの。
	Body any
	// Wrapped はBodyがエンベロープとして組み立てられたかどうか。
	Wrapped bool
}

// Serialize はペイロードをそのまま通すか、エンベロープで包むかを決定する。
// 判定は上から順に評価し、最初に一致したものを採用する。
func Serialize(m Meta, payload any) Outcome {
	pass := Outcome{Status: m.Status, Body: payload}

	if m.Disabled {
		return pass
	}
	if m.Written || m.Method == http.MethodHead || isRedirect(m.Status) {
		return pass
	}
	if m.ContentType != "" && !IsJSONContentType(m.ContentType) {
		return pass
	}

	d := Detect(payload)
	if d.Shape == ShapeEnvelope {
		return pass
	}

	if m.Status >= http.StatusBadRequest {
		if d.Shape == ShapeFault {
			status := d.Fault.StatusCode
			if status < http.StatusBadRequest || status > 599 {
				status = m.Status
			}
			return Outcome{
				Status:  status,
				Body:    Error(status, d.Fault.Message, d.Fault.Message),
				Wrapped: true,
			}
		}
		return Outcome{
			Status:  m.Status,
			Body:    Error(m.Status, FailureUserMessage, fmt.Sprintf("request failed with status %d", m.Status)),
			Wrapped: true,
		}
	}

	status := m.Status
	if status == http.StatusNoContent {
		// 本文を付けるのでNo Contentではなくなる
		status = http.StatusOK
	}

	var data any = payload
	if payload != nil && d.Raw != nil {
		data = d.Raw
	}
	return Outcome{Status: status, Body: Success(data), Wrapped: true}
}

// isRedirect はステータスが3xxかどうかを返す。
func isRedirect(status int) bool {
	return status >= 300 && status < 400
}

// IsJSONContentType はContent-TypeがJSONを表すかどうかを返す。
// application/json と +json サフィックスを受け付ける。
func IsJSONContentType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

type contextKey string

const contextKeyDisabled contextKey = "envelope_disabled"

// WithDisabled はエンベロープを無効化したコンテキストを返す。
func WithDisabled(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKeyDisabled, true)
}

// IsDisabled はコンテキストでエンベロープが無効化されているかを返す。
func IsDisabled(ctx context.Context) bool {
	disabled, _ := ctx.Value(contextKeyDisabled).(bool)
	return disabled
}

// Disable はルート単位でエンベロープを無効化するGinミドルウェアを返す。
func Disable() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(WithDisabled(c.Request.Context()))
		c.Next()
	}
}

// writtenReporter は送信済みかどうかを報告できるResponseWriter。
// gin.ResponseWriter が実装している。
type writtenReporter interface {
	Written() bool
}

// Write はレスポンスを1回だけシリアライズしてwに書き込む。
func Write(w http.ResponseWriter, r *http.Request, status int, payload any) {
	meta := Meta{
		Disabled:    IsDisabled(r.Context()),
		Method:      r.Method,
		Status:      status,
		ContentType: w.Header().Get("Content-Type"),
	}
	if wr, ok := w.(writtenReporter); ok {
		meta.Written = wr.Written()
	}
	if meta.Written {
		return
	}

	out := Serialize(meta, payload)
	if !out.Wrapped {
		writeRaw(w, r, out.Status, out.Body)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(out.Status)
	_ = json.NewEncoder(w).Encode(out.Body)
}

// Respond はGinハンドラからレスポンスを書き込む。
func Respond(c *gin.Context, status int, payload any) {
	Write(c.Writer, c.Request, status, payload)
}

// writeRaw はペイロードを加工せずに書き込む。
func writeRaw(w http.ResponseWriter, r *http.Request, status int, payload any) {
	if r.Method == http.MethodHead || payload == nil {
		w.WriteHeader(status)
		return
	}

	var body []byte
	switch p := payload.(type) {
	case []byte:
		body = p
	case json.RawMessage:
		body = p
	case string:
		body = []byte(p)
	default:
		encoded, err := json.Marshal(p)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		body = encoded
	}

	if w.Header().Get("Content-Type") == "" {
		if json.Valid(body) {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
		} else {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		}
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
