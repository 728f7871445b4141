package envelope

import (
	"encoding/json"
)

// 既定のメッセージ。クライアントに見せる文言は安定させる。
const (
	// SuccessUserMessage は成功エンベロープの既定ユーザー向けメッセージ。
	SuccessUserMessage = "Request completed successfully"
	// SuccessDeveloperMessage は成功エンベロープの既定開発者向けメッセージ。
	SuccessDeveloperMessage = "OK"
	// FailureUserMessage はフォールト形式でないエラーペイロードを包む際のユーザー向けメッセージ。
	FailureUserMessage = "Request failed"
)

// Envelope はGatewayのレスポンス形式。成功とエラーの2つの形だけを取る。
type Envelope struct {
	// Success は処理が成功したかどうか。
	Success bool `json:"success"`
	// StatusCode は成功時は0、エラー時はHTTPステータスコード（400〜599）。
	StatusCode int `json:"statusCode"`
	// UserMessage はエンドユーザーに表示してよいメッセージ。
	UserMessage string `json:"userMessage"`
	// DeveloperMessage はデバッグ用の詳細メッセージ。内容は安定を保証しない。
	DeveloperMessage string `json:"developerMessage"`
	// Data はレスポンス本体。エラー時は常に空オブジェクト。
	Data any `json:"data"`
}

// Fault は汎用的な {statusCode, message} 形式のエラーオブジェクト。
type Fault struct {
	// StatusCode はHTTPステータスコード。
	StatusCode int `json:"statusCode"`
	// Message はエラーメッセージ。
	Message string `json:"message"`
}

// Success は既定メッセージの成功エンベロープを生成する。
func Success(data any) Envelope {
	return SuccessWithMessage(data, SuccessUserMessage, SuccessDeveloperMessage)
}

// SuccessWithMessage はメッセージを指定して成功エンベロープを生成する。
func SuccessWithMessage(data any, userMessage, developerMessage string) Envelope {
	if data == nil {
		data = struct{}{}
	}
	return Envelope{
		Success:          true,
		StatusCode:       0,
		UserMessage:      userMessage,
		DeveloperMessage: developerMessage,
		Data:             data,
	}
}

// Error はエラーエンベロープを生成する。dataは常に {} になる。
func Error(status int, userMessage, developerMessage string) Envelope {
	return Envelope{
		Success:          false,
		StatusCode:       status,
		UserMessage:      userMessage,
		DeveloperMessage: developerMessage,
		Data:             struct{}{},
	}
}

// Shape はペイロードがどの既知の形に当てはまるかを表す。
type Shape int

const (
	// ShapeOther はどの既知の形にも当てはまらないペイロード。
	ShapeOther Shape = iota
	// ShapeEnvelope は既にエンベロープ形式のペイロード。
	ShapeEnvelope
	// ShapeFault は {statusCode, message} 形式のフォールトオブジェクト。
	ShapeFault
)

// String はShapeの名前を返す。
func (s Shape) String() string {
	switch s {
	case ShapeEnvelope:
		return "envelope"
	case ShapeFault:
		return "fault"
	default:
		return "other"
	}
}

// probe はペイロードを2つの既知の形に照合するための受け皿。
// キーが存在しない場合はnilのまま残るので、型付きで存在判定ができる。
type probe struct {
	Success    *bool   `json:"success"`
	StatusCode *int    `json:"statusCode"`
	Message    *string `json:"message"`
}

// Detection はDetectの結果。
type Detection struct {
	// Shape は判定された形。
	Shape Shape
	// Fault はShapeFaultの場合に解析されたフォールト。
	Fault Fault
	// Raw はペイロードをJSONにしたもの。JSONにできない場合はnil。
	Raw json.RawMessage
}

// Detect はペイロードをエンベロープ/フォールトの判別共用体として解析する。
// どちらにも一致しなければShapeOtherを返す。
func Detect(payload any) Detection {
	switch p := payload.(type) {
	case Envelope, *Envelope:
		raw, _ := json.Marshal(p)
		return Detection{Shape: ShapeEnvelope, Raw: raw}
	case Fault:
		raw, _ := json.Marshal(p)
		return Detection{Shape: ShapeFault, Fault: p, Raw: raw}
	case *Fault:
		if p == nil {
			return Detection{Shape: ShapeOther, Raw: json.RawMessage("null")}
		}
		raw, _ := json.Marshal(p)
		return Detection{Shape: ShapeFault, Fault: *p, Raw: raw}
	}

	raw, ok := toJSON(payload)
	if !ok {
		return Detection{Shape: ShapeOther}
	}

	var pr probe
	if err := json.Unmarshal(raw, &pr); err != nil {
		// オブジェクト以外、または型が合わないキーを持つ
		return Detection{Shape: ShapeOther, Raw: raw}
	}

	switch {
	case pr.Success != nil && pr.StatusCode != nil:
		return Detection{Shape: ShapeEnvelope, Raw: raw}
	case pr.StatusCode != nil && pr.Message != nil:
		return Detection{
			Shape: ShapeFault,
			Fault: Fault{StatusCode: *pr.StatusCode, Message: *pr.Message},
			Raw:   raw,
		}
	default:
		return Detection{Shape: ShapeOther, Raw: raw}
	}
}

// toJSON はペイロードをJSONバイト列に変換する。
// []byte と json.RawMessage は妥当なJSONである場合のみそのまま使う。
func toJSON(payload any) (json.RawMessage, bool) {
	switch p := payload.(type) {
	case json.RawMessage:
		if json.Valid(p) {
			return p, true
		}
		return nil, false
	case []byte:
		if json.Valid(p) {
			return json.RawMessage(p), true
		}
		return nil, false
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, false
	}
	return raw, true
}
