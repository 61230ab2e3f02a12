// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, timer, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStartInFuture     = "START_IN_FUTURE"
	ErrCodeGoalOutOfRange    = "GOAL_OUT_OF_RANGE"
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodeRecordNotFound    = "RECORD_NOT_FOUND"
	ErrCodeEndBeforeStart    = "END_BEFORE_START"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeCSRFTokenInvalid  = "CSRF_TOKEN_INVALID"
	ErrCodeRateLimited       = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

// NewInvalidTransitionError は現在のフェーズで実行できない操作のエラーを生成する。
func NewInvalidTransitionError(op, phase string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidTransition,
		Message:  fmt.Sprintf("現在の状態（%s）では %s を実行できません。", phase, op),
		Category: "timer",
		Action:   "画面を再読み込みして最新の状態を確認してください。",
	}
}

// NewStartInFutureError は開始時刻が未来に設定された場合のエラーを生成する。
func NewStartInFutureError() *APIError {
	return &APIError{
		Code:     ErrCodeStartInFuture,
		Message:  "開始時刻に未来の時刻は指定できません。",
		Category: "validation",
		Action:   "現在時刻以前の開始時刻を指定してください。",
	}
}

// NewGoalOutOfRangeError は目標が設定範囲外の場合のエラーを生成する。
func NewGoalOutOfRangeError(goal, min, max float64) *APIError {
	return &APIError{
		Code:     ErrCodeGoalOutOfRange,
		Message:  fmt.Sprintf("目標 %.0f は範囲外です。", goal),
		Category: "validation",
		Action:   fmt.Sprintf("目標は %.0f から %.0f の範囲で指定してください。", min, max),
	}
}

// NewInvalidRequestError はリクエストボディが不正な場合のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewRecordNotFoundError は断食記録が見つからない場合のエラーを生成する。
func NewRecordNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeRecordNotFound,
		Message:  "断食記録が見つかりません。",
		Category: "timer",
		Action:   "履歴を再読み込みしてください。",
	}
}

// NewEndBeforeStartError は終了時刻が開始時刻より前の場合のエラーを生成する。
func NewEndBeforeStartError() *APIError {
	return &APIError{
		Code:     ErrCodeEndBeforeStart,
		Message:  "終了時刻は開始時刻より後である必要があります。",
		Category: "validation",
		Action:   "終了時刻を確認してください。",
	}
}

// NewUnauthorizedError は認証が必要な操作のエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewCSRFTokenInvalidError はCSRFトークンの検証に失敗した場合のエラーを生成する。
func NewCSRFTokenInvalidError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFTokenInvalid,
		Message:  "CSRFトークンの検証に失敗しました。",
		Category: "auth",
		Action:   "画面を再読み込みしてから再度お試しください。",
	}
}

// NewRateLimitedError はリクエスト数が上限を超えた場合のエラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
