// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// 管理APIのレスポンスに原因カテゴリと対処方法を含める。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, subscription, job, system
	Action   string // 利用者向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeSubscriptionNotFound = "SUBSCRIPTION_NOT_FOUND"
	ErrCodeSubscriptionRunning  = "SUBSCRIPTION_RUNNING"
	ErrCodeUnknownAction        = "UNKNOWN_ACTION"
	ErrCodeActionNotApplicable  = "ACTION_NOT_APPLICABLE"
	ErrCodeJobNotFound          = "JOB_NOT_FOUND"
)

// NewSubscriptionNotFoundError は購読が見つからない場合のエラーを生成する。
func NewSubscriptionNotFoundError(name string) *APIError {
	return &APIError{
		Code:     ErrCodeSubscriptionNotFound,
		Message:  fmt.Sprintf("指定された購読が見つかりません: %s", name),
		Category: "subscription",
		Action:   "購読名を確認してください。",
	}
}

// NewSubscriptionRunningError は実行中の購読を操作しようとした場合のエラーを生成する。
func NewSubscriptionRunningError(name string) *APIError {
	return &APIError{
		Code:     ErrCodeSubscriptionRunning,
		Message:  fmt.Sprintf("購読は現在同期中です: %s", name),
		Category: "subscription",
		Action:   "同期が終わってから再度お試しください。",
	}
}

// NewUnknownActionError は未対応の操作を指定した場合のエラーを生成する。
func NewUnknownActionError(action string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownAction,
		Message:  fmt.Sprintf("未対応の操作です: %s", action),
		Category: "validation",
		Action:   "check-now, pause, resume, retry-failures, retry-ignored, reset, scrub-delay のいずれかを指定してください。",
	}
}

// NewActionNotApplicableError は現在の状態では実行できない操作を指定した場合のエラーを生成する。
func NewActionNotApplicableError(action string) *APIError {
	return &APIError{
		Code:     ErrCodeActionNotApplicable,
		Message:  fmt.Sprintf("現在の購読の状態では実行できない操作です: %s", action),
		Category: "subscription",
		Action:   "購読の状態を確認してください。",
	}
}

// NewJobNotFoundError はジョブが見つからない場合のエラーを生成する。
func NewJobNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeJobNotFound,
		Message:  fmt.Sprintf("指定されたジョブが見つかりません: %s", id),
		Category: "job",
		Action:   "ジョブ一覧を再取得してください。",
	}
}
