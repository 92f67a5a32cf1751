package model

import (
	"errors"
	"fmt"
)

// ErrCancelled は利用者の操作またはシャットダウンにより処理が中断されたことを示す。
var ErrCancelled = errors.New("cancelled")

// ErrNotFound は取得先が存在しない（404/410）ことを示す。
var ErrNotFound = errors.New("not found")

// VetoError は取り込みポリシーまたは取得先によって処理が拒否されたことを示す。
// シードはVETOEDとして記録され、エラー件数には数えない。
type VetoError struct {
	Reason string
}

func (e *VetoError) Error() string {
	return e.Reason
}

// NewVetoError はVetoErrorを生成する。
func NewVetoError(format string, args ...any) *VetoError {
	return &VetoError{Reason: fmt.Sprintf(format, args...)}
}

// DataMissingError は取り込みに必要なデータが欠けていたことを示す。
// シードはERRORとして記録されるが、連続エラーの中断判定には数えない。
type DataMissingError struct {
	Reason string
}

func (e *DataMissingError) Error() string {
	return "data missing: " + e.Reason
}

// NetworkError は通信レベルの一時的な失敗を表す。
// 購読全体の実行を中断させ、ネットワークエラー用の遅延を適用させる。
type NetworkError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error: %s: HTTP %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("network error: %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// LoginError はログインが必要なドメインに対して有効な認証情報がないことを示す。
type LoginError struct {
	Domain string
	Reason string
}

func (e *LoginError) Error() string {
	return fmt.Sprintf("login required for %s: %s", e.Domain, e.Reason)
}

// FileErrorThresholdError はファイル処理の連続エラーが閾値に達したことを示す。
type FileErrorThresholdError struct {
	Count     int
	LastError error
}

func (e *FileErrorThresholdError) Error() string {
	return fmt.Sprintf("the subscription encountered %d errors when trying to import files, so it is abandoning its current work: %v", e.Count, e.LastError)
}

func (e *FileErrorThresholdError) Unwrap() error {
	return e.LastError
}

// IsCancelled はerrがキャンセルを示すかを判定する。
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// IsNotFound はerrが404相当の失敗を示すかを判定する。
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsVeto はerrが拒否を示すかを判定する。
func IsVeto(err error) bool {
	var v *VetoError
	return errors.As(err, &v)
}

// IsDataMissing はerrがデータ欠落を示すかを判定する。
func IsDataMissing(err error) bool {
	var d *DataMissingError
	return errors.As(err, &d)
}

// IsNetworkError はerrが通信レベルの失敗を示すかを判定する。
func IsNetworkError(err error) bool {
	var n *NetworkError
	return errors.As(err, &n)
}
