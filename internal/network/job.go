// Package network はギャラリーページとファイルの取得ジョブ、
// およびネットワークコンテキストごとの帯域管理を提供する。
package network

import (
	"context"
	"fmt"
	"time"
)

// ContextType はネットワークコンテキストの種類を表す。
type ContextType string

const (
	ContextGlobal       ContextType = "global"
	ContextDomain       ContextType = "domain"
	ContextSubscription ContextType = "subscription"
)

// Context は帯域を計上する単位（グローバル、ドメイン、購読クエリ）を表す。
type Context struct {
	Type ContextType
	Key  string
}

// GlobalContext は全ての通信が計上されるコンテキスト。
var GlobalContext = Context{Type: ContextGlobal}

// DomainContext はドメイン単位のコンテキストを返す。
func DomainContext(domain string) Context {
	return Context{Type: ContextDomain, Key: domain}
}

// SubscriptionContext は購読クエリ単位のコンテキストを返す。
func SubscriptionContext(key string) Context {
	return Context{Type: ContextSubscription, Key: key}
}

func (c Context) String() string {
	if c.Key == "" {
		return string(c.Type)
	}
	return fmt.Sprintf("%s:%s", c.Type, c.Key)
}

// Response は取得結果を表す。
type Response struct {
	URL         string
	FinalURL    string
	StatusCode  int
	ContentType string
	Body        []byte
}

// Job は1回のHTTP取得を表す。
type Job interface {
	Method() string
	URL() string
	NetworkContexts() []Context
	// NeedsLogin はこの取得先がログインを必要とするかを返す。
	NeedsLogin() bool
	// CheckCanLogin は有効な認証情報がない場合にエラーを返す。
	CheckCanLogin() error
	// OverrideBandwidth は帯域の空きを待つ上限時間を設定する。
	// 上限を過ぎた場合は帯域制限を無視して取得する。
	OverrideBandwidth(wait time.Duration)
	// Do は取得を実行する。ctxのキャンセル時はmodel.ErrCancelledをラップして返す。
	Do(ctx context.Context) (*Response, error)
}

// JobFactory はメソッドとURLからJobを生成する。
type JobFactory func(method, rawURL string) Job

// BandwidthLedger は帯域の空き状況を問い合わせるインターフェース。
type BandwidthLedger interface {
	// CanDoWork は全てのコンテキストでthreshold以内に作業を開始できるかを返す。
	CanDoWork(contexts []Context, threshold time.Duration) bool
	// WaitingEstimate は作業開始までの推定待ち時間と、最も待ちが長いコンテキストを返す。
	WaitingEstimate(contexts []Context) (time.Duration, Context)
}
