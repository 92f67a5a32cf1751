package network

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// unreachableWait は制限により作業できないコンテキストの推定待ち時間。
const unreachableWait = 365 * 24 * time.Hour

// Rule はコンテキストに適用する帯域ルールを表す。
// Per の間に Requests 回までのリクエストを許可する。
type Rule struct {
	Requests int
	Per      time.Duration
	Burst    int
}

func (r Rule) limiter() *rate.Limiter {
	if r.Requests <= 0 || r.Per <= 0 {
		return nil
	}
	burst := r.Burst
	if burst <= 0 {
		burst = r.Requests
	}
	return rate.NewLimiter(rate.Every(r.Per/time.Duration(r.Requests)), burst)
}

// RateLedger はネットワークコンテキストごとのトークンバケットで帯域を管理する。
// ルールが設定されていないコンテキストは無制限として扱う。
type RateLedger struct {
	mu          sync.Mutex
	typeRules   map[ContextType]Rule
	domainRules map[string]Rule
	limiters    map[Context]*rate.Limiter
	bytesUsed   map[Context]int64
	now         func() time.Time
}

// NewRateLedger はRateLedgerを生成する。
func NewRateLedger(typeRules map[ContextType]Rule) *RateLedger {
	rules := make(map[ContextType]Rule, len(typeRules))
	for k, v := range typeRules {
		rules[k] = v
	}
	return &RateLedger{
		typeRules:   rules,
		domainRules: make(map[string]Rule),
		limiters:    make(map[Context]*rate.Limiter),
		bytesUsed:   make(map[Context]int64),
		now:         time.Now,
	}
}

// SetDomainRule はドメイン固有のルールを設定する。
// 既存のリミッターは破棄され、次回参照時に作り直される。
func (l *RateLedger) SetDomainRule(domain string, r Rule) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.domainRules[domain] = r
	delete(l.limiters, DomainContext(domain))
}

// limiterLocked はコンテキストのリミッターを返す。無制限の場合はnil。
// l.muを保持した状態で呼び出すこと。
func (l *RateLedger) limiterLocked(c Context) *rate.Limiter {
	if lim, ok := l.limiters[c]; ok {
		return lim
	}

	rule, ok := l.typeRules[c.Type]
	if c.Type == ContextDomain {
		if dr, found := l.domainRules[c.Key]; found {
			rule, ok = dr, true
		}
	}

	var lim *rate.Limiter
	if ok {
		lim = rule.limiter()
	}
	l.limiters[c] = lim
	return lim
}

// WaitingEstimate は作業開始までの推定待ち時間と、最も待ちが長いコンテキストを返す。
// トークンは予約後すぐに取り消すため消費しない。
func (l *RateLedger) WaitingEstimate(contexts []Context) (time.Duration, Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	var longest time.Duration
	longestCtx := GlobalContext
	for _, c := range contexts {
		lim := l.limiterLocked(c)
		if lim == nil {
			continue
		}
		r := lim.ReserveN(now, 1)
		if !r.OK() {
			return unreachableWait, c
		}
		d := r.DelayFrom(now)
		r.CancelAt(now)
		if d > longest {
			longest = d
			longestCtx = c
		}
	}
	return longest, longestCtx
}

// CanDoWork は全てのコンテキストでthreshold以内に作業を開始できるかを返す。
func (l *RateLedger) CanDoWork(contexts []Context, threshold time.Duration) bool {
	wait, _ := l.WaitingEstimate(contexts)
	return wait <= threshold
}

// Wait は全てのコンテキストで帯域が空くまで待機し、1リクエスト分を消費する。
func (l *RateLedger) Wait(ctx context.Context, contexts []Context) error {
	l.mu.Lock()
	limiters := make([]*rate.Limiter, 0, len(contexts))
	for _, c := range contexts {
		if lim := l.limiterLocked(c); lim != nil {
			limiters = append(limiters, lim)
		}
	}
	l.mu.Unlock()

	for _, lim := range limiters {
		if err := lim.Wait(ctx); err != nil {
			return fmt.Errorf("帯域の待機に失敗: %w", err)
		}
	}
	return nil
}

// ReportData は取得したバイト数を各コンテキストに計上する。
func (l *RateLedger) ReportData(contexts []Context, n int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, c := range contexts {
		l.bytesUsed[c] += n
	}
}

// BytesUsed はコンテキストに計上されたバイト数を返す。
func (l *RateLedger) BytesUsed(c Context) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.bytesUsed[c]
}
