// Package schedule は購読のバックグラウンド実行を管理する。
// 次に作業できる時刻を購読ごとにキャッシュし、時刻を迎えた購読を並列数の上限内で実行する。
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/subsync/internal/network"
	"github.com/hitoshi/subsync/internal/progress"
	"github.com/hitoshi/subsync/internal/subscription"
)

// now はテストで差し替え可能な現在時刻関数。
var now = time.Now

// ErrSubscriptionRunning は購読が実行中（または読み込み中）のため予約できないことを示す。
var ErrSubscriptionRunning = errors.New("subscription is running")

// Loader は購読の読み込みインターフェース。
type Loader interface {
	Names(ctx context.Context) ([]string, error)
	Load(ctx context.Context, name string) (*subscription.Subscription, error)
}

// Syncer は購読1件分の作業を実行するインターフェース。
type Syncer interface {
	Sync(ctx context.Context, s *subscription.Subscription) (*subscription.RunReport, error)
}

// EnvSyncer はsubscription.Envを使って購読を同期するSyncer。
type EnvSyncer struct {
	Env *subscription.Env
}

// Sync は購読を同期する。
func (e EnvSyncer) Sync(ctx context.Context, s *subscription.Subscription) (*subscription.RunReport, error) {
	return s.Sync(ctx, e.Env)
}

// Recorder は実行中の購読数を記録するインターフェース。
type Recorder interface {
	SetRunningSubscriptions(n int)
}

// Config はManagerの待機時間と並列数。
type Config struct {
	// MaxConcurrent は同時に実行する購読の上限。
	MaxConcurrent int
	// StartupDelay は起動後に最初の購読を実行するまでの待機時間。
	StartupDelay time.Duration
	// DueBuffer は予定時刻にこの時間を加えて実行可否を判定する。
	DueBuffer time.Duration
	// PostRunBuffer は実行を終えた購読を再実行するまでの最短間隔。
	PostRunBuffer time.Duration
	// BusyWait は実行中の購読があるか、すぐ実行できる購読があるときの待機時間。
	BusyWait time.Duration
	// IdleWait は実行できる購読がないときの待機時間。
	IdleWait time.Duration
	// ShutdownWait は停止処理中の待機時間。
	ShutdownWait time.Duration
}

// DefaultConfig は既定値を返す。
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 1,
		StartupDelay:  15 * time.Second,
		DueBuffer:     3 * time.Second,
		PostRunBuffer: time.Hour,
		BusyWait:      time.Second,
		IdleWait:      15 * time.Second,
		ShutdownWait:  100 * time.Millisecond,
	}
}

// worker は実行中の購読1件。
type worker struct {
	sub      *subscription.Subscription
	cancel   context.CancelFunc
	done     chan struct{}
	panicked bool
}

// Manager は購読の実行スケジュールを管理する。
// 同じ名前の購読が同時に2つ実行されることはない。
type Manager struct {
	loader   Loader
	syncer   Syncer
	options  subscription.OptionsSource
	ledger   network.BandwidthLedger
	notifier progress.Notifier
	logger   *slog.Logger
	cfg      Config
	recorder Recorder

	mu           sync.Mutex
	names        map[string]struct{}
	nextWorkTime map[string]time.Time
	cannotRun    map[string]struct{}
	running      map[string]*worker
	// reserved は管理APIが変更中の購読。メインループは起動しない。
	reserved    map[string]struct{}
	loadingName string
	loading     bool
	shutdown    bool
	started     bool
	finished    bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// NewManager はManagerを生成する。
// cfg.MaxConcurrentが0以下の場合は1を使用する。
func NewManager(
	loader Loader,
	syncer Syncer,
	options subscription.OptionsSource,
	ledger network.BandwidthLedger,
	notifier progress.Notifier,
	logger *slog.Logger,
	cfg Config,
) *Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if options == nil {
		options = subscription.NewLiveOptions(subscription.DefaultGlobalOptions())
	}
	return &Manager{
		loader:       loader,
		syncer:       syncer,
		options:      options,
		ledger:       ledger,
		notifier:     notifier,
		logger:       logger,
		cfg:          cfg,
		names:        make(map[string]struct{}),
		nextWorkTime: make(map[string]time.Time),
		cannotRun:    make(map[string]struct{}),
		running:      make(map[string]*worker),
		reserved:     make(map[string]struct{}),
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// SetRecorder は実行中の購読数の記録先を設定する。
func (m *Manager) SetRecorder(r Recorder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorder = r
}

// Start はメインループを実行する。Shutdownが呼ばれるかctxがキャンセルされるまで戻らない。
// 戻る前に実行中の購読を全てキャンセルし、終了を待つ。
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	workerCtx, cancelWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWorkers()

	defer m.finish()

	if err := m.reinitialiseNames(ctx); err != nil {
		m.logger.Error("購読名の読み込みに失敗しました", slog.String("error", err.Error()))
	}

	m.logger.Info("購読マネージャーを開始しました",
		slog.Int("max_concurrent", m.cfg.MaxConcurrent),
		slog.Int("subscriptions", m.numNames()),
	)

	m.waitForWake(ctx, m.cfg.StartupDelay)

	for !m.isShuttingDown() && ctx.Err() == nil {
		m.mu.Lock()
		name := m.nameReadyToGoLocked()
		if name != "" {
			m.loading = true
			m.loadingName = name
		}
		m.mu.Unlock()

		if name != "" {
			m.loadAndBoot(ctx, workerCtx, name)

			m.mu.Lock()
			m.loading = false
			m.loadingName = ""
			m.mu.Unlock()
		}

		m.mu.Lock()
		m.clearFinishedLocked()
		wait := m.mainLoopWaitTimeLocked()
		m.mu.Unlock()

		m.waitForWake(ctx, wait)
	}

	m.logger.Info("購読マネージャーを停止しています", slog.Int("running", m.numRunning()))

	m.mu.Lock()
	for _, w := range m.running {
		w.cancel()
	}
	m.mu.Unlock()

	m.wg.Wait()

	m.mu.Lock()
	m.clearFinishedLocked()
	m.mu.Unlock()

	m.logger.Info("購読マネージャーを停止しました")
}

func (m *Manager) finish() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.finished {
		m.finished = true
		close(m.done)
	}
}

// Shutdown はメインループに停止を指示し、実行中の購読の終了を待つ。
// メインループが開始していない場合は即座に戻る。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shutdown = true
	started := m.started
	if !started && !m.finished {
		m.finished = true
		close(m.done)
	}
	m.mu.Unlock()

	m.Wake()

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("購読マネージャーの停止待ちがタイムアウトしました: %w", ctx.Err())
	}
}

// Wake はメインループの待機を打ち切る。
func (m *Manager) Wake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// ClearCacheAndWake は購読名を保存先から読み直し、キャッシュを消去してメインループを起こす。
func (m *Manager) ClearCacheAndWake(ctx context.Context) error {
	err := m.reinitialiseNames(ctx)
	m.Wake()
	return err
}

// NewSubscriptions は購読の一覧を置き換え、それぞれの次回作業時刻を計算し直す。
func (m *Manager) NewSubscriptions(subs []*subscription.Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.names = make(map[string]struct{}, len(subs))
	m.cannotRun = make(map[string]struct{})
	m.nextWorkTime = make(map[string]time.Time)

	for _, s := range subs {
		m.names[s.Name()] = struct{}{}
		m.updateSubscriptionInfoLocked(s, false)
	}
}

// IsShutdown はメインループが終了したかを返す。
func (m *Manager) IsShutdown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finished
}

// SubscriptionsRunning は読み込み中または実行中の購読があるかを返す。
func (m *Manager) SubscriptionsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loading || len(m.running) > 0
}

// IsRunning は指定名の購読が実行中かを返す。
func (m *Manager) IsRunning(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[name]
	return ok
}

// WithSubscriptionLocked は購読を実行対象から外した状態でfnを実行する。
// 購読が読み込み中か実行中の場合はfnを呼ばずにErrSubscriptionRunningを返す。
// fnの実行中、メインループはこの購読を起動しない。
func (m *Manager) WithSubscriptionLocked(name string, fn func() error) error {
	m.mu.Lock()
	_, running := m.running[name]
	_, reserved := m.reserved[name]
	if running || reserved || m.loadingName == name {
		m.mu.Unlock()
		return ErrSubscriptionRunning
	}
	m.reserved[name] = struct{}{}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.reserved, name)
		m.mu.Unlock()
	}()

	return fn()
}

// NextWork は購読名と次回作業時刻の組。
type NextWork struct {
	Name string    `json:"name"`
	At   time.Time `json:"at"`
}

// Snapshot はマネージャーの状態の写し。
type Snapshot struct {
	Subscriptions []string   `json:"subscriptions"`
	Running       []string   `json:"running"`
	CannotRun     []string   `json:"cannot_run"`
	NextWork      []NextWork `json:"next_work"`
}

// Snapshot は現在の状態を返す。次回作業時刻は早い順に並べる。
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		Subscriptions: sortedKeys(m.names),
		Running:       sortedKeys(m.running),
		CannotRun:     sortedKeys(m.cannotRun),
		NextWork:      make([]NextWork, 0, len(m.nextWorkTime)),
	}
	for name, at := range m.nextWorkTime {
		snap.NextWork = append(snap.NextWork, NextWork{Name: name, At: at})
	}
	sort.Slice(snap.NextWork, func(i, j int) bool {
		if snap.NextWork[i].At.Equal(snap.NextWork[j].At) {
			return snap.NextWork[i].Name < snap.NextWork[j].Name
		}
		return snap.NextWork[i].At.Before(snap.NextWork[j].At)
	})
	return snap
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) numNames() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.names)
}

func (m *Manager) numRunning() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

func (m *Manager) isShuttingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown
}

// waitForWake はd経過、Wake、ctxのキャンセルのいずれかまで待つ。
func (m *Manager) waitForWake(ctx context.Context, d time.Duration) {
	if d <= 0 {
		select {
		case <-m.wake:
		default:
		}
		return
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case <-m.wake:
	case <-t.C:
	}
}

func (m *Manager) reinitialiseNames(ctx context.Context) error {
	names, err := m.loader.Names(ctx)
	if err != nil {
		return fmt.Errorf("購読名の一覧取得に失敗: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.names = make(map[string]struct{}, len(names))
	for _, n := range names {
		m.names[n] = struct{}{}
	}
	m.cannotRun = make(map[string]struct{})
	m.nextWorkTime = make(map[string]time.Time)
	return nil
}

// nameReadyToGoLocked は次に実行する購読名を返す。実行できる購読がない場合は空文字。
// 次回作業時刻がキャッシュにない購読は、読み込んで確かめるため実行対象に含める。
func (m *Manager) nameReadyToGoLocked() string {
	opts := m.options.Options()
	if opts.PauseSubsSync || opts.PauseAllNewNetworkTraffic || m.shutdown {
		return ""
	}
	if len(m.running) >= m.cfg.MaxConcurrent {
		return ""
	}

	var candidates []string
	for name := range m.names {
		if _, ok := m.running[name]; ok {
			continue
		}
		if _, ok := m.cannotRun[name]; ok {
			continue
		}
		if _, ok := m.reserved[name]; ok {
			continue
		}
		if at, ok := m.nextWorkTime[name]; ok && now().Before(at.Add(m.cfg.DueBuffer)) {
			continue
		}
		candidates = append(candidates, name)
	}

	if len(candidates) == 0 {
		return ""
	}
	if opts.ProcessInRandomOrder {
		return candidates[rand.IntN(len(candidates))]
	}
	sort.Strings(candidates)
	return candidates[0]
}

func (m *Manager) mainLoopWaitTimeLocked() time.Duration {
	switch {
	case m.shutdown:
		return m.cfg.ShutdownWait
	case len(m.running) > 0:
		return m.cfg.BusyWait
	case m.nameReadyToGoLocked() != "":
		return m.cfg.BusyWait
	default:
		return m.cfg.IdleWait
	}
}

// updateSubscriptionInfoLocked は購読の次回作業時刻を計算し直す。
// 全て一時停止中か作業の予定がない購読は実行不可とする。
// 実行を終えた直後の購読は、読み込みと保存の繰り返しを避けるためPostRunBuffer後まで実行しない。
func (m *Manager) updateSubscriptionInfoLocked(s *subscription.Subscription, justFinishedWork bool) {
	name := s.Name()
	delete(m.cannotRun, name)
	delete(m.nextWorkTime, name)

	if s.AllPaused() {
		m.cannotRun[name] = struct{}{}
		return
	}

	next, ok := s.BestEarliestNextWorkTime(m.ledger)
	if !ok {
		m.cannotRun[name] = struct{}{}
		return
	}

	if justFinishedWork {
		if earliest := now().Add(m.cfg.PostRunBuffer); next.Before(earliest) {
			next = earliest
		}
	}
	m.nextWorkTime[name] = next
}

func (m *Manager) clearFinishedLocked() {
	for name, w := range m.running {
		select {
		case <-w.done:
			if w.panicked {
				// 状態が中途半端な可能性があるため、キャッシュを消去するまで実行しない
				delete(m.nextWorkTime, name)
				m.cannotRun[name] = struct{}{}
			} else {
				m.updateSubscriptionInfoLocked(w.sub, true)
			}
			delete(m.running, name)
		default:
		}
	}
	m.recordRunningLocked()
}

func (m *Manager) recordRunningLocked() {
	if m.recorder != nil {
		m.recorder.SetRunningSubscriptions(len(m.running))
	}
}

// loadAndBoot は購読を読み込んで別のgoroutineで実行する。
// 読み込みに失敗した購読は、この起動中は実行しない。
func (m *Manager) loadAndBoot(ctx, workerCtx context.Context, name string) {
	sub, err := m.loader.Load(ctx, name)
	if err != nil {
		m.logger.Error("購読の読み込みに失敗しました",
			slog.String("subscription", name),
			slog.String("error", err.Error()),
		)
		if m.notifier != nil {
			m.notifier.ShowText(ctx, name, fmt.Sprintf(
				"購読「%s」の読み込みに失敗しました。この購読は再起動するまで実行しません。エラー: %v", name, err,
			))
		}
		m.mu.Lock()
		m.cannotRun[name] = struct{}{}
		m.mu.Unlock()
		return
	}

	runCtx, cancel := context.WithCancel(workerCtx)
	w := &worker{sub: sub, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.running[name] = w
	m.recordRunningLocked()
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.Wake()
		defer close(w.done)
		defer cancel()
		defer m.recoverWorker(ctx, w, name)

		report, err := m.syncer.Sync(runCtx, sub)
		switch {
		case err != nil:
			m.logger.Error("購読の実行に失敗しました",
				slog.String("subscription", name),
				slog.String("error", err.Error()),
			)
		case report != nil && report.Err != nil:
			m.logger.Warn("購読の実行が中断されました",
				slog.String("subscription", name),
				slog.String("outcome", report.Outcome()),
				slog.String("error", report.Err.Error()),
			)
		}
	}()
}

// recoverWorker は購読の実行中に起きたpanicを捕捉し、その購読を実行不可にする。
// 他の購読とメインループは動き続ける。
func (m *Manager) recoverWorker(ctx context.Context, w *worker, name string) {
	rec := recover()
	if rec == nil {
		return
	}

	m.logger.Error("購読の実行中にpanicが発生しました",
		slog.String("subscription", name),
		slog.Any("panic", rec),
		slog.String("stack", string(debug.Stack())),
	)

	m.mu.Lock()
	w.panicked = true
	m.mu.Unlock()

	if m.notifier != nil {
		m.notifier.ShowText(context.WithoutCancel(ctx), name, fmt.Sprintf(
			"購読「%s」の実行中に予期しないエラーが発生しました。キャッシュを消去するまでこの購読は実行しません。エラー: %v", name, rec,
		))
	}
}
