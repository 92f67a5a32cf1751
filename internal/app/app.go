package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitoshi/subsync/internal/config"
	"github.com/hitoshi/subsync/internal/database"
	"github.com/hitoshi/subsync/internal/gallery"
	"github.com/hitoshi/subsync/internal/handler"
	"github.com/hitoshi/subsync/internal/importer"
	"github.com/hitoshi/subsync/internal/logger"
	"github.com/hitoshi/subsync/internal/metrics"
	"github.com/hitoshi/subsync/internal/network"
	"github.com/hitoshi/subsync/internal/progress"
	"github.com/hitoshi/subsync/internal/security"
	"github.com/hitoshi/subsync/internal/subscription"
	"github.com/hitoshi/subsync/internal/tagging"
	"github.com/hitoshi/subsync/internal/worker/cleanup"
	"github.com/hitoshi/subsync/internal/worker/schedule"
	"github.com/prometheus/client_golang/prometheus"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、LOG_LEVELに従ってJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, *slog.Logger, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	l := logger.SetupDefault(w, nil)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたレベルでロガーを作り直す
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		l.Warn("unknown LOG_LEVEL, falling back to info", slog.String("log_level", cfg.LogLevel))
	}
	l = logger.SetupDefault(w, level)

	return cfg, l, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, l, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	l.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("storage", cfg.StorageDriver),
		slog.String("port", cfg.ServerPort),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg, l)
	case CommandImport:
		if len(args) < 2 {
			return errors.New("import requires a subscription definition file")
		}
		return runImport(cfg, l, args[1])
	default:
		return runWorker(cfg, l)
	}
}

// runWorker はワーカーモードで起動する。
// 保存先を開き、購読マネージャー・クリーンアップジョブ・管理APIサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runWorker(cfg *config.Config, l *slog.Logger) error {
	// 1. 保存先
	st, err := openStores(cfg, l)
	if err != nil {
		return err
	}
	defer st.Close()

	subRepo := subscription.NewRepository(st.objects)

	// 2. ジェネレーター定義
	generators, err := gallery.LoadRegistry(cfg.GeneratorsFile)
	if err != nil {
		return fmt.Errorf("failed to load generators: %w", err)
	}
	l.Info("generators loaded", slog.Any("names", generators.Names()))

	// 3. メトリクス
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 4. ネットワーク
	guard := security.NewURLGuard(false)
	ledger := network.NewRateLedger(bandwidthRules(cfg))
	login := network.NewLoginManager(cfg.Login.RequiredDomains, cfg.Login.Cookies)
	engine := network.NewEngine(
		guard.NewClient(cfg.Fetch.Timeout), guard, ledger, login,
		network.EngineConfig{MaxBodySize: cfg.Fetch.MaxSize, UserAgent: cfg.Fetch.UserAgent},
		l,
	)
	engine.SetRecorder(collector)

	// 5. 取り込み
	files, err := importer.NewDirectory(cfg.FilesDir, cfg.Fetch.MaxSize, l)
	if err != nil {
		return fmt.Errorf("failed to prepare files directory: %w", err)
	}

	// 6. 通知とジョブ
	jobs := progress.NewRegistry()
	board := progress.NewMessageBoard(st.messages, l)
	presentations := progress.NewPresentations(cfg.Messages.PresentationsLimit, l)

	options := subscription.NewLiveOptions(globalOptions(cfg))

	env := &subscription.Env{
		Generators: generators,
		Network:    engine,
		Bandwidth:  ledger,
		Importer:   files,
		Tags:       tagging.NewPipeline(tagging.SourceSubscription),
		Content:    st.content,
		Notifier:   board,
		Publisher:  presentations,
		Jobs:       jobs,
		Options:    options,
		Store:      subRepo,
		Logger:     l,
		Metrics:    collector,
	}

	// 7. 購読マネージャー
	schedCfg := schedule.DefaultConfig()
	schedCfg.MaxConcurrent = cfg.Subscriptions.MaxConcurrent
	schedCfg.StartupDelay = cfg.Subscriptions.StartupDelay

	manager := schedule.NewManager(subRepo, schedule.EnvSyncer{Env: env}, options, ledger, board, l, schedCfg)
	manager.SetRecorder(collector)

	// 8. クリーンアップジョブ
	cleanupJob := cleanup.NewCleanupJob(st.messages, jobs, l)
	cleanupJob.RetentionDays = cfg.Messages.RetentionDays

	// 9. 管理APIサーバー
	router := handler.NewRouter(&handler.RouterDeps{
		Subscriptions: subRepo,
		Manager:       manager,
		Jobs:          jobs,
		Messages:      st.messages,
		Presentations: presentations,
		Gatherer:      registry,
		Logger:        l,
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		l.Info("admin server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error("server listen error", slog.String("error", err.Error()))
			stop()
		}
	}()

	go cleanupJob.Start(ctx, cfg.Messages.CleanupInterval)

	l.Info("worker starting",
		slog.Int("max_concurrent", schedCfg.MaxConcurrent),
		slog.Duration("startup_delay", schedCfg.StartupDelay),
		slog.Bool("paused", cfg.Subscriptions.PauseOnStart),
	)

	// 購読マネージャーをメインgoroutineで実行（ブロッキング）
	managerDone := make(chan struct{})
	go func() {
		defer close(managerDone)
		manager.Start(ctx)
	}()

	<-ctx.Done()
	l.Info("shutting down worker...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := manager.Shutdown(shutdownCtx); err != nil {
		l.Error("subscription manager shutdown failed", slog.String("error", err.Error()))
	}
	<-managerDone

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	l.Info("worker stopped gracefully")
	return nil
}

// bandwidthRules は1分あたりのリクエスト数の設定をコンテキスト種別ごとのルールに変換する。
func bandwidthRules(cfg *config.Config) map[network.ContextType]network.Rule {
	return map[network.ContextType]network.Rule{
		network.ContextGlobal:       {Requests: cfg.Bandwidth.GlobalPerMinute, Per: time.Minute},
		network.ContextDomain:       {Requests: cfg.Bandwidth.DomainPerMinute, Per: time.Minute},
		network.ContextSubscription: {Requests: cfg.Bandwidth.SubscriptionPerMinute, Per: time.Minute},
	}
}

// globalOptions は設定から購読共通のオプションを組み立てる。
func globalOptions(cfg *config.Config) subscription.GlobalOptions {
	s := cfg.Subscriptions
	return subscription.GlobalOptions{
		PauseSubsSync:            s.PauseOnStart,
		ProcessInRandomOrder:     s.ProcessInRandomOrder,
		FileErrorCancelThreshold: s.FileErrorCancelThreshold,
		NetworkErrorDelay:        s.NetworkErrorDelay,
		OtherErrorDelay:          s.OtherErrorDelay,
		BandwidthOverride:        s.BandwidthOverride,
		FileWorkPacing:           s.FileWorkPacing,
		ErrorPause:               s.ErrorPause,
	}
}

// runMigrate はデータベースマイグレーションを実行する。
// SQLiteは起動時にテーブルを作成するため、postgresの場合のみ適用する。
func runMigrate(cfg *config.Config, l *slog.Logger) error {
	if cfg.StorageDriver != config.StoragePostgres {
		l.Info("migrations are only needed for postgres, skipping",
			slog.String("storage", cfg.StorageDriver),
		)
		return nil
	}

	l.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, applied, err := database.SchemaVersion(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	if dirty {
		return fmt.Errorf("schema version %d is dirty", version)
	}

	l.Info("database migrations completed successfully",
		slog.Uint64("schema_version", uint64(version)),
		slog.Bool("applied", applied),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
