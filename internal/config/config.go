// Package config は環境変数とYAML定義ファイルからの設定読み込みを提供する。
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// ストレージの種類。
const (
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Storage
	StorageDriver string `envconfig:"STORAGE_DRIVER" default:"sqlite"`
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	SQLitePath    string `envconfig:"SQLITE_PATH" default:"data/subsync.db"`
	FilesDir      string `envconfig:"FILES_DIR" default:"data/files"`

	// Generators
	GeneratorsFile string `envconfig:"GENERATORS_FILE"`

	// Server
	ServerPort string `envconfig:"SERVER_PORT" default:"8080"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`

	Fetch struct {
		Timeout   time.Duration `envconfig:"FETCH_TIMEOUT" default:"30s"`
		MaxSize   int64         `envconfig:"FETCH_MAX_SIZE" default:"104857600"`
		UserAgent string        `envconfig:"FETCH_USER_AGENT" default:"subsync/1.0"`
	} `envconfig:""`

	// Bandwidth は1分あたりのリクエスト数。0は無制限。
	Bandwidth struct {
		GlobalPerMinute       int `envconfig:"BANDWIDTH_GLOBAL_RPM" default:"120"`
		DomainPerMinute       int `envconfig:"BANDWIDTH_DOMAIN_RPM" default:"30"`
		SubscriptionPerMinute int `envconfig:"BANDWIDTH_SUBSCRIPTION_RPM" default:"0"`
	} `envconfig:""`

	Login struct {
		RequiredDomains []string          `envconfig:"LOGIN_REQUIRED_DOMAINS"`
		Cookies         map[string]string `envconfig:"LOGIN_COOKIES"`
	} `envconfig:""`

	Subscriptions struct {
		MaxConcurrent            int           `envconfig:"SUBS_MAX_CONCURRENT" default:"1"`
		StartupDelay             time.Duration `envconfig:"SUBS_STARTUP_DELAY" default:"15s"`
		PauseOnStart             bool          `envconfig:"SUBS_PAUSE_ON_START" default:"false"`
		ProcessInRandomOrder     bool          `envconfig:"SUBS_RANDOM_ORDER" default:"true"`
		FileErrorCancelThreshold int           `envconfig:"SUBS_FILE_ERROR_THRESHOLD" default:"5"`
		NetworkErrorDelay        time.Duration `envconfig:"SUBS_NETWORK_ERROR_DELAY" default:"12h"`
		OtherErrorDelay          time.Duration `envconfig:"SUBS_OTHER_ERROR_DELAY" default:"36h"`
		BandwidthOverride        time.Duration `envconfig:"SUBS_BANDWIDTH_OVERRIDE" default:"30s"`
		FileWorkPacing           time.Duration `envconfig:"SUBS_FILE_WORK_PACING" default:"100ms"`
		ErrorPause               time.Duration `envconfig:"SUBS_ERROR_PAUSE" default:"5s"`
	} `envconfig:""`

	Messages struct {
		RetentionDays      int           `envconfig:"MESSAGE_RETENTION_DAYS" default:"30"`
		CleanupInterval    time.Duration `envconfig:"CLEANUP_INTERVAL" default:"24h"`
		PresentationsLimit int           `envconfig:"PRESENTATIONS_PER_LABEL" default:"20"`
	} `envconfig:""`
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合や値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	var missing []string
	if cfg.GeneratorsFile == "" {
		missing = append(missing, "GENERATORS_FILE")
	}
	if cfg.StorageDriver == StoragePostgres && cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	switch cfg.StorageDriver {
	case StorageSQLite, StoragePostgres, StorageMemory:
	default:
		return nil, fmt.Errorf("unsupported STORAGE_DRIVER: %q", cfg.StorageDriver)
	}
	if cfg.Subscriptions.MaxConcurrent < 1 {
		return nil, fmt.Errorf("SUBS_MAX_CONCURRENT must be at least 1: %d", cfg.Subscriptions.MaxConcurrent)
	}

	return &cfg, nil
}
