package app

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hitoshi/subsync/internal/config"
	"github.com/hitoshi/subsync/internal/database"
	"github.com/hitoshi/subsync/internal/repository"
	"gorm.io/gorm"
)

// stores はSTORAGE_DRIVERに応じて選んだ保存先をまとめたもの。
type stores struct {
	objects  repository.ObjectStore
	messages repository.MessageRepository
	content  repository.ContentUpdateRepository
	closer   func() error
}

// Close は保存先の接続を閉じる。
func (s *stores) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// openStores は設定された保存先を開く。
func openStores(cfg *config.Config, l *slog.Logger) (*stores, error) {
	switch cfg.StorageDriver {
	case config.StoragePostgres:
		db, err := database.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		l.Info("database connection established",
			slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		)
		return postgresStores(db), nil

	case config.StorageMemory:
		l.Warn("using in-memory storage, subscriptions will not survive a restart")
		mem := repository.NewMemoryStore()
		return &stores{objects: mem, messages: mem, content: mem}, nil

	default:
		if dir := filepath.Dir(cfg.SQLitePath); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
			}
		}
		db, err := database.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		st, err := repository.NewSQLiteStore(db)
		if err != nil {
			closeGorm(db)
			return nil, fmt.Errorf("failed to prepare sqlite: %w", err)
		}
		l.Info("sqlite store opened", slog.String("path", cfg.SQLitePath))
		return &stores{
			objects:  st,
			messages: st,
			content:  st,
			closer:   func() error { return closeGorm(db) },
		}, nil
	}
}

func postgresStores(db *sql.DB) *stores {
	return &stores{
		objects:  repository.NewPostgresObjectStore(db),
		messages: repository.NewPostgresMessageRepo(db),
		content:  repository.NewPostgresContentUpdateRepo(db),
		closer:   db.Close,
	}
}

func closeGorm(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
