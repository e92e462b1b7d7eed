package sqlite

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"perpagent/internal/position"
	"perpagent/internal/store"
	"perpagent/internal/store/model"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	_ "modernc.org/sqlite"
)

// SqliteStore 是 store.Ledger 的 gorm + sqlite 实现。底层驱动使用纯 Go 的 modernc sqlite。
type SqliteStore struct {
	db     *gorm.DB
	closed *closedRepo
	events *eventRepo
}

var _ store.Ledger = (*SqliteStore)(nil)

func NewSqliteStore(path string) (*SqliteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.New(sqlite.Config{DriverName: "sqlite", DSN: dsn}), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	return newSqliteStore(db)
}

func newSqliteStore(db *gorm.DB) (*SqliteStore, error) {
	models := []interface{}{
		&model.ClosedPositionModel{},
		&model.LifecycleEventModel{},
	}
	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		// WAL 下保留少量并发给 HTTP 读请求
		sqlDB.SetMaxOpenConns(2)
		sqlDB.SetMaxIdleConns(2)
	}
	return &SqliteStore{db: db, closed: newClosedRepo(db), events: newEventRepo(db)}, nil
}

func (s *SqliteStore) RecordClosed(ctx context.Context, cp position.ClosedPosition) error {
	return s.closed.Insert(ctx, cp)
}

func (s *SqliteStore) ListClosed(ctx context.Context, symbol string, limit int) ([]position.ClosedPosition, error) {
	return s.closed.List(ctx, symbol, limit)
}

func (s *SqliteStore) PnLSeries(ctx context.Context, symbol string) ([]store.PnLPoint, error) {
	closed, err := s.closed.Ascending(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return store.BuildSeries(closed), nil
}

func (s *SqliteStore) RecordEvent(ctx context.Context, rec store.EventRecord) error {
	return s.events.Insert(ctx, rec)
}

func (s *SqliteStore) ListEvents(ctx context.Context, symbol string, limit int) ([]store.EventRecord, error) {
	return s.events.List(ctx, symbol, limit)
}

func (s *SqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
