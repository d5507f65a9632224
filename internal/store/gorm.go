package store

import (
	"context"
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"

	"avitohunter/internal/model"
)

const insertBatchSize = 200

// SQLStore 基于 GORM，服务 sqlite 和 mysql。
type SQLStore struct {
	db *gorm.DB
}

func openSQLite(dsn string) (*SQLStore, error) {
	if dsn == "" {
		dsn = "database.db"
	}
	s, err := openGorm(sqlite.Open(dsn))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	// 单文件数据库，串行写入
	if sqlDB, err := s.db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	return s, nil
}

func openMySQL(dsn string) (*SQLStore, error) {
	s, err := openGorm(mysql.Open(dsn))
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	return s, nil
}

func openGorm(dialector gorm.Dialector) (*SQLStore, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&model.Viewed{}); err != nil {
		return nil, fmt.Errorf("migrate viewed: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Exists 查询 viewed 表。
func (s *SQLStore) Exists(ctx context.Context, id int64) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&model.Viewed{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return false, fmt.Errorf("query viewed %d: %w", id, err)
	}
	return n > 0, nil
}

// InsertMany 以 ON CONFLICT DO NOTHING 批量写入。
func (s *SQLStore) InsertMany(ctx context.Context, ids []int64) error {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return nil
	}
	rows := make([]model.Viewed, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, model.Viewed{ID: id})
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(rows, insertBatchSize).Error
	if err != nil {
		return fmt.Errorf("insert viewed: %w", err)
	}
	return nil
}

// Close 关闭底层连接池。
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
