package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createViewedTable = `CREATE TABLE IF NOT EXISTS viewed (
	id BIGINT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore 直接使用 pgx 连接池。
type PostgresStore struct {
	pool *pgxpool.Pool
}

func openPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	poolCfg.MaxConns = 4
	poolCfg.MinConns = 1
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, createViewedTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create viewed table: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Exists 查询 viewed 表。
func (s *PostgresStore) Exists(ctx context.Context, id int64) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM viewed WHERE id = $1)`, id).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("query viewed %d: %w", id, err)
	}
	return ok, nil
}

// InsertMany 用一个 pgx.Batch 写入全部 ID。
func (s *PostgresStore) InsertMany(ctx context.Context, ids []int64) error {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, id := range ids {
		b.Queue(`INSERT INTO viewed (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, id)
	}
	br := s.pool.SendBatch(ctx, b)
	for range ids {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("insert viewed: %w", err)
		}
	}
	return br.Close()
}

// Close 关闭连接池。
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
