package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"avitohunter/internal/config"
)

// ErrUnknownBackend 表示配置了不支持的存储后端。
var ErrUnknownBackend = errors.New("store: unknown backend")

// Store 记录已经处理过的列表 ID。
//
// 插入是幂等的：重复 ID 不报错、不重复计数。
type Store interface {
	// Exists 判断 ID 是否已入库。
	Exists(ctx context.Context, id int64) (bool, error)
	// InsertMany 批量写入 ID，已存在的 ID 被忽略。
	InsertMany(ctx context.Context, ids []int64) error
	// Close 释放连接。
	Close() error
}

// New 按配置打开存储。
//
// redis 后端复用调用方传入的客户端，Close 不会关闭它。
//
// 参数:
//
//	ctx: 上下文
//	cfg: 存储配置
//	rdb: Redis 客户端，仅 redis 后端需要
//	logger: 日志记录器
//
// 返回值:
//
//	Store: 存储实例
//	error: 连接或建表失败返回错误
func New(ctx context.Context, cfg config.StorageConfig, rdb *redis.Client, logger *slog.Logger) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Backend {
	case config.BackendSQLite, "":
		s, err = openSQLite(cfg.DSN)
	case config.BackendMySQL:
		s, err = openMySQL(cfg.DSN)
	case config.BackendPostgres:
		s, err = openPostgres(ctx, cfg.DSN)
	case config.BackendRedis:
		if rdb == nil {
			return nil, fmt.Errorf("store: redis backend requires a client")
		}
		s = NewRedis(rdb, "")
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("store opened", slog.String("backend", cfg.Backend))
	}
	return s, nil
}

// OpenRedis 创建并探活 Redis 客户端。
func OpenRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
