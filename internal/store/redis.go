package store

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const defaultViewedKey = "avitohunter:viewed"

// RedisStore 把已处理 ID 保存在一个集合里。
type RedisStore struct {
	rdb *redis.Client
	key string
}

// NewRedis 使用给定集合键，空键使用默认值。
func NewRedis(rdb *redis.Client, key string) *RedisStore {
	if key == "" {
		key = defaultViewedKey
	}
	return &RedisStore{rdb: rdb, key: key}
}

// Exists 执行 SISMEMBER。
func (s *RedisStore) Exists(ctx context.Context, id int64) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, s.key, strconv.FormatInt(id, 10)).Result()
	if err != nil {
		return false, fmt.Errorf("viewed sismember: %w", err)
	}
	return ok, nil
}

// InsertMany 执行 SADD，集合天然去重。
func (s *RedisStore) InsertMany(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		members = append(members, strconv.FormatInt(id, 10))
	}
	if err := s.rdb.SAdd(ctx, s.key, members...).Err(); err != nil {
		return fmt.Errorf("viewed sadd: %w", err)
	}
	return nil
}

// Close 不关闭共享客户端。
func (s *RedisStore) Close() error {
	return nil
}
