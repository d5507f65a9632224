package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"avitohunter/internal/config"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	ok, err := s.Exists(ctx, 1)
	if err != nil {
		t.Fatalf("exists on empty store: %v", err)
	}
	if ok {
		t.Fatalf("expected id 1 to be absent")
	}

	if err := s.InsertMany(ctx, []int64{1, 2, 2, 3}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	// 重复写入不报错
	if err := s.InsertMany(ctx, []int64{3, 4}); err != nil {
		t.Fatalf("insert again: %v", err)
	}
	if err := s.InsertMany(ctx, nil); err != nil {
		t.Fatalf("insert empty: %v", err)
	}

	for _, id := range []int64{1, 2, 3, 4} {
		ok, err := s.Exists(ctx, id)
		if err != nil {
			t.Fatalf("exists %d: %v", id, err)
		}
		if !ok {
			t.Fatalf("expected id %d to exist", id)
		}
	}
	ok, err = s.Exists(ctx, 5)
	if err != nil {
		t.Fatalf("exists 5: %v", err)
	}
	if ok {
		t.Fatalf("expected id 5 to be absent")
	}
}

func TestSQLiteStore(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "viewed.db")
	s, err := New(context.Background(), config.StorageConfig{Backend: config.BackendSQLite, DSN: dsn}, nil, nil)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	exerciseStore(t, s)

	var count int64
	if err := s.(*SQLStore).db.Table("viewed").Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 4 {
		t.Fatalf("expected 4 rows, got %d", count)
	}
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "viewed.db")
	cfg := config.StorageConfig{Backend: config.BackendSQLite, DSN: dsn}

	s, err := New(context.Background(), cfg, nil, nil)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := s.InsertMany(context.Background(), []int64{42}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = New(context.Background(), cfg, nil, nil)
	if err != nil {
		t.Fatalf("reopen sqlite: %v", err)
	}
	defer s.Close()
	ok, err := s.Exists(context.Background(), 42)
	if err != nil || !ok {
		t.Fatalf("expected 42 after reopen, ok=%v err=%v", ok, err)
	}
}

func TestRedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	s, err := New(context.Background(), config.StorageConfig{Backend: config.BackendRedis}, rdb, nil)
	if err != nil {
		t.Fatalf("open redis store: %v", err)
	}
	exerciseStore(t, s)

	members, err := mr.Members(defaultViewedKey)
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 4 {
		t.Fatalf("expected 4 members, got %v", members)
	}
}

func TestOpenRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()

	rdb, err := OpenRedis(context.Background(), config.RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("open redis: %v", err)
	}
	_ = rdb.Close()
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(context.Background(), config.StorageConfig{Backend: "oracle"}, nil, nil); !errors.Is(err, ErrUnknownBackend) {
		t.Fatalf("expected ErrUnknownBackend, got %v", err)
	}
	if _, err := New(context.Background(), config.StorageConfig{Backend: config.BackendRedis}, nil, nil); err == nil {
		t.Fatalf("expected error for redis backend without client")
	}
}
