package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"
)

// Snapshot 把 Cookie jar 以扁平 JSON 对象持久化到文件。
//
// 只有 jar 与上次写入的内容不同时才写盘，写入采用临时文件 + rename。
type Snapshot struct {
	path string

	mu   sync.Mutex
	last map[string]string
}

// NewSnapshot 创建快照文件句柄，path 为空时 Save/Load 都是空操作。
func NewSnapshot(path string) *Snapshot {
	return &Snapshot{path: path}
}

// Path 返回快照文件路径。
func (s *Snapshot) Path() string {
	return s.path
}

// Load 读取快照。
//
// 文件不存在时返回空 jar 且没有错误；内容损坏时返回空 jar 和错误，调用方只需记录日志。
func (s *Snapshot) Load() (map[string]string, error) {
	jar := map[string]string{}
	if s.path == "" {
		return jar, nil
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return jar, nil
	}
	if err != nil {
		return jar, fmt.Errorf("read cookie snapshot: %w", err)
	}
	var loaded map[string]string
	if err := json.Unmarshal(data, &loaded); err != nil {
		return jar, fmt.Errorf("parse cookie snapshot: %w", err)
	}
	for k, v := range loaded {
		if k != "" {
			jar[k] = v
		}
	}

	s.mu.Lock()
	s.last = maps.Clone(jar)
	s.mu.Unlock()
	return jar, nil
}

// Save 在 jar 发生变化时原子写入快照。
//
// 返回值:
//
//	bool: 是否实际写盘
//	error: 写入失败返回错误
func (s *Snapshot) Save(jar map[string]string) (bool, error) {
	if s.path == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.last != nil && maps.Equal(s.last, jar) {
		return false, nil
	}

	data, err := json.MarshalIndent(jar, "", "  ")
	if err != nil {
		return false, fmt.Errorf("marshal cookie snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return false, fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return false, fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return false, fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return false, fmt.Errorf("rename snapshot: %w", err)
	}

	s.last = maps.Clone(jar)
	return true, nil
}
