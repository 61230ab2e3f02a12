// Package localstore は匿名ユーザー向けのローカル永続化を提供する。
// 値は端末ごとのキーバリューストアに保存し、最後の書き込みが勝つ。
package localstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// KV はキーバリューストアのインターフェース。
type KV interface {
	// Get は値を取得する。キーが存在しない場合はfalseを返す。
	Get(ctx context.Context, key string) (string, bool, error)
	// Set は値を保存する。
	Set(ctx context.Context, key, value string) error
}

// FileKV はJSONファイルを使用したKV実装。
// 書き込みは一時ファイルへの書き込み後にリネームして置き換える。
type FileKV struct {
	path string
	mu   sync.Mutex
}

// NewFileKV はFileKVを生成する。ディレクトリが存在しない場合は作成する。
func NewFileKV(path string) (*FileKV, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create local store directory: %w", err)
	}
	return &FileKV{path: path}, nil
}

// Get は値を取得する。ファイルが存在しない場合は未保存として扱う。
func (f *FileKV) Get(ctx context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.load()
	if err != nil {
		return "", false, err
	}
	v, ok := values[key]
	return v, ok, nil
}

// Set は値を保存する。
func (f *FileKV) Set(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.load()
	if err != nil {
		// 壊れたファイルは上書きする
		values = map[string]string{}
	}
	values[key] = value

	data, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("failed to encode local store: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write local store: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("failed to replace local store: %w", err)
	}
	return nil
}

func (f *FileKV) load() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read local store: %w", err)
	}
	values := map[string]string{}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("failed to decode local store: %w", err)
	}
	return values, nil
}

// RedisKV はRedisを使用したKV実装。
// 同一端末上の複数プロセスで匿名状態を共有する場合に使用する。
type RedisKV struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisKV はRedisKVを生成する。ttlが0の場合は有効期限なしで保存する。
func NewRedisKV(client *redis.Client, prefix string, ttl time.Duration) *RedisKV {
	return &RedisKV{client: client, prefix: prefix, ttl: ttl}
}

// Get は値を取得する。
func (r *RedisKV) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, r.prefix+key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get %s from redis: %w", key, err)
	}
	return v, true, nil
}

// Set は値を保存する。
func (r *RedisKV) Set(ctx context.Context, key, value string) error {
	if err := r.client.Set(ctx, r.prefix+key, value, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s to redis: %w", key, err)
	}
	return nil
}

// compile-time interface check
var (
	_ KV = (*FileKV)(nil)
	_ KV = (*RedisKV)(nil)
)
