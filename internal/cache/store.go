package cache

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Manager 负责管理所有命名 store 的读写。调用方在启动阶段构造一次，并以引用方式
// 注入 router、lifecycle 与 control channel，不通过全局变量查找。
type Manager interface {
	// Get 返回 store 中 key 对应的条目。store 或条目不存在时返回 ErrNotFound。
	Get(ctx context.Context, store string, key Key) (*Entry, error)

	// Put 写入（或整体替换）一个条目；store 不存在时自动创建。实现需保证单条目写入原子性。
	Put(ctx context.Context, store string, key Key, entry Entry) error

	// Remove 删除单个条目，条目不存在时不报错。
	Remove(ctx context.Context, store string, key Key) error

	// Create 确保 store 存在，即使预缓存清单为空也能在 Names 中看到它。
	Create(ctx context.Context, store string) error

	// Has 判断 store 是否存在。
	Has(ctx context.Context, store string) (bool, error)

	// Delete 删除整个 store 及其全部条目，返回 store 此前是否存在。
	Delete(ctx context.Context, store string) (bool, error)

	// Names 返回按字典序排列的 store 名称。
	Names(ctx context.Context) ([]string, error)

	// Close 释放底层资源。
	Close() error
}

// Entry 表示一次缓存的响应：正文、响应头、状态码与写入时间。写入后不可变，
// 同一个 key 的后续写入整体替换旧条目。
type Entry struct {
	Payload  []byte
	Header   http.Header
	Status   int
	StoredAt time.Time
}

var (
	// ErrNotFound 表示 store 或条目不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidStoreName 表示 store 名称无法安全地映射到磁盘或 bucket。
	ErrInvalidStoreName = errors.New("invalid store name")
	// ErrCorruptEntry 表示磁盘上的记录无法解析。
	ErrCorruptEntry = errors.New("corrupt cache entry")
)

func validateStoreName(name string) error {
	if name == "" || name == "." || name == ".." {
		return ErrInvalidStoreName
	}
	if strings.HasPrefix(name, ".") || strings.ContainsAny(name, "/\\") {
		return ErrInvalidStoreName
	}
	return nil
}
