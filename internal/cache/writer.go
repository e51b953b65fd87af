package cache

import (
	"context"
	"errors"
	"fmt"
)

// ErrStoreUnavailable 表示当前 Named 未注入 Manager。
var ErrStoreUnavailable = errors.New("cache store unavailable")

// Open 根据后端名称构建 Manager：fs 使用目录布局，bolt 使用单个数据库文件。
func Open(backend, basePath string) (Manager, error) {
	switch backend {
	case "", "fs":
		return NewFileManager(basePath)
	case "bolt":
		return NewBoltManager(basePath)
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", backend)
	}
}

// Named 将 Manager 与固定的 store 名绑定，router 通过它读写单个 store。
type Named struct {
	manager Manager
	name    string
}

// Bind 构造绑定到 name 的 Named。
func Bind(manager Manager, name string) Named {
	return Named{manager: manager, name: name}
}

// Enabled 返回当前是否具备缓存读写能力。
func (n Named) Enabled() bool {
	return n.manager != nil && n.name != ""
}

// Name 返回绑定的 store 名称。
func (n Named) Name() string {
	return n.name
}

// Get 读取绑定 store 中的条目。
func (n Named) Get(ctx context.Context, key Key) (*Entry, error) {
	if !n.Enabled() {
		return nil, ErrStoreUnavailable
	}
	return n.manager.Get(ctx, n.name, key)
}

// Put 写入绑定 store，语义与 Manager.Put 相同。
func (n Named) Put(ctx context.Context, key Key, entry Entry) error {
	if !n.Enabled() {
		return ErrStoreUnavailable
	}
	return n.manager.Put(ctx, n.name, key, entry)
}

// Remove 删除绑定 store 中的单个条目。
func (n Named) Remove(ctx context.Context, key Key) error {
	if !n.Enabled() {
		return ErrStoreUnavailable
	}
	return n.manager.Remove(ctx, n.name, key)
}
