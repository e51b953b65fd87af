package worker

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// HandlePrefix 是 blob 句柄的固定前缀。
const HandlePrefix = "blob:"

const (
	defaultBlobTTL  = 10 * time.Minute
	defaultMaxBlobs = 16
)

type blob struct {
	payload  []byte
	expireAt time.Time
}

// Blobs 保存已完成下载的正文，直到句柄被撤销、超过 ttl 或因数量上限被淘汰。
// 过期句柄在下一次访问 registry 时清理。
type Blobs struct {
	ttl   time.Duration
	limit int
	now   func() time.Time

	mu    sync.Mutex
	items map[string]blob
	// order 按登记顺序记录句柄，淘汰时从头部开始。
	order []string
}

// NewBlobs 构造 registry；ttl 或 limit 不大于 0 时使用默认值。
func NewBlobs(ttl time.Duration, limit int) *Blobs {
	if ttl <= 0 {
		ttl = defaultBlobTTL
	}
	if limit <= 0 {
		limit = defaultMaxBlobs
	}
	return &Blobs{
		ttl:   ttl,
		limit: limit,
		now:   time.Now,
		items: make(map[string]blob),
	}
}

// Put 登记 payload 并返回新句柄，必要时淘汰最早的句柄。
func (b *Blobs) Put(payload []byte) string {
	handle := HandlePrefix + uuid.NewString()

	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.sweepLocked(now)
	for len(b.items) >= b.limit {
		b.dropLocked(b.order[0])
	}
	b.items[handle] = blob{payload: payload, expireAt: now.Add(b.ttl)}
	b.order = append(b.order, handle)
	return handle
}

// Open 返回句柄对应的正文，过期句柄视为不存在。
func (b *Blobs) Open(handle string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sweepLocked(b.now())
	item, ok := b.items[handle]
	return item.payload, ok
}

// Revoke 释放句柄，返回句柄此前是否存在。
func (b *Blobs) Revoke(handle string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sweepLocked(b.now())
	if _, ok := b.items[handle]; !ok {
		return false
	}
	b.dropLocked(handle)
	return true
}

// Len 返回当前有效的句柄数量。
func (b *Blobs) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sweepLocked(b.now())
	return len(b.items)
}

func (b *Blobs) sweepLocked(now time.Time) {
	for len(b.order) > 0 {
		head := b.order[0]
		if now.Before(b.items[head].expireAt) {
			return
		}
		b.dropLocked(head)
	}
}

func (b *Blobs) dropLocked(handle string) {
	delete(b.items, handle)
	for i, h := range b.order {
		if h == handle {
			b.order = append(b.order[:i], b.order[i+1:]...)
			return
		}
	}
}

// HandleID 去掉句柄前缀，得到可放进 URL 路径的 ID。
func HandleID(handle string) string {
	return strings.TrimPrefix(handle, HandlePrefix)
}

// HandleFromID 是 HandleID 的逆操作。
func HandleFromID(id string) string {
	return HandlePrefix + id
}
