package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltFileName 是 bolt 后端在 StoragePath 下的数据库文件名。
const BoltFileName = "asset-hub.bolt"

// boltManager 将每个 store 映射为一个 bucket，条目以 Key.ID() 为键，
// 值使用与 fs 后端相同的记录格式。单条目写入在一个事务内完成。
type boltManager struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBoltManager 打开（或创建）basePath/asset-hub.bolt。
func NewBoltManager(basePath string) (Manager, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	db, err := bolt.Open(filepath.Join(basePath, BoltFileName), 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}
	return &boltManager{db: db, now: time.Now}, nil
}

func (m *boltManager) Get(ctx context.Context, store string, key Key) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateStoreName(store); err != nil {
		return nil, fmt.Errorf("%w: %q", err, store)
	}

	var entry *Entry
	err := m.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(store))
		if b == nil {
			return ErrNotFound
		}
		v := b.Get([]byte(key.ID()))
		if v == nil {
			return ErrNotFound
		}
		decoded, err := decodeRecord(v)
		if err != nil {
			return err
		}
		entry = decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (m *boltManager) Put(ctx context.Context, store string, key Key, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateStoreName(store); err != nil {
		return fmt.Errorf("%w: %q", err, store)
	}
	if entry.StoredAt.IsZero() {
		entry.StoredAt = m.now().UTC()
	}
	value, err := encodeRecord(key, entry)
	if err != nil {
		return err
	}

	return m.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(store))
		if err != nil {
			return err
		}
		return b.Put([]byte(key.ID()), value)
	})
}

func (m *boltManager) Remove(ctx context.Context, store string, key Key) error {
	if err := validateStoreName(store); err != nil {
		return fmt.Errorf("%w: %q", err, store)
	}
	return m.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(store))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key.ID()))
	})
}

func (m *boltManager) Create(ctx context.Context, store string) error {
	if err := validateStoreName(store); err != nil {
		return fmt.Errorf("%w: %q", err, store)
	}
	return m.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(store))
		return err
	})
}

func (m *boltManager) Has(ctx context.Context, store string) (bool, error) {
	if err := validateStoreName(store); err != nil {
		return false, fmt.Errorf("%w: %q", err, store)
	}
	exists := false
	err := m.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket([]byte(store)) != nil
		return nil
	})
	return exists, err
}

func (m *boltManager) Delete(ctx context.Context, store string) (bool, error) {
	if err := validateStoreName(store); err != nil {
		return false, fmt.Errorf("%w: %q", err, store)
	}
	existed := false
	err := m.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(store)) == nil {
			return nil
		}
		existed = true
		return tx.DeleteBucket([]byte(store))
	})
	return existed, err
}

func (m *boltManager) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var names []string
	err := m.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			names = append(names, string(name))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (m *boltManager) Close() error {
	if m == nil || m.db == nil {
		return nil
	}
	return m.db.Close()
}
