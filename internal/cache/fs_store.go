package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const entrySuffix = ".entry"

// NewFileManager 以 basePath 为根目录构建磁盘缓存，每个 store 对应一个子目录。
func NewFileManager(basePath string) (Manager, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileManager{
		basePath: abs,
		locks:    make(map[string]*entryLock),
		now:      time.Now,
	}, nil
}

// fileManager 通过 entryLock 避免同一条目的并发写入交错，同时复用 basePath。
type fileManager struct {
	basePath string
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (m *fileManager) Get(ctx context.Context, store string, key Key) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	filePath, err := m.entryPath(store, key)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeRecord(data)
}

func (m *fileManager) Put(ctx context.Context, store string, key Key, entry Entry) error {
	filePath, err := m.entryPath(store, key)
	if err != nil {
		return err
	}

	unlock := m.lockEntry(store, key)
	defer unlock()

	if entry.StoredAt.IsZero() {
		entry.StoredAt = m.now().UTC()
	}
	head, err := encodeMeta(key, entry)
	if err != nil {
		return err
	}

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(dir, ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = copyWithContext(ctx, tempFile, io.MultiReader(bytes.NewReader(head), bytes.NewReader(entry.Payload)))
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (m *fileManager) Remove(ctx context.Context, store string, key Key) error {
	filePath, err := m.entryPath(store, key)
	if err != nil {
		return err
	}

	unlock := m.lockEntry(store, key)
	defer unlock()

	if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (m *fileManager) Create(ctx context.Context, store string) error {
	dir, err := m.storeDir(store)
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

func (m *fileManager) Has(ctx context.Context, store string) (bool, error) {
	dir, err := m.storeDir(store)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

// Delete 先把目录 rename 到隐藏的回收位置，再递归删除，
// 这样并发读者看到的要么是完整 store，要么是不存在。
func (m *fileManager) Delete(ctx context.Context, store string) (bool, error) {
	dir, err := m.storeDir(store)
	if err != nil {
		return false, err
	}

	trash, err := os.MkdirTemp(m.basePath, ".trash-*")
	if err != nil {
		return false, err
	}
	defer os.RemoveAll(trash)

	if err := os.Rename(dir, filepath.Join(trash, store)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (m *fileManager) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := os.ReadDir(m.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		if !item.IsDir() || strings.HasPrefix(item.Name(), ".") {
			continue
		}
		names = append(names, item.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (m *fileManager) Close() error {
	return nil
}

func (m *fileManager) lockEntry(store string, key Key) func() {
	lockKey := store + "::" + key.ID()
	m.mu.Lock()
	lock := m.locks[lockKey]
	if lock == nil {
		lock = &entryLock{}
		m.locks[lockKey] = lock
	}
	lock.refs++
	m.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		m.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(m.locks, lockKey)
		}
		m.mu.Unlock()
	}
}

func (m *fileManager) storeDir(store string) (string, error) {
	if err := validateStoreName(store); err != nil {
		return "", fmt.Errorf("%w: %q", err, store)
	}
	return filepath.Join(m.basePath, store), nil
}

func (m *fileManager) entryPath(store string, key Key) (string, error) {
	dir, err := m.storeDir(store)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, key.ID()+entrySuffix), nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
