package cache

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type managerFactory func(t *testing.T, dir string) Manager

var backends = map[string]managerFactory{
	"fs": func(t *testing.T, dir string) Manager {
		t.Helper()
		m, err := NewFileManager(dir)
		if err != nil {
			t.Fatalf("failed to create fs manager: %v", err)
		}
		return m
	},
	"bolt": func(t *testing.T, dir string) Manager {
		t.Helper()
		m, err := NewBoltManager(dir)
		if err != nil {
			t.Fatalf("failed to create bolt manager: %v", err)
		}
		t.Cleanup(func() { _ = m.Close() })
		return m
	},
}

func forEachBackend(t *testing.T, fn func(t *testing.T, m Manager)) {
	for name, factory := range backends {
		factory := factory
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t, t.TempDir()))
		})
	}
}

func mustKey(t *testing.T, rawURL string) Key {
	t.Helper()
	key, err := NewKey(http.MethodGet, rawURL)
	if err != nil {
		t.Fatalf("key error: %v", err)
	}
	return key
}

func TestManagerPutAndGet(t *testing.T) {
	forEachBackend(t, func(t *testing.T, m Manager) {
		key := mustKey(t, "http://origin.local/models/porsche.glb")
		storedAt := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
		header := http.Header{"Content-Type": []string{"model/gltf-binary"}}

		err := m.Put(context.Background(), "porsche-models-permanent", key, Entry{
			Payload:  []byte("glb-bytes"),
			Header:   header,
			Status:   http.StatusOK,
			StoredAt: storedAt,
		})
		if err != nil {
			t.Fatalf("put error: %v", err)
		}

		entry, err := m.Get(context.Background(), "porsche-models-permanent", key)
		if err != nil {
			t.Fatalf("get error: %v", err)
		}
		if string(entry.Payload) != "glb-bytes" {
			t.Fatalf("cached payload mismatch: %s", string(entry.Payload))
		}
		if entry.Status != http.StatusOK {
			t.Fatalf("status mismatch: %d", entry.Status)
		}
		if entry.Header.Get("Content-Type") != "model/gltf-binary" {
			t.Fatalf("header mismatch: %v", entry.Header)
		}
		if !entry.StoredAt.Equal(storedAt) {
			t.Fatalf("storedAt mismatch: expected %v got %v", storedAt, entry.StoredAt)
		}
	})
}

func TestManagerPutReplacesEntry(t *testing.T) {
	forEachBackend(t, func(t *testing.T, m Manager) {
		key := mustKey(t, "http://origin.local/index.html")
		ctx := context.Background()
		if err := m.Put(ctx, "shell-v1", key, Entry{Payload: []byte("old"), Status: 200, Header: http.Header{"X-Old": {"1"}}}); err != nil {
			t.Fatalf("put error: %v", err)
		}
		if err := m.Put(ctx, "shell-v1", key, Entry{Payload: []byte("new"), Status: 200}); err != nil {
			t.Fatalf("put error: %v", err)
		}
		entry, err := m.Get(ctx, "shell-v1", key)
		if err != nil {
			t.Fatalf("get error: %v", err)
		}
		if string(entry.Payload) != "new" {
			t.Fatalf("expected replaced payload, got %s", entry.Payload)
		}
		if entry.Header.Get("X-Old") != "" {
			t.Fatalf("headers should be replaced wholesale, got %v", entry.Header)
		}
		if entry.StoredAt.IsZero() {
			t.Fatalf("StoredAt should default to now")
		}
	})
}

func TestManagerGetMissing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, m Manager) {
		ctx := context.Background()
		key := mustKey(t, "http://origin.local/missing")
		if _, err := m.Get(ctx, "absent", key); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound for missing store, got %v", err)
		}
		if err := m.Create(ctx, "present"); err != nil {
			t.Fatalf("create error: %v", err)
		}
		if _, err := m.Get(ctx, "present", key); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound for missing entry, got %v", err)
		}
	})
}

func TestManagerRemove(t *testing.T) {
	forEachBackend(t, func(t *testing.T, m Manager) {
		ctx := context.Background()
		key := mustKey(t, "http://origin.local/cache/remove")
		if err := m.Put(ctx, "shell-v1", key, Entry{Payload: []byte("data"), Status: 200}); err != nil {
			t.Fatalf("put error: %v", err)
		}
		if err := m.Remove(ctx, "shell-v1", key); err != nil {
			t.Fatalf("remove error: %v", err)
		}
		if _, err := m.Get(ctx, "shell-v1", key); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected not found after remove, got %v", err)
		}
		if err := m.Remove(ctx, "shell-v1", key); err != nil {
			t.Fatalf("removing a missing entry should not fail: %v", err)
		}
	})
}

func TestManagerNamesAndDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, m Manager) {
		ctx := context.Background()
		key := mustKey(t, "http://origin.local/")
		for _, name := range []string{"shell-v2", "permanent", "shell-v1"} {
			if err := m.Put(ctx, name, key, Entry{Payload: []byte(name), Status: 200}); err != nil {
				t.Fatalf("put error: %v", err)
			}
		}

		names, err := m.Names(ctx)
		if err != nil {
			t.Fatalf("names error: %v", err)
		}
		if len(names) != 3 || names[0] != "permanent" || names[1] != "shell-v1" || names[2] != "shell-v2" {
			t.Fatalf("unexpected names: %v", names)
		}

		existed, err := m.Delete(ctx, "shell-v1")
		if err != nil || !existed {
			t.Fatalf("delete should report existing store, existed=%v err=%v", existed, err)
		}
		existed, err = m.Delete(ctx, "shell-v1")
		if err != nil || existed {
			t.Fatalf("second delete should be a no-op, existed=%v err=%v", existed, err)
		}
		if ok, _ := m.Has(ctx, "shell-v1"); ok {
			t.Fatalf("deleted store should be gone")
		}
		if _, err := m.Get(ctx, "shell-v1", key); !errors.Is(err, ErrNotFound) {
			t.Fatalf("entries of a deleted store should be gone, got %v", err)
		}

		names, _ = m.Names(ctx)
		if len(names) != 2 {
			t.Fatalf("expected two remaining stores, got %v", names)
		}
	})
}

func TestManagerRejectsInvalidStoreName(t *testing.T) {
	forEachBackend(t, func(t *testing.T, m Manager) {
		key := mustKey(t, "http://origin.local/")
		err := m.Put(context.Background(), "../escape", key, Entry{Status: 200})
		if !errors.Is(err, ErrInvalidStoreName) {
			t.Fatalf("expected ErrInvalidStoreName, got %v", err)
		}
	})
}

func TestFileManagerIgnoresDirectories(t *testing.T) {
	dir := t.TempDir()
	manager, err := NewFileManager(dir)
	if err != nil {
		t.Fatalf("manager error: %v", err)
	}
	fm := manager.(*fileManager)
	key := mustKey(t, "http://origin.local/v2")

	filePath, err := fm.entryPath("shell-v1", key)
	if err != nil {
		t.Fatalf("path error: %v", err)
	}
	if err := os.MkdirAll(filePath, 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}

	if _, err := manager.Get(context.Background(), "shell-v1", key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for directory, got %v", err)
	}
}

func TestFileManagerCleansUpCanceledWrite(t *testing.T) {
	dir := t.TempDir()
	manager, err := NewFileManager(dir)
	if err != nil {
		t.Fatalf("manager error: %v", err)
	}
	key := mustKey(t, "http://origin.local/models/porsche.glb")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := manager.Put(ctx, "permanent", key, Entry{Payload: []byte("partial"), Status: 200}); err == nil {
		t.Fatalf("expected error from canceled write")
	}

	target := filepath.Join(dir, "permanent", key.ID()+entrySuffix)
	if _, err := os.Stat(target); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected no final file, got err=%v", err)
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "permanent", ".cache-*"))
	if len(matches) != 0 {
		t.Fatalf("temporary files should be cleaned up, found %v", matches)
	}
}

func TestFileManagerNamesSkipHiddenDirs(t *testing.T) {
	dir := t.TempDir()
	manager, err := NewFileManager(dir)
	if err != nil {
		t.Fatalf("manager error: %v", err)
	}
	if err := os.Mkdir(filepath.Join(dir, ".trash-leftover"), 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}
	names, err := manager.Names(context.Background())
	if err != nil {
		t.Fatalf("names error: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("hidden directories must not be listed, got %v", names)
	}
}

func TestOpenSelectsBackend(t *testing.T) {
	m, err := Open("bolt", t.TempDir())
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	defer m.Close()
	if _, ok := m.(*boltManager); !ok {
		t.Fatalf("expected bolt manager, got %T", m)
	}
	if _, err := Open("redis", t.TempDir()); err == nil {
		t.Fatalf("unsupported backend should fail")
	}
}

func TestNamedRequiresManager(t *testing.T) {
	var named Named
	if named.Enabled() {
		t.Fatalf("zero Named should be disabled")
	}
	if _, err := named.Get(context.Background(), Key{}); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}	if err := named.Remove(context.Background(), Key{}); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable from Remove, got %v", err)
	}
}
