package lifecycle

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/asset-hub/internal/cache"
	"github.com/any-hub/asset-hub/internal/logging"
	"github.com/any-hub/asset-hub/internal/server"
)

const (
	testPrefix    = "porsche-models"
	testPermanent = "porsche-models-permanent"
)

func TestRegisterActivatesFirstVersion(t *testing.T) {
	o := newOrigin(t, map[string]string{"/": "shell", "/index.html": "index"})
	ctrl, _ := newController(t, o, false)

	state, err := ctrl.Register(context.Background(), Version{Token: "v1", Manifest: []string{"/", "/index.html"}})
	require.NoError(t, err)
	assert.Equal(t, StateActive, state)

	token, ok := ctrl.ActiveVersion()
	require.True(t, ok)
	assert.Equal(t, "v1", token)
	require.NotNil(t, ctrl.Active())
	assert.Equal(t, "porsche-models-v1", ctrl.Active().ShellStore())
}

func TestActivationKeepsOnlyRecognizedStores(t *testing.T) {
	o := newOrigin(t, map[string]string{"/": "shell"})
	ctrl, manager := newController(t, o, true)
	ctx := context.Background()

	for _, name := range []string{"porsche-models-v0", "legacy-cache", testPermanent} {
		require.NoError(t, manager.Create(ctx, name))
	}
	key, err := cache.NewKey(http.MethodGet, o.srv.URL+"/porsche.glb")
	require.NoError(t, err)
	require.NoError(t, manager.Put(ctx, testPermanent, key, cache.Entry{Payload: []byte("glb"), Status: http.StatusOK}))

	_, err = ctrl.Register(ctx, Version{Token: "v1", Manifest: []string{"/"}})
	require.NoError(t, err)
	_, err = ctrl.Register(ctx, Version{Token: "v2", Manifest: []string{"/"}})
	require.NoError(t, err)

	names, err := manager.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"porsche-models-permanent", "porsche-models-v2"}, names)

	entry, err := manager.Get(ctx, testPermanent, key)
	require.NoError(t, err)
	assert.Equal(t, "glb", string(entry.Payload))

	state, ok := ctrl.State("v1")
	require.True(t, ok)
	assert.Equal(t, StateRedundant, state)
}

func TestInstallFailureKeepsPreviousVersion(t *testing.T) {
	o := newOrigin(t, map[string]string{"/": "shell-v1"})
	ctrl, manager := newController(t, o, true)
	ctx := context.Background()

	_, err := ctrl.Register(ctx, Version{Token: "v1", Manifest: []string{"/"}})
	require.NoError(t, err)

	state, err := ctrl.Register(ctx, Version{Token: "v2", Manifest: []string{"/", "/static/js/missing.js"}})
	require.Error(t, err)
	assert.Equal(t, StateRedundant, state)

	var precacheErr *PrecacheError
	require.True(t, errors.As(err, &precacheErr))
	assert.Equal(t, "/static/js/missing.js", precacheErr.Path)

	token, _ := ctrl.ActiveVersion()
	assert.Equal(t, "v1", token)

	exists, err := manager.Has(ctx, "porsche-models-v2")
	require.NoError(t, err)
	assert.False(t, exists, "failed install must not leave a store behind")

	o.srv.Close()
	req, err := http.NewRequest(http.MethodGet, o.srv.URL+"/", nil)
	require.NoError(t, err)
	resp, err := ctrl.Active().Intercept(ctx, req)
	require.NoError(t, err)
	assert.True(t, resp.CacheHit)
	assert.Equal(t, "shell-v1", string(resp.Body))
	assert.Equal(t, "porsche-models-v1", resp.Store)
}

func TestWaitingVersionActivatesOnSkipWaiting(t *testing.T) {
	o := newOrigin(t, map[string]string{"/": "shell"})
	ctrl, _ := newController(t, o, false)
	ctx := context.Background()

	_, err := ctrl.Register(ctx, Version{Token: "v1", Manifest: []string{"/"}})
	require.NoError(t, err)

	state, err := ctrl.Register(ctx, Version{Token: "v2", Manifest: []string{"/"}})
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, state)

	status := ctrl.Status()
	assert.Equal(t, "v1", status.Active)
	assert.Equal(t, "v2", status.Waiting)

	require.NoError(t, ctrl.SkipWaiting(ctx))
	token, _ := ctrl.ActiveVersion()
	assert.Equal(t, "v2", token)
	assert.Empty(t, ctrl.Status().Waiting)

	assert.ErrorIs(t, ctrl.SkipWaiting(ctx), ErrNoWaitingVersion)
}

func TestStatusAndSkipWaitingDoNotWaitForInstall(t *testing.T) {
	o := newOrigin(t, map[string]string{"/": "shell", "/slow.js": "slow"})
	ctrl, _ := newController(t, o, false)
	ctx := context.Background()

	_, err := ctrl.Register(ctx, Version{Token: "v1", Manifest: []string{"/"}})
	require.NoError(t, err)

	release := o.hold(t, "/slow.js")
	done := make(chan error, 1)
	go func() {
		_, err := ctrl.Register(ctx, Version{Token: "v2", Manifest: []string{"/slow.js"}})
		done <- err
	}()
	o.waitArrival(t, "/slow.js")

	returned := make(chan Status, 1)
	go func() { returned <- ctrl.Status() }()
	select {
	case status := <-returned:
		assert.Equal(t, "v1", status.Active)
		assert.Equal(t, "installing", status.States["v2"])
	case <-time.After(time.Second):
		t.Fatal("Status blocked while v2 waits on the origin")
	}

	skipped := make(chan error, 1)
	go func() { skipped <- ctrl.SkipWaiting(ctx) }()
	select {
	case err := <-skipped:
		assert.ErrorIs(t, err, ErrNoWaitingVersion)
	case <-time.After(time.Second):
		t.Fatal("SkipWaiting blocked while v2 waits on the origin")
	}

	state, err := ctrl.Register(ctx, Version{Token: "v2", Manifest: []string{"/slow.js"}})
	assert.ErrorIs(t, err, ErrInstallInProgress)
	assert.Equal(t, StateInstalling, state)

	release()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("install did not finish after the origin responded")
	}
	assert.Equal(t, "v2", ctrl.Status().Waiting)
	assert.Equal(t, 1, o.hitCount("/slow.js"))
}

func TestFailedInstallKeepsWaitingVersion(t *testing.T) {
	o := newOrigin(t, map[string]string{"/": "shell"})
	ctrl, manager := newController(t, o, false)
	ctx := context.Background()

	_, err := ctrl.Register(ctx, Version{Token: "v1", Manifest: []string{"/"}})
	require.NoError(t, err)
	state, err := ctrl.Register(ctx, Version{Token: "v2", Manifest: []string{"/"}})
	require.NoError(t, err)
	require.Equal(t, StateWaiting, state)

	// 已在等待的版本不会重新安装，也就不会因清单变化被标记为 Redundant。
	state, err = ctrl.Register(ctx, Version{Token: "v2", Manifest: []string{"/", "/b.js"}})
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, state)
	assert.Zero(t, o.hitCount("/b.js"))

	state, err = ctrl.Register(ctx, Version{Token: "v3", Manifest: []string{"/", "/b.js"}})
	require.Error(t, err)
	assert.Equal(t, StateRedundant, state)

	status := ctrl.Status()
	assert.Equal(t, "v2", status.Waiting)
	assert.Equal(t, "waiting", status.States["v2"])
	assert.Equal(t, "redundant", status.States["v3"])

	require.NoError(t, ctrl.SkipWaiting(ctx))
	token, _ := ctrl.ActiveVersion()
	assert.Equal(t, "v2", token)

	exists, err := manager.Has(ctx, "porsche-models-v2")
	require.NoError(t, err)
	assert.True(t, exists)

	req, err := http.NewRequest(http.MethodGet, o.srv.URL+"/", nil)
	require.NoError(t, err)
	o.srv.Close()
	resp, err := ctrl.Active().Intercept(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "shell", string(resp.Body))
	assert.Equal(t, "porsche-models-v2", resp.Store)
}

func TestRegisterSameVersionIsNoop(t *testing.T) {
	o := newOrigin(t, map[string]string{"/": "shell"})
	ctrl, _ := newController(t, o, true)
	ctx := context.Background()

	_, err := ctrl.Register(ctx, Version{Token: "v1", Manifest: []string{"/"}})
	require.NoError(t, err)
	hits := o.hitCount("/")

	state, err := ctrl.Register(ctx, Version{Token: "v1", Manifest: []string{"/"}})
	require.NoError(t, err)
	assert.Equal(t, StateActive, state)
	assert.Equal(t, hits, o.hitCount("/"))
}

func TestRegisterRejectsInvalidToken(t *testing.T) {
	o := newOrigin(t, nil)
	ctrl, _ := newController(t, o, true)

	_, err := ctrl.Register(context.Background(), Version{Token: "../v1"})
	assert.ErrorIs(t, err, ErrInvalidVersion)
	_, err = ctrl.Register(context.Background(), Version{Token: "permanent"})
	assert.ErrorIs(t, err, ErrInvalidVersion)
}

func TestRestoreAdoptsExistingShellStore(t *testing.T) {
	o := newOrigin(t, map[string]string{"/": "shell"})
	ctrl, manager := newController(t, o, true)
	ctx := context.Background()

	require.NoError(t, manager.Create(ctx, testPermanent))
	require.NoError(t, manager.Create(ctx, "porsche-models-v3"))

	restored, err := ctrl.Restore(ctx, "")
	require.NoError(t, err)
	require.True(t, restored)

	token, ok := ctrl.ActiveVersion()
	require.True(t, ok)
	assert.Equal(t, "v3", token)

	again, err := ctrl.Restore(ctx, "")
	require.NoError(t, err)
	assert.False(t, again)
}

func TestRestoreOrdersVersionsNaturally(t *testing.T) {
	o := newOrigin(t, nil)
	ctx := context.Background()

	ctrl, manager := newController(t, o, true)
	for _, name := range []string{"porsche-models-v9", "porsche-models-v10", testPermanent} {
		require.NoError(t, manager.Create(ctx, name))
	}
	restored, err := ctrl.Restore(ctx, "")
	require.NoError(t, err)
	require.True(t, restored)
	token, _ := ctrl.ActiveVersion()
	assert.Equal(t, "v10", token)
}

func TestRestorePrefersConfiguredVersion(t *testing.T) {
	o := newOrigin(t, nil)
	ctx := context.Background()

	ctrl, manager := newController(t, o, true)
	for _, name := range []string{"porsche-models-v9", "porsche-models-v10"} {
		require.NoError(t, manager.Create(ctx, name))
	}
	restored, err := ctrl.Restore(ctx, "v9")
	require.NoError(t, err)
	require.True(t, restored)
	token, _ := ctrl.ActiveVersion()
	assert.Equal(t, "v9", token)
	assert.Equal(t, "porsche-models-v9", ctrl.Active().ShellStore())

	state, err := ctrl.Register(ctx, Version{Token: "v9", Manifest: []string{"/"}})
	require.NoError(t, err)
	assert.Equal(t, StateActive, state)
}

func TestVersionLess(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"v9", "v10", true},
		{"v10", "v9", false},
		{"v1", "v1", false},
		{"1.2.10", "1.10.0", true},
		{"2024-01-09", "2024-01-10", true},
		{"v1", "v1-hotfix", true},
		{"alpha", "beta", true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, versionLess(tc.a, tc.b), "%s < %s", tc.a, tc.b)
	}
}

func TestRestoreWithoutStores(t *testing.T) {
	o := newOrigin(t, nil)
	ctrl, _ := newController(t, o, true)

	restored, err := ctrl.Restore(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, restored)
	assert.Nil(t, ctrl.Active())
}

func TestClearPermanentStore(t *testing.T) {
	o := newOrigin(t, nil)
	ctrl, manager := newController(t, o, true)
	ctx := context.Background()

	require.NoError(t, manager.Create(ctx, testPermanent))
	existed, err := ctrl.ClearPermanentStore(ctx)
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = ctrl.ClearPermanentStore(ctx)
	require.NoError(t, err)
	assert.False(t, existed)
}

func newController(t *testing.T, o *origin, skipWaiting bool) (*Controller, cache.Manager) {
	t.Helper()
	manager, err := cache.NewFileManager(t.TempDir())
	require.NoError(t, err)
	upstream, err := server.NewUpstream(o.srv.URL)
	require.NoError(t, err)

	ctrl, err := New(Options{
		Manager:        manager,
		Client:         o.srv.Client(),
		Upstream:       upstream,
		Prefix:         testPrefix,
		PermanentStore: testPermanent,
		Assets:         []string{"porsche.glb", "porsche.usdz"},
		SkipWaiting:    skipWaiting,
		Logger:         logging.Discard(),
	})
	require.NoError(t, err)
	return ctrl, manager
}

// origin 是按路径返回固定正文的上游；hold 可以让某个路径挂起直到释放。
type origin struct {
	srv *httptest.Server

	mu      sync.Mutex
	bodies  map[string]string
	hits    map[string]int
	gates   map[string]chan struct{}
	arrived chan string
}

func newOrigin(t *testing.T, bodies map[string]string) *origin {
	t.Helper()
	o := &origin{
		bodies:  bodies,
		hits:    make(map[string]int),
		gates:   make(map[string]chan struct{}),
		arrived: make(chan string, 16),
	}
	o.srv = httptest.NewServer(http.HandlerFunc(o.serve))
	t.Cleanup(o.srv.Close)
	return o
}

func (o *origin) serve(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	o.hits[r.URL.Path]++
	body, ok := o.bodies[r.URL.Path]
	gate := o.gates[r.URL.Path]
	o.mu.Unlock()

	if gate != nil {
		select {
		case o.arrived <- r.URL.Path:
		default:
		}
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	_, _ = io.WriteString(w, body)
}

// hold 让 path 的请求挂起，返回的函数放行全部挂起的请求；测试结束时自动放行。
func (o *origin) hold(t *testing.T, path string) func() {
	t.Helper()
	gate := make(chan struct{})
	o.mu.Lock()
	o.gates[path] = gate
	o.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.gates, path)
			o.mu.Unlock()
			close(gate)
		})
	}
	t.Cleanup(release)
	return release
}

func (o *origin) waitArrival(t *testing.T, path string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case got := <-o.arrived:
			if got == path {
				return
			}
		case <-deadline:
			t.Fatalf("request for %s never reached the origin", path)
		}
	}
}

func (o *origin) hitCount(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}
