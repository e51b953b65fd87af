package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/asset-hub/internal/cache"
	"github.com/any-hub/asset-hub/internal/config"
	"github.com/any-hub/asset-hub/internal/logging"
	"github.com/any-hub/asset-hub/internal/proxy"
	"github.com/any-hub/asset-hub/internal/server"
)

const defaultPrecacheConcurrency = 4

// Options 描述 Controller 的依赖与版本无关的配置。
type Options struct {
	Manager        cache.Manager
	Client         proxy.Fetcher
	Upstream       *server.Upstream
	Prefix         string
	PermanentStore string
	Assets         []string
	SkipWaiting    bool
	SingleFlight   bool
	// Concurrency 限制安装阶段并发回源的数量，<=0 时使用默认值。
	Concurrency int
	Logger      *logrus.Logger
}

// OptionsFromConfig 从配置中提取 Controller 需要的字段。
func OptionsFromConfig(cfg *config.Config, manager cache.Manager, client proxy.Fetcher, upstream *server.Upstream, logger *logrus.Logger) Options {
	return Options{
		Manager:        manager,
		Client:         client,
		Upstream:       upstream,
		Prefix:         cfg.AppShell.Prefix,
		PermanentStore: cfg.Assets.PermanentStore,
		Assets:         append([]string(nil), cfg.Assets.Files...),
		SkipWaiting:    cfg.AppShell.SkipWaiting,
		SingleFlight:   cfg.Global.SingleFlight,
		Logger:         logger,
	}
}

// VersionFromConfig 返回配置中声明的 app-shell 版本。
func VersionFromConfig(cfg *config.Config) Version {
	return Version{
		Token:    cfg.AppShell.Version,
		Manifest: append([]string(nil), cfg.AppShell.Precache...),
	}
}

// release 是一个已安装版本：store 名称与绑定该 store 的 Router。
type release struct {
	version Version
	store   string
	router  *proxy.Router
}

// Controller 驱动 Installing → Waiting → Active → Redundant。写入 store 与激活在 mu 下串行执行，
// 回源预缓存在锁外进行；请求路径通过 atomic.Pointer 无锁读取当前 Router。
type Controller struct {
	opts   Options
	logger *logrus.Entry

	mu         sync.Mutex
	waiting    *release
	states     map[string]State
	installing map[string]struct{}

	active atomic.Pointer[release]
}

// New 校验依赖并构造 Controller，此时还没有任何激活版本。
func New(opts Options) (*Controller, error) {
	if opts.Manager == nil {
		return nil, errors.New("cache manager is required")
	}
	if opts.Client == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Upstream == nil {
		return nil, errors.New("upstream is required")
	}
	if opts.Prefix == "" || opts.PermanentStore == "" {
		return nil, errors.New("store prefix and permanent store are required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultPrecacheConcurrency
	}
	return &Controller{
		opts:   opts,
		logger: logging.Component(opts.Logger, "lifecycle"),
		states:     make(map[string]State),
		installing: make(map[string]struct{}),
	}, nil
}

// Active 返回当前激活版本的 Router，尚未激活任何版本时返回 nil。
func (c *Controller) Active() *proxy.Router {
	if rel := c.active.Load(); rel != nil {
		return rel.router
	}
	return nil
}

// ActiveVersion 返回当前激活版本的 token。
func (c *Controller) ActiveVersion() (string, bool) {
	if rel := c.active.Load(); rel != nil {
		return rel.version.Token, true
	}
	return "", false
}

// PermanentStore 返回永久资源 store 的名称。
func (c *Controller) PermanentStore() string {
	return c.opts.PermanentStore
}

// Register 安装新版本：先回源获取清单中的全部路径，全部成功后才写入新 store。
// 任一路径失败时版本进入 Redundant，不写入任何内容，旧版本与已在等待的版本都保持不变。
// 安装成功后若没有激活版本或开启了 SkipWaiting，立即激活。
// 回源期间不持有 mu，Status 与 SkipWaiting 不会被网络阻塞。
func (c *Controller) Register(ctx context.Context, v Version) (State, error) {
	if err := c.validateToken(v.Token); err != nil {
		return StateRedundant, err
	}
	store := config.ShellStoreName(c.opts.Prefix, v.Token)

	c.mu.Lock()
	if state, done := c.registeredLocked(v.Token); done {
		c.mu.Unlock()
		return state, nil
	}
	if _, busy := c.installing[v.Token]; busy {
		c.mu.Unlock()
		return StateInstalling, fmt.Errorf("%w: %q", ErrInstallInProgress, v.Token)
	}
	c.installing[v.Token] = struct{}{}
	c.states[v.Token] = StateInstalling
	c.mu.Unlock()

	c.logger.WithFields(logging.VersionFields("precache", v.Token, store)).
		WithField("entries", len(v.Manifest)).
		Info("install_started")

	items, err := c.precache(ctx, v.Manifest)

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.installing, v.Token)

	if err != nil {
		return c.failInstall(v, store, err)
	}
	if state, done := c.registeredLocked(v.Token); done {
		return state, nil
	}
	if err := c.install(ctx, store, items); err != nil {
		return c.failInstall(v, store, err)
	}

	router, err := c.newRouter(store)
	if err != nil {
		return c.failInstall(v, store, err)
	}

	if prev := c.waiting; prev != nil && prev.version.Token != v.Token {
		c.states[prev.version.Token] = StateRedundant
	}
	c.waiting = &release{version: v, store: store, router: router}
	c.states[v.Token] = StateWaiting
	c.logger.WithFields(logging.VersionFields("precache", v.Token, store)).Info("install_complete")

	if c.active.Load() == nil || c.opts.SkipWaiting {
		if err := c.activateLocked(ctx); err != nil {
			return StateWaiting, err
		}
		return StateActive, nil
	}
	return StateWaiting, nil
}

// registeredLocked 判断 token 是否已经是激活或等待中的版本，此时 Register 不再重复安装，
// 等待中的版本保持 Waiting，直到 ACTIVATE_NOW。调用方必须持有 mu。
func (c *Controller) registeredLocked(token string) (State, bool) {
	if rel := c.active.Load(); rel != nil && rel.version.Token == token {
		return StateActive, true
	}
	if c.waiting != nil && c.waiting.version.Token == token {
		return StateWaiting, true
	}
	return StateInstalling, false
}

// SkipWaiting 立即激活处于 Waiting 的版本。
func (c *Controller) SkipWaiting(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activateLocked(ctx)
}

// Restore 在启动时接管上一个进程留下的 app-shell store，使旧版本在新版本安装期间继续服务。
// preferred 对应的 store 存在时优先接管它，否则按版本号自然序取最新的一个。
// 已有激活版本或没有可接管的 store 时返回 false。
func (c *Controller) Restore(ctx context.Context, preferred string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active.Load() != nil {
		return false, nil
	}
	names, err := c.opts.Manager.Names(ctx)
	if err != nil {
		return false, fmt.Errorf("list stores: %w", err)
	}

	prefix := c.opts.Prefix + "-"
	var tokens []string
	for _, name := range names {
		if name == c.opts.PermanentStore || !strings.HasPrefix(name, prefix) {
			continue
		}
		if token := strings.TrimPrefix(name, prefix); token != "" {
			tokens = append(tokens, token)
		}
	}
	if len(tokens) == 0 {
		return false, nil
	}
	sort.Slice(tokens, func(i, j int) bool { return versionLess(tokens[i], tokens[j]) })
	token := tokens[len(tokens)-1]
	if preferred != "" && slices.Contains(tokens, preferred) {
		token = preferred
	}
	store := prefix + token

	router, err := c.newRouter(store)
	if err != nil {
		return false, err
	}
	c.active.Store(&release{version: Version{Token: token}, store: store, router: router})
	c.states[token] = StateActive
	c.logger.WithFields(logging.VersionFields("restore", token, store)).Info("version_restored")
	return true, nil
}

// ClearPermanentStore 删除永久资源 store，返回删除前是否存在。
func (c *Controller) ClearPermanentStore(ctx context.Context) (bool, error) {
	existed, err := c.opts.Manager.Delete(ctx, c.opts.PermanentStore)
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", c.opts.PermanentStore, err)
	}
	c.logger.WithFields(logging.VersionFields("clear", "", c.opts.PermanentStore)).
		WithField("existed", existed).
		Info("permanent_store_cleared")
	return existed, nil
}

// Status 是 /-/status 与 CLI 使用的生命周期快照。
type Status struct {
	Active      string            `json:"active,omitempty"`
	ActiveStore string            `json:"active_store,omitempty"`
	Waiting     string            `json:"waiting,omitempty"`
	States      map[string]string `json:"states"`
}

// Status 返回当前快照。
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := Status{States: make(map[string]string, len(c.states))}
	for token, state := range c.states {
		out.States[token] = state.String()
	}
	if rel := c.active.Load(); rel != nil {
		out.Active = rel.version.Token
		out.ActiveStore = rel.store
	}
	if c.waiting != nil {
		out.Waiting = c.waiting.version.Token
	}
	return out
}

// State 返回某个版本 token 的状态。
func (c *Controller) State(token string) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.states[token]
	return state, ok
}

// activateLocked 删除不再认可的 store，然后切换 Router（claim）。调用方必须持有 mu。
func (c *Controller) activateLocked(ctx context.Context) error {
	next := c.waiting
	if next == nil {
		return ErrNoWaitingVersion
	}

	if err := c.cleanup(ctx, next.store); err != nil {
		c.logger.WithError(err).
			WithFields(logging.VersionFields("cleanup", next.version.Token, next.store)).
			Warn("cleanup_failed")
	}

	prev := c.active.Swap(next)
	c.waiting = nil
	c.states[next.version.Token] = StateActive
	if prev != nil && prev.version.Token != next.version.Token {
		c.states[prev.version.Token] = StateRedundant
	}

	fields := logging.VersionFields("activate", next.version.Token, next.store)
	if prev != nil {
		fields["previous"] = prev.version.Token
	}
	c.logger.WithFields(fields).Info("version_activated")
	return nil
}

// cleanup 删除除 keep 与永久 store 之外的全部 store。
func (c *Controller) cleanup(ctx context.Context, keep string) error {
	names, err := c.opts.Manager.Names(ctx)
	if err != nil {
		return fmt.Errorf("list stores: %w", err)
	}
	var errs []error
	for _, name := range names {
		if name == keep || name == c.opts.PermanentStore {
			continue
		}
		if _, err := c.opts.Manager.Delete(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
			continue
		}
		c.logger.WithFields(logging.VersionFields("cleanup", "", name)).Info("store_deleted")
	}
	return errors.Join(errs...)
}

type precached struct {
	key   cache.Key
	entry cache.Entry
}

// precache 并发获取清单中的全部路径；任何一个失败都会取消其余请求。
func (c *Controller) precache(ctx context.Context, manifest []string) ([]precached, error) {
	items := make([]precached, len(manifest))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)
	for i, entryPath := range manifest {
		g.Go(func() error {
			item, err := c.fetchManifestEntry(gctx, entryPath)
			if err != nil {
				return &PrecacheError{Path: entryPath, Err: err}
			}
			items[i] = item
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return items, nil
}

func (c *Controller) fetchManifestEntry(ctx context.Context, entryPath string) (precached, error) {
	target, err := c.opts.Upstream.ResolveReference(entryPath)
	if err != nil {
		return precached{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return precached{}, err
	}
	resp, err := c.opts.Client.Do(req)
	if err != nil {
		return precached{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return precached{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return precached{}, fmt.Errorf("read body: %w", err)
	}

	header := http.Header{}
	server.CopyHeaders(header, resp.Header)
	return precached{
		key: cache.KeyFromURL(http.MethodGet, target),
		entry: cache.Entry{
			Payload: body,
			Header:  header,
			Status:  resp.StatusCode,
		},
	}, nil
}

// install 把预缓存结果写入新 store；写入中途失败时删除整个 store。
func (c *Controller) install(ctx context.Context, store string, items []precached) error {
	if err := c.opts.Manager.Create(ctx, store); err != nil {
		return fmt.Errorf("create %s: %w", store, err)
	}
	for _, item := range items {
		if err := c.opts.Manager.Put(ctx, store, item.key, item.entry); err != nil {
			if _, delErr := c.opts.Manager.Delete(context.WithoutCancel(ctx), store); delErr != nil {
				c.logger.WithError(delErr).WithField("store", store).Warn("install_rollback_failed")
			}
			return fmt.Errorf("write %s: %w", item.key.String(), err)
		}
	}
	return nil
}

// failInstall 把失败的版本标记为 Redundant。调用方必须持有 mu，且 token 不是激活或等待中的版本。
func (c *Controller) failInstall(v Version, store string, err error) (State, error) {
	if c.waiting != nil && c.waiting.version.Token == v.Token {
		c.waiting = nil
	}
	c.states[v.Token] = StateRedundant
	c.logger.WithError(err).
		WithFields(logging.VersionFields("precache", v.Token, store)).
		Error("install_failed")
	return StateRedundant, err
}

func (c *Controller) newRouter(store string) (*proxy.Router, error) {
	return proxy.NewRouter(proxy.Options{
		Client:         c.opts.Client,
		Manager:        c.opts.Manager,
		ShellStore:     store,
		PermanentStore: c.opts.PermanentStore,
		Assets:         c.opts.Assets,
		SingleFlight:   c.opts.SingleFlight,
		Logger:         c.opts.Logger,
	})
}

func (c *Controller) validateToken(token string) error {
	if token == "" || strings.ContainsAny(token, `/\ `) || strings.HasPrefix(token, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidVersion, token)
	}
	if config.ShellStoreName(c.opts.Prefix, token) == c.opts.PermanentStore {
		return fmt.Errorf("%w: %q collides with the permanent store", ErrInvalidVersion, token)
	}
	return nil
}

// versionLess 按自然序比较版本 token：连续数字按数值比较，其余按字符比较，因此 v9 < v10。
func versionLess(a, b string) bool {
	for a != "" && b != "" {
		da, db := leadingDigits(a), leadingDigits(b)
		if da != "" && db != "" {
			na, errA := strconv.ParseUint(da, 10, 64)
			nb, errB := strconv.ParseUint(db, 10, 64)
			if errA == nil && errB == nil && na != nb {
				return na < nb
			}
			if (errA != nil || errB != nil) && da != db {
				if len(da) != len(db) {
					return len(da) < len(db)
				}
				return da < db
			}
			a, b = a[len(da):], b[len(db):]
			continue
		}
		if a[0] != b[0] {
			return a[0] < b[0]
		}
		a, b = a[1:], b[1:]
	}
	return len(a) < len(b)
}

func leadingDigits(s string) string {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return s[:i]
}
