package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/asset-hub/internal/cache"
	"github.com/any-hub/asset-hub/internal/logging"
	"github.com/any-hub/asset-hub/internal/server"
)

var (
	// ErrNetwork 表示回源请求直接失败（连接错误、读取正文失败等）。
	ErrNetwork = errors.New("network request failed")
	// ErrNotCached 表示回源失败且 app-shell store 中也没有对应条目。
	ErrNotCached = errors.New("request not cached")
)

// Fetcher 执行真正的网络请求，*http.Client 即满足该接口。
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// Response 是 Router 的输出：完整正文 + 过滤后的响应头。
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	CacheHit bool
	Class    Class
	Strategy Strategy
	// Store 记录命中或写入的 store，未触及缓存时为空。
	Store string
}

// Options 描述构造 Router 所需的依赖。
type Options struct {
	Client         Fetcher
	Manager        cache.Manager
	ShellStore     string
	PermanentStore string
	Assets         []string
	Policy         PolicyTable
	SingleFlight   bool
	Logger         *logrus.Logger
}

// Router 拦截每一个资源请求，分类后按策略读写 store。每个请求独立执行，
// 除 store 之外没有共享的可变状态。
type Router struct {
	client     Fetcher
	classifier Classifier
	policy     PolicyTable
	shell      cache.Named
	permanent  cache.Named
	flights    *singleflight.Group
	logger     *logrus.Entry
}

// NewRouter 构造绑定到某个 app-shell 版本的 Router。
func NewRouter(opts Options) (*Router, error) {
	if opts.Client == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Manager == nil {
		return nil, errors.New("cache manager is required")
	}
	if opts.ShellStore == "" || opts.PermanentStore == "" {
		return nil, errors.New("store names are required")
	}
	policy := opts.Policy
	if policy == nil {
		policy = DefaultPolicy()
	}

	r := &Router{
		client:     opts.Client,
		classifier: NewClassifier(opts.Assets),
		policy:     policy,
		shell:      cache.Bind(opts.Manager, opts.ShellStore),
		permanent:  cache.Bind(opts.Manager, opts.PermanentStore),
		logger:     logging.Component(opts.Logger, "router"),
	}
	if opts.SingleFlight {
		r.flights = &singleflight.Group{}
	}
	return r, nil
}

// ShellStore 返回当前 Router 绑定的 app-shell store。
func (r *Router) ShellStore() string {
	return r.shell.Name()
}

// Classifier 返回分类器，供 worker 路由与诊断端复用。
func (r *Router) Classifier() Classifier {
	return r.classifier
}

// Intercept 对请求分类并执行对应策略。返回值要么是可以直接响应的 Response，
// 要么是包装了 ErrNetwork/ErrNotCached 的错误，Router 自身从不因单个请求失败而停止。
func (r *Router) Intercept(ctx context.Context, req *http.Request) (*Response, error) {
	class := r.classifier.Classify(req)
	strategy := r.policy.Lookup(class)

	if req.Method != http.MethodGet {
		resp, err := r.fetch(ctx, req)
		if err != nil {
			return nil, err
		}
		resp.Class = class
		resp.Strategy = strategy
		return resp, nil
	}

	key := cache.KeyFromRequest(req)
	var (
		resp *Response
		err  error
	)
	switch strategy {
	case StrategyCacheFirstPermanent:
		resp, err = r.cacheFirst(ctx, req, key)
	default:
		resp, err = r.networkFirst(ctx, req, key)
	}
	if err != nil {
		return nil, err
	}
	resp.Class = class
	resp.Strategy = strategy
	return resp, nil
}

func (r *Router) cacheFirst(ctx context.Context, req *http.Request, key cache.Key) (*Response, error) {
	entry, err := r.permanent.Get(ctx, key)
	switch {
	case err == nil:
		return fromEntry(entry, r.permanent.Name()), nil
	case errors.Is(err, cache.ErrNotFound):
	case errors.Is(err, cache.ErrCorruptEntry):
		r.evict(ctx, r.permanent, key, err)
	default:
		r.logger.WithError(err).WithField("store", r.permanent.Name()).Warn("cache_get_failed")
	}

	if r.flights == nil {
		return r.fetchAndStore(ctx, req, key)
	}

	// 同一 key 的并发冷启动只发起一次回源，其余调用方共享结果。
	value, err, _ := r.flights.Do(key.String(), func() (interface{}, error) {
		return r.fetchAndStore(context.WithoutCancel(ctx), req, key)
	})
	if err != nil {
		return nil, err
	}
	return value.(*Response).clone(), nil
}

// fetchAndStore 回源并在返回之前写入永久 store；写入失败只记录日志，响应照常返回。
func (r *Router) fetchAndStore(ctx context.Context, req *http.Request, key cache.Key) (*Response, error) {
	resp, err := r.fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Status != http.StatusOK {
		return resp, nil
	}
	if err := r.permanent.Put(ctx, key, resp.toEntry()); err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"store": r.permanent.Name(),
			"key":   key.String(),
		}).Warn("cache_write_failed")
		return resp, nil
	}
	resp.Store = r.permanent.Name()
	return resp, nil
}

func (r *Router) networkFirst(ctx context.Context, req *http.Request, key cache.Key) (*Response, error) {
	resp, fetchErr := r.fetch(ctx, req)
	if fetchErr == nil {
		if resp.Status == http.StatusOK {
			if err := r.shell.Put(ctx, key, resp.toEntry()); err != nil {
				r.logger.WithError(err).WithFields(logrus.Fields{
					"store": r.shell.Name(),
					"key":   key.String(),
				}).Warn("cache_write_failed")
			} else {
				resp.Store = r.shell.Name()
			}
		}
		return resp, nil
	}

	entry, err := r.shell.Get(ctx, key)
	if err != nil {
		switch {
		case errors.Is(err, cache.ErrNotFound):
		case errors.Is(err, cache.ErrCorruptEntry):
			r.evict(ctx, r.shell, key, err)
		default:
			r.logger.WithError(err).WithField("store", r.shell.Name()).Warn("cache_get_failed")
		}
		return nil, fmt.Errorf("%w: %s (%v)", ErrNotCached, key.String(), fetchErr)
	}
	return fromEntry(entry, r.shell.Name()), nil
}

// evict 删除无法解析的条目，之后同一 key 按未命中处理。
func (r *Router) evict(ctx context.Context, store cache.Named, key cache.Key, cause error) {
	fields := logrus.Fields{"store": store.Name(), "key": key.String()}
	if err := store.Remove(ctx, key); err != nil {
		r.logger.WithError(err).WithFields(fields).Warn("cache_evict_failed")
		return
	}
	r.logger.WithError(cause).WithFields(fields).Warn("cache_entry_evicted")
}

// fetch 执行网络请求并完整读取正文；任何传输层错误都包装为 ErrNetwork。
func (r *Router) fetch(ctx context.Context, req *http.Request) (*Response, error) {
	resp, err := r.client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrNetwork, err)
	}

	header := http.Header{}
	server.CopyHeaders(header, resp.Header)
	return &Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   body,
	}, nil
}

func (resp *Response) toEntry() cache.Entry {
	return cache.Entry{
		Payload:  resp.Body,
		Header:   resp.Header.Clone(),
		Status:   resp.Status,
		StoredAt: time.Now().UTC(),
	}
}

func (resp *Response) clone() *Response {
	cloned := *resp
	cloned.Header = resp.Header.Clone()
	return &cloned
}

func fromEntry(entry *cache.Entry, store string) *Response {
	return &Response{
		Status:   entry.Status,
		Header:   entry.Header.Clone(),
		Body:     entry.Payload,
		CacheHit: true,
		Store:    store,
	}
}
