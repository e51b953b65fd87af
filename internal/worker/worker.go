package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/asset-hub/internal/logging"
	"github.com/any-hub/asset-hub/internal/proxy"
	"github.com/any-hub/asset-hub/internal/server"
)

const defaultChunkSize = 32 * 1024

// ErrStreamingUnsupported 表示响应没有可逐块读取的正文。
var ErrStreamingUnsupported = errors.New("streaming not supported")

// Options 描述 Worker 的依赖。
type Options struct {
	Client proxy.Fetcher
	// Upstream 非空时相对 URL 会解析到上游根地址。
	Upstream  *server.Upstream
	// Blobs 为空时按 BlobTTL/MaxBlobs 创建私有的 registry。
	Blobs     *Blobs
	ChunkSize int
	BlobTTL   time.Duration
	MaxBlobs  int
	Logger    *logrus.Logger
}

// Worker 执行流式下载，每次 Load 使用独立的 goroutine。
type Worker struct {
	client    proxy.Fetcher
	upstream  *server.Upstream
	blobs     *Blobs
	chunkSize int
	logger    *logrus.Entry
}

// New 构造 Worker，Blobs 为空时创建私有的 registry。
func New(opts Options) (*Worker, error) {
	if opts.Client == nil {
		return nil, errors.New("fetcher is required")
	}
	blobs := opts.Blobs
	if blobs == nil {
		blobs = NewBlobs(opts.BlobTTL, opts.MaxBlobs)
	}
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	return &Worker{
		client:    opts.Client,
		upstream:  opts.Upstream,
		blobs:     blobs,
		chunkSize: chunkSize,
		logger:    logging.Component(opts.Logger, "worker"),
	}, nil
}

// Blobs 返回 Worker 使用的 registry。
func (w *Worker) Blobs() *Blobs {
	return w.blobs
}

// Load 启动一次下载并返回消息通道。通道上依次出现若干 Progress，最后是一条 Complete 或 Error，
// 随后通道关闭。调用方必须读到通道关闭为止；取消 ctx 会以 Error 结束下载。
func (w *Worker) Load(ctx context.Context, rawURL string) <-chan Message {
	out := make(chan Message, 1)
	go func() {
		defer close(out)
		w.run(ctx, rawURL, out)
	}()
	return out
}

// task 是单次下载的内部状态。
type task struct {
	url      string
	total    int64
	received int64
	chunks   [][]byte
}

func (w *Worker) run(ctx context.Context, rawURL string, out chan<- Message) {
	started := time.Now()
	t := &task{url: rawURL}

	payload, err := w.download(ctx, t, out)
	fields := logrus.Fields{
		"action":     "worker",
		"url":        t.url,
		"received":   t.received,
		"total":      t.total,
		"elapsed_ms": time.Since(started).Milliseconds(),
	}
	if err != nil {
		w.logger.WithFields(fields).WithError(err).Warn("download_failed")
		out <- Error{Message: err.Error()}
		return
	}

	handle := w.blobs.Put(payload)
	fields["handle"] = handle
	w.logger.WithFields(fields).Info("download_complete")
	out <- Complete{Handle: handle, Size: int64(len(payload))}
}

func (w *Worker) download(ctx context.Context, t *task, out chan<- Message) ([]byte, error) {
	target, err := w.resolve(t.url)
	if err != nil {
		return nil, err
	}
	t.url = target.String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.Body == nil {
		return nil, ErrStreamingUnsupported
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if resp.ContentLength > 0 {
		t.total = resp.ContentLength
	}

	buf := make([]byte, w.chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			t.chunks = append(t.chunks, append([]byte(nil), buf[:n]...))
			t.received += int64(n)
			select {
			case out <- t.progress():
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return nil, readErr
		}
	}
	return bytes.Join(t.chunks, nil), nil
}

func (w *Worker) resolve(raw string) (*url.URL, error) {
	if w.upstream != nil {
		return w.upstream.ResolveReference(raw)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if !parsed.IsAbs() {
		return nil, fmt.Errorf("relative url without upstream: %q", raw)
	}
	return parsed, nil
}

func (t *task) progress() Progress {
	return Progress{
		Percent:       Percent(t.received, t.total),
		ReceivedBytes: t.received,
		TotalBytes:    t.total,
	}
}

// Percent 返回四舍五入的完成百分比；total 未知时为 0，结果不超过 100。
func Percent(received, total int64) int {
	if total <= 0 {
		return 0
	}
	p := int(math.Round(float64(received) * 100 / float64(total)))
	if p > 100 {
		return 100
	}
	return p
}
