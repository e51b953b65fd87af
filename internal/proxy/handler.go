package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/asset-hub/internal/logging"
	"github.com/any-hub/asset-hub/internal/server"
)

// Source 提供当前处于 Active 状态的 Router；尚无激活版本时返回 nil。
type Source interface {
	Active() *Router
}

// Handler 把 Fiber 请求转换为 http.Request 交给当前 Router，再把 Response 写回客户端。
type Handler struct {
	source   Source
	upstream *server.Upstream
	logger   *logrus.Logger
}

// NewHandler 构造 Handler，source 与 upstream 均不能为空。
func NewHandler(source Source, upstream *server.Upstream, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		source:   source,
		upstream: upstream,
		logger:   logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)

	router := h.source.Active()
	if router == nil {
		h.logFailure(c, requestID, started, errNoActiveVersion)
		return writeError(c, fiber.StatusServiceUnavailable, "no_active_version")
	}

	req, err := h.buildUpstreamRequest(c)
	if err != nil {
		h.logFailure(c, requestID, started, err)
		return writeError(c, fiber.StatusBadRequest, "invalid_request")
	}

	resp, err := router.Intercept(requestContext(c), req)
	if err != nil {
		h.logFailure(c, requestID, started, err)
		switch {
		case errors.Is(err, ErrNotCached):
			return writeError(c, fiber.StatusBadGateway, "not_cached")
		case errors.Is(err, ErrNetwork):
			return writeError(c, fiber.StatusBadGateway, "upstream_failed")
		default:
			return writeError(c, fiber.StatusInternalServerError, "proxy_failed")
		}
	}

	writeResponse(c, resp)
	h.logResult(c, requestID, resp, started)
	return nil
}

var errNoActiveVersion = errors.New("no active app-shell version")

func (h *Handler) buildUpstreamRequest(c fiber.Ctx) (*http.Request, error) {
	uri := c.Request().URI()
	target := h.upstream.Resolve(string(uri.Path()), string(uri.QueryString()))

	var body io.Reader = http.NoBody
	if raw := c.Body(); len(raw) > 0 {
		body = bytes.NewReader(append([]byte(nil), raw...))
	}

	req, err := http.NewRequestWithContext(requestContext(c), c.Method(), target.String(), body)
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	// 由 Transport 处理压缩，缓存中只保存解码后的正文。
	req.Header.Del("Accept-Encoding")
	req.Header.Del("Host")
	req.Host = target.Host
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Scheme())
	return req, nil
}

func requestContext(c fiber.Ctx) context.Context {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func writeResponse(c fiber.Ctx, resp *Response) {
	for key, values := range resp.Header {
		if server.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == "Content-Length" {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
	c.Set("X-Asset-Hub-Cache-Hit", strconv.FormatBool(resp.CacheHit))
	c.Set("X-Asset-Hub-Strategy", resp.Strategy.String())
	if resp.Store != "" {
		c.Set("X-Asset-Hub-Store", resp.Store)
	}
	c.Status(resp.Status)
	if c.Method() == http.MethodHead {
		return
	}
	c.Response().SetBody(resp.Body)
}

func writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(c fiber.Ctx, requestID string, resp *Response, started time.Time) {
	fields := logging.RequestFields(resp.Store, resp.Strategy.String(), resp.Class.String(), resp.CacheHit)
	fields["action"] = "proxy"
	fields["method"] = c.Method()
	fields["path"] = c.Path()
	fields["status"] = resp.Status
	fields["bytes"] = len(resp.Body)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func (h *Handler) logFailure(c fiber.Ctx, requestID string, started time.Time, err error) {
	fields := logrus.Fields{
		"action":     "proxy",
		"method":     c.Method(),
		"path":       c.Path(),
		"elapsed_ms": time.Since(started).Milliseconds(),
		"error":      err.Error(),
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	h.logger.WithFields(fields).Error("proxy_failed")
}
