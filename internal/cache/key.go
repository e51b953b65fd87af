package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Key 是归一化后的请求标识（方法 + URL，包含 query）。相同请求总是得到相同的 Key。
type Key struct {
	Method string
	URL    string
}

// NewKey 归一化方法与 URL：方法大写（空值视为 GET），scheme/host 小写，
// 去掉默认端口与 fragment，清理路径但保留末尾斜杠，query 原样保留。
func NewKey(method, rawURL string) (Key, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return Key{}, fmt.Errorf("parse cache key url: %w", err)
	}
	return KeyFromURL(method, parsed), nil
}

// KeyFromRequest 以请求的方法与 URL 构造 Key。
func KeyFromRequest(req *http.Request) Key {
	return KeyFromURL(req.Method, req.URL)
}

// KeyFromURL 与 NewKey 相同，但直接接受已解析的 URL。
func KeyFromURL(method string, u *url.URL) Key {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}

	normalized := url.URL{
		Scheme:   strings.ToLower(u.Scheme),
		Host:     normalizeHost(strings.ToLower(u.Scheme), strings.ToLower(u.Host)),
		Path:     normalizePath(u.Path),
		RawQuery: u.RawQuery,
	}
	return Key{Method: method, URL: normalized.String()}
}

// String 返回 "<METHOD> <url>"，也用作 single-flight 的分组键。
func (k Key) String() string {
	return k.Method + " " + k.URL
}

// ID 返回 Key 的 sha256 十六进制摘要，作为文件名或 bolt 键。
func (k Key) ID() string {
	sum := sha256.Sum256([]byte(k.String()))
	return hex.EncodeToString(sum[:])
}

func normalizeHost(scheme, host string) string {
	switch {
	case scheme == "http" && strings.HasSuffix(host, ":80"):
		return strings.TrimSuffix(host, ":80")
	case scheme == "https" && strings.HasSuffix(host, ":443"):
		return strings.TrimSuffix(host, ":443")
	}
	return host
}

func normalizePath(raw string) string {
	if raw == "" {
		return "/"
	}
	clean := path.Clean("/" + raw)
	if strings.HasSuffix(raw, "/") && clean != "/" {
		clean += "/"
	}
	return clean
}
