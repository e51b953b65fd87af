package proxy

import (
	"net/http"
	"path"
	"strings"
)

// Class 是请求分类的结果。
type Class int

const (
	// ClassOther 覆盖 app-shell、静态资源以及其它所有请求。
	ClassOther Class = iota
	// ClassPermanentAsset 表示已知的大体积二进制模型文件。
	ClassPermanentAsset
)

func (c Class) String() string {
	switch c {
	case ClassPermanentAsset:
		return "permanent_asset"
	default:
		return "other"
	}
}

// Classifier 依据请求路径的文件名匹配固定的大文件集合，集合来自配置而非运行时推导。
type Classifier struct {
	files map[string]struct{}
}

// NewClassifier 构造 Classifier；空白文件名会被忽略。
func NewClassifier(files []string) Classifier {
	set := make(map[string]struct{}, len(files))
	for _, file := range files {
		if name := strings.TrimSpace(file); name != "" {
			set[name] = struct{}{}
		}
	}
	return Classifier{files: set}
}

// Classify 返回请求的分类。
func (c Classifier) Classify(req *http.Request) Class {
	if req == nil || req.URL == nil {
		return ClassOther
	}
	return c.ClassifyPath(req.URL.Path)
}

// ClassifyPath 按 URL 路径分类，worker 与诊断端复用。
func (c Classifier) ClassifyPath(urlPath string) Class {
	if urlPath == "" || strings.HasSuffix(urlPath, "/") {
		return ClassOther
	}
	if _, ok := c.files[path.Base(urlPath)]; ok {
		return ClassPermanentAsset
	}
	return ClassOther
}

// Files 返回已配置的文件名，供 /-/status 输出。
func (c Classifier) Files() []string {
	out := make([]string, 0, len(c.files))
	for name := range c.files {
		out = append(out, name)
	}
	return out
}
