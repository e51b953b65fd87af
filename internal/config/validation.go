package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	switch g.StoreBackend {
	case BackendFS, BackendBolt:
	default:
		return newFieldError("Global.StoreBackend", "仅支持 fs|bolt")
	}
	if err := validateUpstream(g.Upstream); err != nil {
		return fmt.Errorf("Global.Upstream: %w", err)
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	shell := c.AppShell
	if err := validateStoreSegment(shell.Prefix); err != nil {
		return newFieldError(sectionField("AppShell", "Prefix"), err.Error())
	}
	if err := validateStoreSegment(shell.Version); err != nil {
		return newFieldError(sectionField("AppShell", "Version"), err.Error())
	}
	for i, entry := range shell.Precache {
		if !strings.HasPrefix(entry, "/") {
			return newFieldError(fmt.Sprintf("AppShell.Precache[%d]", i), "必须以 / 开头")
		}
	}

	assets := c.Assets
	if err := validateStoreSegment(assets.PermanentStore); err != nil {
		return newFieldError(sectionField("Assets", "PermanentStore"), err.Error())
	}
	if assets.PermanentStore == shell.StoreName() {
		return newFieldError(sectionField("Assets", "PermanentStore"), "不能与 app-shell store 同名")
	}
	if len(assets.Files) == 0 {
		return newFieldError(sectionField("Assets", "Files"), "至少需要一个文件名")
	}
	for i, file := range assets.Files {
		if file == "" || strings.ContainsAny(file, "/\\") {
			return newFieldError(fmt.Sprintf("Assets.Files[%d]", i), "必须是不含路径的文件名")
		}
	}

	if c.Worker.ChunkSize <= 0 {
		return newFieldError(sectionField("Worker", "ChunkSize"), "必须大于 0")
	}
	if c.Worker.BlobTTL.DurationValue() <= 0 {
		return newFieldError(sectionField("Worker", "BlobTTL"), "必须大于 0")
	}
	if c.Worker.MaxBlobs <= 0 {
		return newFieldError(sectionField("Worker", "MaxBlobs"), "必须大于 0")
	}

	return nil
}

// validateStoreSegment 保证 store 名可以安全地作为目录名或 bucket 名使用。
func validateStoreSegment(value string) error {
	if value == "" {
		return errors.New("不能为空")
	}
	if strings.ContainsAny(value, "/\\ ") {
		return errors.New("不允许包含路径分隔符或空格")
	}
	if strings.HasPrefix(value, ".") {
		return errors.New("不能以 . 开头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
