package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 支持的缓存后端。
const (
	BackendFS   = "fs"
	BackendBolt = "bolt"
)

// GlobalConfig 描述全局运行时行为：监听端口、日志、缓存目录与上游。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	StoreBackend    string   `mapstructure:"StoreBackend"`
	Upstream        string   `mapstructure:"Upstream"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	SingleFlight    bool     `mapstructure:"SingleFlight"`
}

// AppShellConfig 描述带版本号的 app-shell store 以及安装阶段的预缓存清单。
type AppShellConfig struct {
	Prefix      string   `mapstructure:"Prefix"`
	Version     string   `mapstructure:"Version"`
	SkipWaiting bool     `mapstructure:"SkipWaiting"`
	Precache    []string `mapstructure:"Precache"`
}

// StoreName 返回当前版本的 app-shell store 名称，例如 porsche-models-v1。
func (a AppShellConfig) StoreName() string {
	return ShellStoreName(a.Prefix, a.Version)
}

// ShellStoreName 拼接 prefix 与版本 token。
func ShellStoreName(prefix, version string) string {
	return prefix + "-" + version
}

// AssetConfig 决定哪些大文件走永久缓存。
type AssetConfig struct {
	PermanentStore string   `mapstructure:"PermanentStore"`
	Files          []string `mapstructure:"Files"`
}

// WorkerConfig 控制流式下载 worker 的读块大小与 blob 句柄的保留策略。
type WorkerConfig struct {
	ChunkSize int `mapstructure:"ChunkSize"`
	// BlobTTL 是未撤销句柄的最长保留时间。
	BlobTTL Duration `mapstructure:"BlobTTL"`
	// MaxBlobs 超出时淘汰最早登记的句柄。
	MaxBlobs int `mapstructure:"MaxBlobs"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global   GlobalConfig   `mapstructure:",squash"`
	AppShell AppShellConfig `mapstructure:"AppShell"`
	Assets   AssetConfig    `mapstructure:"Assets"`
	Worker   WorkerConfig   `mapstructure:"Worker"`
}

// RecognizedStores 返回当前版本认可的 store 名称集合，激活清理时只保留这些 store。
func (c *Config) RecognizedStores() []string {
	return []string{c.AppShell.StoreName(), c.Assets.PermanentStore}
}
