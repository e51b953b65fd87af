package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix 是环境变量覆盖的前缀，例如 ASSET_HUB_LISTENPORT。
const EnvPrefix = "ASSET_HUB"

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// Watch 监听配置文件变更；每次变更都会重新解析并校验，成功时回调 onChange，失败时回调 onError。
// 调用方通常借此感知 AppShell.Version 的变化并触发新版本安装。
func Watch(path string, onChange func(*Config), onError func(error)) error {
	v, err := newViper(path)
	if err != nil {
		return err
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("重新加载配置失败 (%s): %w", evt.Name, err))
			}
			return
		}
		if onChange != nil {
			onChange(cfg)
		}
	})
	v.WatchConfig()
	return nil
}

func newViper(path string) (*viper.Viper, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StoreBackend", BackendFS)
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("SingleFlight", false)

	v.SetDefault("AppShell.Prefix", "porsche-models")
	v.SetDefault("AppShell.Version", "v1")
	v.SetDefault("AppShell.SkipWaiting", true)
	v.SetDefault("AppShell.Precache", []string{"/", "/index.html"})

	v.SetDefault("Assets.PermanentStore", "porsche-models-permanent")
	v.SetDefault("Assets.Files", []string{"porsche.glb", "porsche.usdz"})

	v.SetDefault("Worker.ChunkSize", 32*1024)
	v.SetDefault("Worker.BlobTTL", "10m")
	v.SetDefault("Worker.MaxBlobs", 16)
}

func applyDefaults(cfg *Config) {
	g := &cfg.Global
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	g.StoreBackend = strings.ToLower(strings.TrimSpace(g.StoreBackend))
	if g.StoreBackend == "" {
		g.StoreBackend = BackendFS
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	g.Upstream = strings.TrimRight(strings.TrimSpace(g.Upstream), "/")

	cfg.AppShell.Prefix = strings.TrimSpace(cfg.AppShell.Prefix)
	cfg.AppShell.Version = strings.TrimSpace(cfg.AppShell.Version)
	cfg.Assets.PermanentStore = strings.TrimSpace(cfg.Assets.PermanentStore)
	for i, file := range cfg.Assets.Files {
		cfg.Assets.Files[i] = strings.TrimSpace(file)
	}
	if cfg.Worker.ChunkSize == 0 {
		cfg.Worker.ChunkSize = 32 * 1024
	}
	if cfg.Worker.BlobTTL.DurationValue() == 0 {
		cfg.Worker.BlobTTL = Duration(10 * time.Minute)
	}
	if cfg.Worker.MaxBlobs == 0 {
		cfg.Worker.MaxBlobs = 16
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
