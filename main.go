package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/any-hub/asset-hub/internal/cache"
	"github.com/any-hub/asset-hub/internal/config"
	"github.com/any-hub/asset-hub/internal/control"
	"github.com/any-hub/asset-hub/internal/lifecycle"
	"github.com/any-hub/asset-hub/internal/logging"
	"github.com/any-hub/asset-hub/internal/proxy"
	"github.com/any-hub/asset-hub/internal/server"
	"github.com/any-hub/asset-hub/internal/server/routes"
	"github.com/any-hub/asset-hub/internal/version"
	"github.com/any-hub/asset-hub/internal/worker"
)

const shutdownTimeout = 5 * time.Second

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	os.Exit(execute(os.Args[1:]))
}

// execute 构建 cobra 命令树并返回退出码，参数错误返回 2。
func execute(args []string) int {
	code := 0
	root := newRootCommand(&code)
	root.SetArgs(args)
	root.SetOut(stdOut)
	root.SetErr(stdErr)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(stdErr, err.Error())
		return 2
	}
	return code
}

func newRootCommand(code *int) *cobra.Command {
	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)
	options := func() cliOptions {
		return cliOptions{
			configPath:  resolveConfigPath(configFlag),
			checkOnly:   checkOnly,
			showVersion: showVer,
		}
	}

	root := &cobra.Command{
		Use:           "asset-hub",
		Short:         "缓存代理：app-shell 版本化缓存 + 3D 模型永久缓存",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			*code = run(options())
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 ASSET_HUB_CONFIG 覆盖）")
	root.Flags().BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	root.Flags().BoolVar(&showVer, "version", false, "显示版本信息")

	root.AddCommand(
		&cobra.Command{
			Use:   "check-config",
			Short: "仅校验配置后退出",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				opts := options()
				opts.checkOnly = true
				*code = run(opts)
				return nil
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "显示版本信息",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				printVersion()
				return nil
			},
		},
		newFetchCommand(code, options),
		newStoresCommand(code, options),
	)
	return root
}

// resolveConfigPath 按 flag > ASSET_HUB_CONFIG > config.toml 的优先级确定配置路径。
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("ASSET_HUB_CONFIG"); env != "" {
		return env
	}
	return "config.toml"
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, logger, ok := loadRuntime(opts.configPath)
	if !ok {
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["backend"] = cfg.Global.StoreBackend
		fields["stores"] = cfg.RecognizedStores()
		fields["precache"] = len(cfg.AppShell.Precache)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, opts.configPath, cfg, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

func loadRuntime(configPath string) (*config.Config, *logrus.Logger, bool) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return nil, nil, false
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return nil, nil, false
	}
	return cfg, logger, true
}

// serve 遵循“配置 → 缓存 → 生命周期 → Fiber server”的顺序启动，
// 所有请求共享同一个 cache.Manager 与上游 http.Client。
func serve(ctx context.Context, configPath string, cfg *config.Config, logger *logrus.Logger) error {
	manager, err := cache.Open(cfg.Global.StoreBackend, cfg.Global.StoragePath)
	if err != nil {
		return fmt.Errorf("初始化缓存失败: %w", err)
	}
	defer manager.Close()

	upstream, err := server.NewUpstream(cfg.Global.Upstream)
	if err != nil {
		return err
	}
	httpClient := server.NewUpstreamClient(cfg)

	ctrl, err := lifecycle.New(lifecycle.OptionsFromConfig(cfg, manager, httpClient, upstream, logger))
	if err != nil {
		return err
	}
	if _, err := ctrl.Restore(ctx, cfg.AppShell.Version); err != nil {
		logger.WithError(err).WithFields(logging.BaseFields("restore", configPath)).Warn("restore_failed")
	}
	go registerVersion(ctx, ctrl, lifecycle.VersionFromConfig(cfg), logger)

	watchConfig(ctx, configPath, ctrl, logger)

	w, err := worker.New(worker.Options{
		Client:    httpClient,
		Upstream:  upstream,
		ChunkSize: cfg.Worker.ChunkSize,
		BlobTTL:   cfg.Worker.BlobTTL.DurationValue(),
		MaxBlobs:  cfg.Worker.MaxBlobs,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	channel := control.NewChannel(ctrl, logger, 0)
	go func() {
		_ = channel.Run(ctx)
	}()

	handler := proxy.NewForwarder(proxy.NewHandler(ctrl, upstream, logger), logger)

	fields := logging.BaseFields("startup", configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["backend"] = cfg.Global.StoreBackend
	fields["upstream"] = upstream.Base().String()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	return startHTTPServer(ctx, cfg, manager, ctrl, channel, w, handler, logger)
}

func registerVersion(ctx context.Context, ctrl *lifecycle.Controller, v lifecycle.Version, logger *logrus.Logger) {
	state, err := ctrl.Register(ctx, v)
	fields := logging.VersionFields("register", v.Token, "")
	fields["state"] = state.String()
	switch {
	case errors.Is(err, lifecycle.ErrInstallInProgress):
		// 配置保存一次可能触发多次变更事件。
		logger.WithFields(fields).Info("register_in_progress")
		return
	case err != nil:
		logger.WithError(err).WithFields(fields).Error("register_failed")
		return
	}
	logger.WithFields(fields).Info("register_complete")
}

// watchConfig 在配置文件中的 AppShell.Version 变化时注册新版本。
func watchConfig(ctx context.Context, configPath string, ctrl *lifecycle.Controller, logger *logrus.Logger) {
	err := config.Watch(configPath, func(next *config.Config) {
		v := lifecycle.VersionFromConfig(next)
		if current, ok := ctrl.ActiveVersion(); ok && current == v.Token {
			return
		}
		go registerVersion(ctx, ctrl, v, logger)
	}, func(err error) {
		logger.WithError(err).WithFields(logging.BaseFields("config_reload", configPath)).Warn("config_reload_failed")
	})
	if err != nil {
		logger.WithError(err).WithFields(logging.BaseFields("config_watch", configPath)).Warn("config_watch_disabled")
	}
}

func startHTTPServer(
	ctx context.Context,
	cfg *config.Config,
	manager cache.Manager,
	ctrl *lifecycle.Controller,
	channel *control.Channel,
	w *worker.Worker,
	proxyHandler server.ProxyHandler,
	logger *logrus.Logger,
) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Proxy:      proxyHandler,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterStatusRoutes(app, ctrl, manager, cfg.Global.StoreBackend)
	routes.RegisterControlRoutes(app, channel)
	routes.RegisterWorkerRoutes(app, w)

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(fmt.Sprintf(":%d", port))
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.WithFields(logrus.Fields{"action": "shutdown", "port": port}).Info("Fiber 服务停止")
	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return <-errCh
}
