package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/any-hub/asset-hub/internal/cache"
	"github.com/any-hub/asset-hub/internal/server"
	"github.com/any-hub/asset-hub/internal/worker"
)

func newFetchCommand(code *int, options func() cliOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "fetch <url>",
		Short: "通过流式 worker 下载资源并输出进度",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			*code = runFetch(ctx, options(), args[0], output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "下载完成后写入的文件路径")
	return cmd
}

// runFetch 使用配置中的上游与读块大小驱动一次 worker 下载，逐行打印进度。
func runFetch(ctx context.Context, opts cliOptions, rawURL, output string) int {
	cfg, logger, ok := loadRuntime(opts.configPath)
	if !ok {
		return 1
	}
	upstream, err := server.NewUpstream(cfg.Global.Upstream)
	if err != nil {
		fmt.Fprintf(stdErr, "解析上游失败: %v\n", err)
		return 1
	}
	w, err := worker.New(worker.Options{
		Client:    server.NewUpstreamClient(cfg),
		Upstream:  upstream,
		ChunkSize: cfg.Worker.ChunkSize,
		BlobTTL:   cfg.Worker.BlobTTL.DurationValue(),
		MaxBlobs:  cfg.Worker.MaxBlobs,
		Logger:    logger,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "初始化 worker 失败: %v\n", err)
		return 1
	}

	code := 1
	for msg := range w.Load(ctx, rawURL) {
		switch m := msg.(type) {
		case worker.Progress:
			if m.TotalBytes > 0 {
				fmt.Fprintf(stdOut, "progress %3d%% %d/%d\n", m.Percent, m.ReceivedBytes, m.TotalBytes)
			} else {
				fmt.Fprintf(stdOut, "progress %d bytes\n", m.ReceivedBytes)
			}
		case worker.Complete:
			code = finishFetch(w, m, output)
		case worker.Error:
			fmt.Fprintf(stdErr, "下载失败: %s\n", m.Message)
		}
	}
	return code
}

func finishFetch(w *worker.Worker, done worker.Complete, output string) int {
	defer w.Blobs().Revoke(done.Handle)
	fmt.Fprintf(stdOut, "complete %s %d bytes\n", done.Handle, done.Size)
	if output == "" {
		return 0
	}
	payload, ok := w.Blobs().Open(done.Handle)
	if !ok {
		fmt.Fprintf(stdErr, "blob %s 不存在\n", done.Handle)
		return 1
	}
	if err := os.WriteFile(output, payload, 0o644); err != nil {
		fmt.Fprintf(stdErr, "写入文件失败: %v\n", err)
		return 1
	}
	return 0
}

func newStoresCommand(code *int, options func() cliOptions) *cobra.Command {
	var clearPermanent bool
	cmd := &cobra.Command{
		Use:   "stores",
		Short: "列出缓存 store，可选清空永久 store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			*code = runStores(cmd.Context(), options(), clearPermanent)
			return nil
		},
	}
	cmd.Flags().BoolVar(&clearPermanent, "clear-permanent", false, "删除永久资源 store")
	return cmd
}

// runStores 直接打开缓存目录，适合在服务停止时检查或清理。
func runStores(ctx context.Context, opts cliOptions, clearPermanent bool) int {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, _, ok := loadRuntime(opts.configPath)
	if !ok {
		return 1
	}
	manager, err := cache.Open(cfg.Global.StoreBackend, cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存失败: %v\n", err)
		return 1
	}
	defer manager.Close()

	if clearPermanent {
		existed, err := manager.Delete(ctx, cfg.Assets.PermanentStore)
		if err != nil {
			fmt.Fprintf(stdErr, "删除 %s 失败: %v\n", cfg.Assets.PermanentStore, err)
			return 1
		}
		fmt.Fprintf(stdOut, "cleared %s existed=%t\n", cfg.Assets.PermanentStore, existed)
	}

	names, err := manager.Names(ctx)
	if err != nil {
		fmt.Fprintf(stdErr, "列出 store 失败: %v\n", err)
		return 1
	}
	active := cfg.AppShell.StoreName()
	for _, name := range names {
		marker := ""
		switch name {
		case active:
			marker = " (app-shell)"
		case cfg.Assets.PermanentStore:
			marker = " (permanent)"
		}
		fmt.Fprintf(stdOut, "%s%s\n", name, marker)
	}
	return 0
}
