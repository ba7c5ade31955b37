package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"ExtensionHost/internal/api"
	"ExtensionHost/internal/config"
	"ExtensionHost/internal/host"
	"ExtensionHost/internal/sandbox"
	"ExtensionHost/pkg/logger"
)

// main 是扩展宿主守护进程的入口。
func main() {
	// 以沙箱工作进程身份启动时不会返回。
	sandbox.MaybeRunWorker()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("exthostd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	log := logger.Named("exthostd")

	h, err := host.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := h.Close(); err != nil {
			log.Error("关闭宿主失败", slog.String("error", err.Error()))
		}
	}()

	hostCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := h.Start(hostCtx); err != nil {
		return err
	}

	log.Info("exthostd 已启动",
		slog.String("address", cfg.Server.Address),
		slog.String("route_prefix", cfg.Server.RoutePrefix),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("queue", cfg.Queue.Driver),
		slog.String("auth", string(cfg.Auth.Mode)),
	)
	server := api.NewServer(h)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	cancel()
	return nil
}
