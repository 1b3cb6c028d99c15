package cli

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"THA-AgentHub/pkg/logger"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Agent Hub API and dispatcher",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "监听地址，覆盖 server.address")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Address = serveAddr
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx := cmd.Context()
	hub, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer hub.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.processor.Start(gctx) })

	report, err := hub.service.Resume(gctx)
	if err != nil {
		logger.L().Error("恢复未完成任务失败", slog.Any("error", err))
	} else {
		logger.L().Info("未完成任务已恢复",
			slog.Int("watching", report.Watching),
			slog.Int("requeued", report.Requeued))
	}

	g.Go(func() error { return hub.server.Start(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.L().Info("thad 已退出")
	return nil
}
