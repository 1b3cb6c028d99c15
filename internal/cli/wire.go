package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"THA-AgentHub/internal/api"
	"THA-AgentHub/internal/auth"
	"THA-AgentHub/internal/chain/ethereum"
	"THA-AgentHub/internal/chain/indexer"
	"THA-AgentHub/internal/config"
	"THA-AgentHub/internal/dispatch"
	"THA-AgentHub/internal/job"
	"THA-AgentHub/internal/observability/alerting"
	"THA-AgentHub/internal/orchestrator"
	"THA-AgentHub/internal/payment"
	"THA-AgentHub/internal/registry"
	"THA-AgentHub/pkg/logger"
)

// hub 持有守护进程的全部组件，Close 按依赖的逆序释放资源。
type hub struct {
	registry  *registry.Registry
	store     job.Store
	verifier  *payment.Verifier
	queue     dispatch.Queue
	guard     dispatch.Guard
	service   *orchestrator.Service
	processor *orchestrator.Processor
	server    *api.Server

	closers []func()
}

func (h *hub) onClose(fn func()) {
	h.closers = append(h.closers, fn)
}

// Close 释放所有组件。
func (h *hub) Close() {
	for i := len(h.closers) - 1; i >= 0; i-- {
		h.closers[i]()
	}
	h.closers = nil
}

func build(ctx context.Context, cfg *config.Config) (_ *hub, err error) {
	h := &hub{}
	defer func() {
		if err != nil {
			h.Close()
		}
	}()
	log := logger.Named("thad")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	h.registry, err = loadRegistry(cfg.Registry)
	if err != nil {
		return nil, err
	}

	h.store, err = openStore(ctx, cfg.Storage.JobStore)
	if err != nil {
		return nil, err
	}
	h.onClose(func() { _ = h.store.Close() })

	lookup, closeLookup, err := openLookup(ctx, cfg.Verifier)
	if err != nil {
		return nil, err
	}
	h.onClose(closeLookup)

	var watcher orchestrator.Watcher
	if lookup != nil {
		h.verifier = payment.NewVerifier(lookup,
			payment.WithPollInterval(cfg.Verifier.PollInterval.Std()),
			payment.WithLookupTimeout(cfg.Verifier.LookupTimeout.Std()),
			payment.WithMinConfirmations(cfg.Escrow.MinConfirmations),
			payment.WithRateLimit(cfg.Verifier.MaxLookupsPerSecond),
		)
		watcher = h.verifier
	} else {
		log.Warn("未配置支付查询，付款只能通过管理接口推送确认")
	}

	h.queue, err = openQueue(ctx, cfg.Dispatch.Queue)
	if err != nil {
		return nil, err
	}
	h.onClose(func() {
		if err := h.queue.Close(); err != nil {
			log.Warn("关闭派发队列失败", slog.Any("error", err))
		}
	})

	// 后注册先关闭：停止付款轮询后再关闭队列，避免确认回调投递到已关闭的队列。
	if h.verifier != nil {
		h.onClose(h.verifier.Close)
	}

	h.guard, err = openGuard(ctx, cfg.Dispatch)
	if err != nil {
		return nil, err
	}
	h.onClose(func() { _ = h.guard.Close() })

	alerts := alerting.NewFanout(
		alerting.LogNotifier{},
		&alerting.WebhookNotifier{URL: cfg.Alerting.WebhookURL},
	)

	client := dispatch.NewClient(
		dispatch.WithCallTimeout(cfg.Dispatch.CallTimeout.Std()),
		dispatch.WithConcurrency(cfg.Dispatch.Concurrency),
	)

	h.service = orchestrator.NewService(h.store, h.registry, watcher, h.queue,
		orchestrator.WithEscrowWindows(orchestrator.EscrowWindows{
			GracePeriod:   cfg.Escrow.GracePeriod.Std(),
			ExecutionSLA:  cfg.Escrow.ExecutionSLA.Std(),
			DisputeWindow: cfg.Escrow.DisputeWindow.Std(),
		}),
		orchestrator.WithAlertDispatcher(alerts),
	)
	if cfg.Dispatch.Workers <= cfg.Dispatch.Concurrency {
		log.Warn("消费协程数不高于调用并发，退避中的任务会占满协程",
			slog.Int("workers", cfg.Dispatch.Workers),
			slog.Int("concurrency", cfg.Dispatch.Concurrency))
	}
	h.processor = orchestrator.NewProcessor(h.store, h.registry, client, h.queue,
		orchestrator.WithWorkerCount(cfg.Dispatch.Workers),
		orchestrator.WithMaxAttempts(cfg.Dispatch.MaxAttempts),
		orchestrator.WithBackoff(cfg.Dispatch.BackoffBase.Std(), cfg.Dispatch.BackoffMax.Std()),
		orchestrator.WithGuard(h.guard),
		orchestrator.WithProcessorAlerts(alerts),
	)

	opts := []api.ServerOption{
		api.WithAvailabilityChecker(client),
		api.WithAdminToken(auth.NewStaticToken(cfg.Server.AdminToken)),
		api.WithShutdownTimeout(cfg.Server.ShutdownTimeout.Std()),
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, api.WithMetricsPath(cfg.Metrics.Path))
	}
	h.server = api.NewServer(cfg.Server.Address, h.service, h.registry, opts...)

	log.Info("组件初始化完成",
		slog.String("store", cfg.Storage.JobStore.Driver),
		slog.String("lookup", cfg.Verifier.Lookup),
		slog.String("queue", cfg.Dispatch.Queue.Driver),
		slog.String("guard", cfg.Dispatch.Guard.Driver),
		slog.Int("agents", len(h.registry.List())),
		slog.Any("alert_channels", alerts.Channels()))
	return h, nil
}

func loadRegistry(cfg config.RegistryConfig) (*registry.Registry, error) {
	reg := registry.New()
	if cfg.SeedFile == "" {
		return reg, nil
	}
	if _, err := reg.LoadSeedFile(cfg.SeedFile); err != nil {
		return nil, err
	}
	return reg, nil
}

func openStore(ctx context.Context, cfg config.JobStoreConfig) (job.Store, error) {
	autoMigrate := cfg.AutoMigrate == nil || *cfg.AutoMigrate
	sqlCfg := job.SQLConfig{
		DSN:             cfg.DSN,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime.Std(),
		AutoMigrate:     autoMigrate,
	}
	switch cfg.Driver {
	case "memory", "":
		return job.NewMemoryStore(), nil
	case "mysql":
		return job.OpenMySQL(ctx, sqlCfg)
	case "sqlite":
		return job.OpenSQLite(ctx, sqlCfg)
	default:
		return nil, fmt.Errorf("不支持的任务存储驱动: %s", cfg.Driver)
	}
}

// openLookup 返回支付查询实现；driver 为 none 时返回 nil。
func openLookup(ctx context.Context, cfg config.VerifierConfig) (payment.Lookup, func(), error) {
	noop := func() {}
	switch cfg.Lookup {
	case "none":
		return nil, noop, nil
	case "indexer", "":
		client, err := indexer.NewClient(indexer.Config{
			BaseURL: cfg.Indexer.BaseURL,
			APIKey:  cfg.Indexer.APIKey,
		}, nil)
		if err != nil {
			return nil, noop, err
		}
		return client, noop, nil
	case "evm":
		lookup, err := ethereum.Dial(ctx, ethereum.Config{
			RPCURL:          cfg.EVM.RPCURL,
			ContractAddress: cfg.EVM.ContractAddress,
			LookbackBlocks:  cfg.EVM.LookbackBlocks,
			Unit:            cfg.EVM.Unit,
		})
		if err != nil {
			return nil, noop, err
		}
		return lookup, lookup.Close, nil
	default:
		return nil, noop, fmt.Errorf("不支持的支付查询方式: %s", cfg.Lookup)
	}
}

func openQueue(ctx context.Context, cfg config.QueueConfig) (dispatch.Queue, error) {
	switch cfg.Driver {
	case "memory", "":
		return dispatch.NewMemoryQueue(cfg.Buffer), nil
	case "redis":
		return dispatch.NewRedisQueue(ctx, redisConfig(cfg.Redis))
	case "rabbitmq":
		return dispatch.NewRabbitMQQueue(dispatch.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.RabbitMQ.Prefetch,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}

func openGuard(ctx context.Context, cfg config.DispatchConfig) (dispatch.Guard, error) {
	switch cfg.Guard.Driver {
	case "memory", "":
		return dispatch.NewMemoryGuard(cfg.GuardTTL.Std()), nil
	case "redis":
		return dispatch.NewRedisGuard(ctx, redisConfig(cfg.Guard.Redis), cfg.GuardTTL.Std())
	default:
		return nil, fmt.Errorf("不支持的派发守卫驱动: %s", cfg.Guard.Driver)
	}
}

func redisConfig(cfg config.RedisConfig) dispatch.RedisConfig {
	return dispatch.RedisConfig{
		Address:  cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		Key:      cfg.Key,
	}
}
