package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"AgentPulse/internal/agent"
	"AgentPulse/internal/api"
	"AgentPulse/internal/config"
	"AgentPulse/internal/events"
	"AgentPulse/internal/gateway"
	"AgentPulse/internal/liveness"
	"AgentPulse/internal/observability/alerting"
	"AgentPulse/internal/observability/metrics"
	"AgentPulse/pkg/logger"
)

// main 是 AgentPulse 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("pulsed 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return err
	}

	if err := logger.Init(loggerConfig(cfg.Logging)); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	l := logger.Named("pulsed")

	signer, err := buildSigner(cfg.Wallet)
	if err != nil {
		return err
	}

	gw, err := gateway.NewRPCGateway(ctx, gateway.Config{
		RPCURL:    cfg.Network.RPCURL,
		Namespace: cfg.Network.Namespace,
		Timeout:   cfg.Network.Timeout(),
	})
	if err != nil {
		return err
	}
	defer gw.Close()

	publisher, err := events.Open(ctx, eventsConfig(cfg.Events))
	if err != nil {
		return err
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			l.Warn("关闭事件发布器失败", logger.Err(err))
		}
	}()

	notifiers := []alerting.Notifier{&alerting.LogNotifier{Logger: logger.Named("alerting")}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.Alerting.WebhookURL))
	}
	dispatcher := alerting.NewFanout(notifiers...)

	registry := metrics.Default()
	loopOpts := []liveness.Option{
		liveness.WithEventPublisher(publisher),
		liveness.WithAlertDispatcher(dispatcher, cfg.Heartbeat.AlertAfter),
		liveness.WithCallTimeout(cfg.Heartbeat.CallTimeout()),
		liveness.WithMetrics(registry),
	}
	if cfg.Heartbeat.InFlightGuard {
		loopOpts = append(loopOpts, liveness.WithInFlightGuard())
	}
	loop, err := liveness.New(gw, signer, cfg.Heartbeat.Interval(), loopOpts...)
	if err != nil {
		return err
	}
	defer func() {
		loop.Stop()
		loop.Wait()
	}()

	worker := agent.New(gw, signer,
		agent.WithEventPublisher(publisher),
		agent.WithSubmitTimeout(cfg.Network.Timeout()),
		agent.WithMetrics(registry))

	l.Info("守护进程已初始化",
		slog.String("address", signer.Address()),
		slog.String("rpc_url", cfg.Network.RPCURL),
		slog.Duration("interval", cfg.Heartbeat.Interval()),
		slog.String("events", cfg.Events.Driver),
		slog.Any("alert_channels", dispatcher.Channels()))

	if cfg.Heartbeat.AutostartEnabled() {
		if err := loop.Start(ctx); err != nil {
			l.Warn("首次心跳失败，循环继续运行", logger.Err(err))
		}
	}

	if addr := cfg.Server.MetricsAddress; addr != "" {
		go func() {
			if err := metrics.StartServer(ctx, addr); err != nil && !errors.Is(err, context.Canceled) {
				l.Error("指标服务退出", logger.Err(err))
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, loop, worker,
		api.WithMetrics(registry),
		api.WithRootContext(ctx))
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	l.Info("守护进程正在退出")
	return nil
}

func loggerConfig(c config.LoggingConfig) logger.Config {
	return logger.Config{
		Level:       c.Level,
		Format:      c.Format,
		OutputPaths: c.Outputs,
		AddSource:   c.AddSource,
		Rotation: logger.RotationConfig{
			MaxSizeMB:  c.MaxSizeMB,
			MaxBackups: c.MaxBackups,
			MaxAgeDays: c.MaxAgeDays,
			Compress:   c.Compress,
		},
		Audit: logger.AuditConfig{
			Enabled: c.Audit.Enabled,
			Path:    c.Audit.Path,
			RotationConfig: logger.RotationConfig{
				MaxSizeMB:  c.Audit.MaxSizeMB,
				MaxBackups: c.Audit.MaxBackups,
				MaxAgeDays: c.Audit.MaxAgeDays,
				Compress:   c.Audit.Compress,
			},
		},
	}
}

func eventsConfig(c config.EventsConfig) events.Config {
	return events.Config{
		Driver:         c.Driver,
		MemoryCapacity: c.MemoryCapacity,
		Redis: events.RedisConfig{
			Address:  c.Redis.Address,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
			Key:      c.Redis.Key,
			Channel:  c.Redis.Channel,
			MaxLen:   c.Redis.MaxLen,
		},
		RabbitMQ: events.RabbitMQConfig{
			URL:      c.RabbitMQ.URL,
			Exchange: c.RabbitMQ.Exchange,
			Queue:    c.RabbitMQ.Queue,
			Durable:  c.RabbitMQ.Durable,
		},
	}
}
