package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"relayWs/internal/config"
	"relayWs/internal/modules/realtime/application/handler"
	"relayWs/internal/modules/realtime/application/port"
	"relayWs/internal/modules/realtime/infrastructure"
	transport "relayWs/internal/modules/realtime/interface"
	"relayWs/internal/platform/broker"
	"relayWs/internal/shared/auth"
	"relayWs/internal/shared/logging"
	"relayWs/internal/shared/metrics"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "relay server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	if err := cfg.RequireAuth(); err != nil {
		return err
	}

	logger, logFile, err := logging.Setup(cfg.LogDirectory, logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, AddSource: true})
	if err != nil {
		return fmt.Errorf("logging setup: %w", err)
	}
	defer logFile.Close()
	slog.SetDefault(logger)
	slog.Info("logging initialized", slog.String("directory", cfg.LogDirectory), slog.String("level", cfg.LogLevel), slog.String("format", cfg.LogFormat))

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	realtimeMetrics := metrics.NewRealtime(promRegistry)

	registry := infrastructure.NewConnectionRegistry(cfg.WSMaxConnections,
		infrastructure.WithRegistryLogger(logger),
		infrastructure.WithRegistryMetrics(realtimeMetrics),
	)

	consumer, err := broker.NewConsumer(brokerSettings(cfg), broker.Options{
		DeadLetterSuffix: cfg.DeadLetterSuffix,
		MaxReadErrors:    cfg.MaxReadErrors,
		Relayer:          registry,
		Logger:           logger,
		Metrics:          realtimeMetrics,
	})
	if err != nil {
		return err
	}
	defer consumer.Close()
	slog.Info("broker config resolved", slog.String("driver", cfg.BrokerDriver), slog.Any("queues", cfg.WorkerQueues))

	deps := handler.Deps{Logger: logger}
	handlers := []port.MessageHandler{
		handler.NewNotifyUserHandler(deps, cfg.NotifyActions...),
		handler.NewBroadcastHandler(deps),
	}
	if cfg.SMTPHost != "" {
		sender, err := infrastructure.NewSMTPSender(smtpConfig(cfg))
		if err != nil {
			return err
		}
		handlers = append(handlers, handler.NewSendEmailHandler(deps, sender))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	worker := broker.NewWorker(consumer, cfg.WorkerQueues, logger)
	if err := worker.Initialize(ctx, handlers...); err != nil {
		return err
	}

	validator, err := auth.NewJWTValidator(cfg.JWTSecret, cfg.JWTPublicKey)
	if err != nil {
		return err
	}
	commands := infrastructure.NewCommandProcessor(registry, nil, logger)

	e := transport.NewServer(transport.Routes{
		Websocket: transport.NewWebsocketHandler(registry, validator, commands, transport.WebsocketOptions{
			WriteTimeout: cfg.WSWriteTimeout,
			Logger:       logger,
		}),
		Health:   transport.NewHealthHandler(registry, worker),
		Gatherer: promRegistry,
	})
	e.Logger.SetOutput(log.Writer())

	workerDone := make(chan error, 1)
	go func() { workerDone <- worker.Start(ctx) }()

	serverDone := make(chan error, 1)
	go func() {
		slog.Info("http server listening", slog.String("port", cfg.Port))
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverDone <- err
		}
		close(serverDone)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case runErr = <-workerDone:
		if runErr != nil {
			slog.Error("worker failed", slog.Any("error", runErr))
		}
	case runErr = <-serverDone:
		if runErr != nil {
			slog.Error("http server stopped", slog.Any("error", runErr))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := worker.Stop(shutdownCtx); err != nil {
		slog.Warn("worker stop incomplete", slog.Any("error", err))
	}
	registry.CloseAll()
	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http server shutdown", slog.Any("error", err))
	}
	slog.Info("shutdown complete")
	return runErr
}

func brokerSettings(cfg *config.Config) broker.Settings {
	return broker.Settings{
		Driver: broker.Driver(cfg.BrokerDriver),
		Kafka:  broker.KafkaConfig{Brokers: cfg.KafkaBrokers, GroupID: cfg.KafkaGroupID},
		Redis:  broker.RedisConfig{URL: cfg.RedisURL, Group: cfg.RedisGroup},
	}
}

func smtpConfig(cfg *config.Config) infrastructure.SMTPConfig {
	return infrastructure.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	}
}
