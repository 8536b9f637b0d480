package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"relayWs/internal/config"
	"relayWs/internal/modules/realtime/application/handler"
	"relayWs/internal/modules/realtime/infrastructure"
	"relayWs/internal/platform/broker"
	"relayWs/internal/shared/logging"
)

// email-worker consumes the email queues and delivers over SMTP. It holds no websocket
// connections, so email.sent notices are not relayed from here.
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "email worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	if err := cfg.RequireSMTP(); err != nil {
		return err
	}

	logger, logFile, err := logging.Setup(cfg.LogDirectory, logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, AddSource: true})
	if err != nil {
		return fmt.Errorf("logging setup: %w", err)
	}
	defer logFile.Close()
	slog.SetDefault(logger)

	sender, err := infrastructure.NewSMTPSender(infrastructure.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	})
	if err != nil {
		return err
	}

	consumer, err := broker.NewConsumer(broker.Settings{
		Driver: broker.Driver(cfg.BrokerDriver),
		Kafka:  broker.KafkaConfig{Brokers: cfg.KafkaBrokers, GroupID: cfg.KafkaGroupID + "-email"},
		Redis:  broker.RedisConfig{URL: cfg.RedisURL, Group: cfg.RedisGroup + "-email"},
	}, broker.Options{
		DeadLetterSuffix: cfg.DeadLetterSuffix,
		MaxReadErrors:    cfg.MaxReadErrors,
		Logger:           logger,
	})
	if err != nil {
		return err
	}
	defer consumer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	worker := broker.NewWorker(consumer, cfg.EmailQueues, logger)
	if err := worker.Initialize(ctx, handler.NewSendEmailHandler(handler.Deps{Logger: logger}, sender)); err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := worker.Stop(stopCtx); err != nil {
			slog.Warn("worker stop incomplete", slog.Any("error", err))
		}
	}()

	started := time.Now()
	err = worker.Start(ctx)
	slog.Info("email worker exited", slog.Duration("uptime", time.Since(started)), slog.String("state", worker.State().String()))
	return err
}
