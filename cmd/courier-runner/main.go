// Courier Runner — продвигает runs через протокол endpoint'ов.
//
// Runner:
//   - Получает наступившие continuations из RabbitMQ (плюс polling fallback)
//   - Вызывает endpoint с нужной порцией работы (PREPROCESS / EXECUTE_JOB)
//   - Применяет решение по ответу: retry, resume, финализация
//   - Публикует run.finished для notifier'а
//
// Runners масштабируются горизонтально: continuations выбираются
// с FOR UPDATE SKIP LOCKED, а Advance идемпотентен.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Courier/internal/connections"
	"github.com/shaiso/Courier/internal/endpoint"
	"github.com/shaiso/Courier/internal/mq"
	"github.com/shaiso/Courier/internal/orchestrator"
	"github.com/shaiso/Courier/internal/repo"
	"github.com/shaiso/Courier/internal/telemetry"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting courier-runner")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// DB pool
	pool, err := repo.NewPool(ctx)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	// Store поверх пула + клиент протокола
	store := orchestrator.NewPgStore(pool)
	client := endpoint.NewClient(endpoint.Config{Logger: logger})
	resolver := connections.NewStoreResolver(repo.NewConnectionRepo(pool))

	// RabbitMQ
	var publisher *mq.Publisher
	var mqConn *mq.Connection
	mqURL := os.Getenv("RABBITMQ_URL")
	if mqURL == "" {
		mqURL = mq.DefaultURL()
	}

	mqConn, err = mq.NewConnection(mqURL, logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
	} else {
		defer mqConn.Close()
		logger.Info("RabbitMQ connected")

		// Создаём топологию
		if err := mq.SetupTopology(ctx, mqConn); err != nil {
			logger.Warn("failed to setup topology", "error", err)
		}

		publisher = mq.NewPublisher(mqConn, logger)
	}

	// Создаём orchestrator
	orchCfg := orchestrator.Config{
		Store:    store,
		Client:   client,
		Resolver: resolver,
		Logger:   logger,
	}
	if mqConn != nil {
		orchCfg.Conn = mqConn
		orchCfg.Publisher = publisher
	}
	orch := orchestrator.New(orchCfg)

	// Запускаем orchestrator
	if err := orch.Start(ctx); err != nil {
		logger.Error("failed to start orchestrator", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	port := ":8082"
	if v := os.Getenv("RUNNER_PORT"); v != "" {
		port = ":" + v
	}

	go func() {
		logger.Info("listening", "addr", port)
		if err := http.ListenAndServe(port, mux); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()

	// Останавливаем orchestrator
	orch.Stop()
	logger.Info("courier-runner stopped")
}
