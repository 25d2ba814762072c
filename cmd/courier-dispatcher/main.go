// Courier Dispatcher — релей continuation-outbox'а и доставка уведомлений.
//
// Dispatcher:
//   - Выбирает наступившие continuations из outbox и публикует их в RabbitMQ
//   - Повторно публикует DISPATCHED continuations, потерянные брокером
//   - Потребляет run.finished и доставляет уведомления о завершении
//   - Перекалибровывает потолки окружений по cron-расписанию
//
// Outbox-релей и рекалибровка выполняются только лидером: дублирующая
// публикация безвредна (Advance идемпотентен), но бессмысленна.
// Лидерство — pg_try_advisory_lock, как и в остальных singleton-циклах.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Courier/internal/dispatch"
	"github.com/shaiso/Courier/internal/endpoint"
	"github.com/shaiso/Courier/internal/mq"
	"github.com/shaiso/Courier/internal/notify"
	"github.com/shaiso/Courier/internal/probe"
	"github.com/shaiso/Courier/internal/repo"
	"github.com/shaiso/Courier/internal/telemetry"
)

const dispatchLockKey int64 = 727272

// defaultProbeCron — ежедневная рекалибровка в 03:00.
const defaultProbeCron = "0 3 * * *"

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting courier-dispatcher")

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

	// RabbitMQ обязателен: без брокера dispatcher'у некуда релеить.
	mqURL := os.Getenv("RABBITMQ_URL")
	if mqURL == "" {
		mqURL = mq.DefaultURL()
	}

	mqConn, err := mq.NewConnection(mqURL, logger)
	if err != nil {
		logger.Error("failed to connect to RabbitMQ", "error", err)
		os.Exit(1)
	}
	defer mqConn.Close()
	logger.Info("RabbitMQ connected")

	if err := mq.SetupTopology(ctx, mqConn); err != nil {
		logger.Warn("failed to setup topology", "error", err)
	}

	publisher := mq.NewPublisher(mqConn, logger)

	// Репозитории и клиент протокола
	runRepo := repo.NewRunRepo(pool)
	envRepo := repo.NewEnvRepo(pool)
	client := endpoint.NewClient(endpoint.Config{Logger: logger})

	// Dispatcher — релей outbox → MQ
	dispatcher := dispatch.New(dispatch.Config{
		Pool:      pool,
		Publisher: publisher,
		Logger:    logger,
	})

	// Notifier — доставка уведомлений о завершённых runs
	notifier := dispatch.NewNotifier(dispatch.NotifierConfig{
		Runs:       runRepo,
		Envs:       envRepo,
		Client:     client,
		Webhook:    notify.NewDeliverer(logger),
		WebhookURL: os.Getenv("WEBHOOK_URL"),
		Logger:     logger,
	})

	consumer := mq.NewConsumer(mqConn, logger, mq.ConsumerConfig{
		Queue:   string(mq.QueueRunsFinished),
		Handler: notifier.HandleRunFinished,
	})

	go func() {
		if err := consumer.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error("run.finished consumer stopped", "error", err)
		}
	}()

	// Лидерство разделяют тик-цикл и рекалибровка.
	var isLeader atomic.Bool

	// Релей-цикл: каждый тик публикуем наступившие continuations,
	// раз в 30 тиков перепубликовываем потерянные DISPATCHED.
	go func() {
		tk := time.NewTicker(1 * time.Second)
		defer tk.Stop()

		var hasLock bool
		var tickCount int
		defer func() {
			if hasLock {
				_, _ = pool.Exec(context.Background(), "select pg_advisory_unlock($1)", dispatchLockKey)
			}
		}()

		for {
			select {
			case <-tk.C:
				// пытаемся стать лидером (или подтвердить лидерство)
				if !hasLock {
					var ok bool
					if err := pool.QueryRow(ctx, "select pg_try_advisory_lock($1)", dispatchLockKey).Scan(&ok); err != nil {
						logger.Error("advisory lock failed", "error", err)
						continue
					}
					hasLock = ok
					isLeader.Store(ok)
				}

				if !hasLock {
					// не лидер — пропускаем тик
					continue
				}

				if err := dispatcher.Tick(ctx); err != nil {
					logger.Error("dispatch tick failed", "error", err)
				}

				tickCount++
				if tickCount%30 == 0 {
					if err := dispatcher.RequeueStale(ctx); err != nil {
						logger.Error("requeue stale failed", "error", err)
					}
				}

			case <-ctx.Done():
				return
			}
		}
	}()

	// Рекалибровка потолков окружений по cron
	probeCron := os.Getenv("PROBE_CRON")
	if probeCron == "" {
		probeCron = defaultProbeCron
	}

	calibrator := probe.NewCalibrator(client, envRepo, logger)
	recalibrator, err := probe.NewRecalibrator(calibrator, envRepo, probeCron, logger)
	if err != nil {
		logger.Error("invalid PROBE_CRON", "error", err)
		os.Exit(1)
	}

	go func() {
		// только лидер калибрует: probe держит endpoint занятым минутами
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Minute):
			}
			if !isLeader.Load() {
				continue
			}
			if err := recalibrator.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("recalibration loop stopped", "error", err)
			}
			return
		}
	}()

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !mqConn.IsConnected() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("mq disconnected"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	port := ":8081"
	if v := os.Getenv("DISPATCHER_PORT"); v != "" {
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
	logger.Info("courier-dispatcher stopped")
}
