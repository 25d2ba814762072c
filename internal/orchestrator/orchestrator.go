package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Courier/internal/connections"
	"github.com/shaiso/Courier/internal/domain"
	"github.com/shaiso/Courier/internal/endpoint"
	"github.com/shaiso/Courier/internal/mq"
	"github.com/shaiso/Courier/internal/replay"
	"github.com/shaiso/Courier/internal/telemetry"
)

// Default configuration values.
const (
	defaultPollInterval = 10 * time.Second
	defaultBatchSize    = 100
)

// ProtocolClient — вызовы протокола endpoint'а, нужные оркестратору.
// *endpoint.Client реализует интерфейс; тесты подставляют фейк.
type ProtocolClient interface {
	PreprocessRun(ctx context.Context, env *domain.Environment, req *endpoint.PreprocessRequest) *endpoint.PreprocessResult
	ExecuteJob(ctx context.Context, env *domain.Environment, req *endpoint.ExecuteRequest, timeout time.Duration) *endpoint.ExecuteResult
}

// FinishedPublisher публикует событие о завершённом run.
// *mq.Publisher реализует интерфейс.
type FinishedPublisher interface {
	PublishRunFinished(ctx context.Context, payload mq.RunFinishedPayload) error
}

// Orchestrator продвигает runs через протокол endpoint'ов.
//
// Работает в двух режимах одновременно:
//   - event-driven: consumer очереди runs.continuations (основной путь)
//   - polling fallback: периодическая выборка наступивших continuations
//     из outbox — подбирает то, что очередь потеряла или не донесла
//
// Оба пути сходятся в Advance, который идемпотентен: continuation в
// статусе DONE повторно не обрабатывается.
type Orchestrator struct {
	store    Store
	client   ProtocolClient
	resolver connections.Resolver
	packer   *replay.Packer

	// MQ (опционально: без него остаётся только polling)
	conn      *mq.Connection
	publisher FinishedPublisher
	consumer  *mq.Consumer

	pollInterval time.Duration
	batchSize    int

	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// Config — конфигурация Orchestrator.
type Config struct {
	Store    Store
	Client   ProtocolClient
	Resolver connections.Resolver
	Packer   *replay.Packer

	// MQ
	Conn      *mq.Connection
	Publisher FinishedPublisher

	// Polling configuration
	PollInterval time.Duration // интервал polling fallback (default: 10s)
	BatchSize    int           // continuations за один poll (default: 100)

	Logger *slog.Logger
}

// New создаёт новый Orchestrator.
func New(cfg Config) *Orchestrator {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	packer := cfg.Packer
	if packer == nil {
		packer = replay.NewPacker(replay.DefaultByteBudget)
	}

	return &Orchestrator{
		store:        cfg.Store,
		client:       cfg.Client,
		resolver:     cfg.Resolver,
		packer:       packer,
		conn:         cfg.Conn,
		publisher:    cfg.Publisher,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		logger:       logger,
	}
}

// Start запускает consumer и polling fallback. Блокирует до остановки
// контекста.
func (o *Orchestrator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	o.cancelFunc = cancel

	o.logger.Info("orchestrator starting",
		"poll_interval", o.pollInterval,
		"batch_size", o.batchSize,
	)

	if o.conn != nil {
		o.consumer = mq.NewConsumer(o.conn, o.logger, mq.ConsumerConfig{
			Queue:    string(mq.QueueContinuations),
			Handler:  o.handleContinuationDue,
			Prefetch: o.batchSize,
		})

		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			if err := o.consumer.Start(ctx); err != nil && ctx.Err() == nil {
				o.logger.Error("continuation consumer stopped", "error", err)
			}
		}()
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.pollLoop(ctx)
	}()

	<-ctx.Done()
	o.wg.Wait()
	return ctx.Err()
}

// Stop останавливает оркестратор.
func (o *Orchestrator) Stop() {
	if o.cancelFunc != nil {
		o.cancelFunc()
	}
	o.wg.Wait()
	o.logger.Info("orchestrator stopped")
}

// handleContinuationDue обрабатывает событие continuation.due из MQ.
func (o *Orchestrator) handleContinuationDue(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.ContinuationDuePayload](&delivery.Message)
	if err != nil {
		telemetry.FromContext(ctx).Error("failed to parse continuation.due payload", "error", err)
		return err
	}

	return o.Advance(ctx, payload.ContinuationID)
}

// pollLoop — polling fallback: выбирает наступившие continuations
// напрямую из outbox. Покрывает потерянные сообщения MQ и работу
// без брокера.
func (o *Orchestrator) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.pollOnce(ctx); err != nil && ctx.Err() == nil {
				o.logger.Error("continuation poll failed", "error", err)
			}
		}
	}
}

// pollOnce обрабатывает одну пачку наступивших continuations.
//
// ListDue берёт строки с FOR UPDATE SKIP LOCKED, поэтому конкурентные
// runner-процессы не пересекаются; Advance выполняется вне этой
// блокировки и защищён идемпотентностью continuation.
func (o *Orchestrator) pollOnce(ctx context.Context) error {
	var due []domain.Continuation
	err := o.store.InTx(ctx, func(s Store) error {
		var err error
		due, err = o.listDue(ctx, s)
		return err
	})
	if err != nil {
		return err
	}

	for i := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := o.Advance(ctx, due[i].ID); err != nil {
			o.logger.Error("advance failed",
				"continuation_id", due[i].ID,
				"run_id", due[i].RunID,
				"error", err,
			)
		}
	}

	return nil
}

// listDue выбирает наступившие continuations. Вынесено в метод, чтобы
// polling работал и на тестовой реализации Store.
func (o *Orchestrator) listDue(ctx context.Context, s Store) ([]domain.Continuation, error) {
	lister, ok := s.(interface {
		ListDueContinuations(ctx context.Context, limit int) ([]domain.Continuation, error)
	})
	if !ok {
		return nil, nil
	}
	return lister.ListDueContinuations(ctx, o.batchSize)
}

// noteFinished публикует событие о терминальном исходе run.
//
// Публикация — подсказка для dispatcher'а, не источник истины: он
// перечитывает run из БД перед доставкой уведомления, поэтому
// сообщение, опередившее откат транзакции, безвредно.
func (o *Orchestrator) noteFinished(ctx context.Context, run *domain.Run) {
	telemetry.RunsFinished.WithLabelValues(string(run.Status)).Inc()

	if o.publisher == nil {
		return
	}
	err := o.publisher.PublishRunFinished(ctx, mq.RunFinishedPayload{
		RunID:  run.ID,
		Status: string(run.Status),
	})
	if err != nil {
		o.logger.Warn("failed to publish run.finished",
			"run_id", run.ID, "error", err)
	}
}

// EnqueueRun ставит первый continuation для нового run: шаг PREPROCESS
// немедленно. Вызывается API при создании run в той же транзакции,
// что и вставка run.
func EnqueueRun(ctx context.Context, s Store, runID uuid.UUID) (*domain.Continuation, error) {
	cont := domain.NewContinuation(runID, domain.ReasonPreprocess, time.Now())
	if err := s.CreateContinuation(ctx, cont); err != nil {
		return nil, err
	}
	telemetry.ContinuationsEnqueued.WithLabelValues(string(cont.Reason)).Inc()
	return cont, nil
}
