package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Courier/internal/domain"
	"github.com/shaiso/Courier/internal/mq"
	"github.com/shaiso/Courier/internal/repo"
)

// Default configuration values.
const (
	defaultBatchSize  = 100
	defaultStaleAfter = 2 * time.Minute
)

// Dispatcher — релей continuation-outbox'а в RabbitMQ.
type Dispatcher struct {
	pool          *pgxpool.Pool
	continuations *repo.ContinuationRepo
	publisher     *mq.Publisher
	logger        *slog.Logger
	batchSize     int
	staleAfter    time.Duration
}

// Config — конфигурация Dispatcher.
type Config struct {
	Pool      *pgxpool.Pool
	Publisher *mq.Publisher
	Logger    *slog.Logger

	// BatchSize — continuations за один тик (default: 100).
	BatchSize int

	// StaleAfter — через сколько DISPATCHED continuation считается
	// потерянной и публикуется повторно (default: 2m).
	StaleAfter time.Duration
}

// New создаёт новый Dispatcher.
func New(cfg Config) *Dispatcher {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		pool:          cfg.Pool,
		continuations: repo.NewContinuationRepo(cfg.Pool),
		publisher:     cfg.Publisher,
		logger:        logger,
		batchSize:     batchSize,
		staleAfter:    staleAfter,
	}
}

// Tick выполняет один тик релея.
//
// 1. Выбирает наступившие PENDING continuations (FOR UPDATE SKIP LOCKED)
// 2. Помечает их DISPATCHED в той же транзакции
// 3. После коммита публикует continuation.due в RabbitMQ
//
// Публикация после коммита: если процесс умрёт между коммитом и
// публикацией, строка останется DISPATCHED и будет перепубликована
// через RequeueStale.
func (d *Dispatcher) Tick(ctx context.Context) error {
	var due []domain.Continuation

	err := repo.InTx(ctx, d.pool, func(tx pgx.Tx) error {
		txRepo := d.continuations.WithTx(tx)

		var err error
		due, err = txRepo.ListDue(ctx, d.batchSize)
		if err != nil {
			return fmt.Errorf("list due continuations: %w", err)
		}

		for i := range due {
			if err := txRepo.MarkDispatched(ctx, due[i].ID); err != nil {
				return fmt.Errorf("mark dispatched %s: %w", due[i].ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if len(due) == 0 {
		return nil
	}

	published := d.publish(ctx, due)

	d.logger.Info("dispatcher tick completed",
		"due", len(due),
		"published", published,
	)

	return nil
}

// RequeueStale повторно публикует DISPATCHED continuations, которые
// не были обработаны за staleAfter (потерянное сообщение, упавший
// runner).
func (d *Dispatcher) RequeueStale(ctx context.Context) error {
	cutoff := time.Now().Add(-d.staleAfter)

	stale, err := d.continuations.ListStaleDispatched(ctx, cutoff, d.batchSize)
	if err != nil {
		return fmt.Errorf("list stale continuations: %w", err)
	}

	if len(stale) == 0 {
		return nil
	}

	published := d.publish(ctx, stale)

	d.logger.Warn("requeued stale continuations",
		"stale", len(stale),
		"published", published,
	)

	return nil
}

// publish публикует пачку continuation.due. Ошибки публикации не
// прерывают пачку: непереданные строки подберёт RequeueStale или
// polling fallback runner'а.
func (d *Dispatcher) publish(ctx context.Context, batch []domain.Continuation) int {
	published := 0
	for i := range batch {
		c := &batch[i]
		err := d.publisher.PublishContinuationDue(ctx, mq.ContinuationDuePayload{
			ContinuationID: c.ID,
			RunID:          c.RunID,
			Reason:         string(c.Reason),
		})
		if err != nil {
			d.logger.Error("failed to publish continuation.due",
				"continuation_id", c.ID,
				"error", err,
			)
			continue
		}
		published++
	}
	return published
}
