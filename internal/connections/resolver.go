// Package connections — разрешение third-party авторизаций run'а.
//
// Для оркестратора это непрозрачная зависимость: успех даёт снэпшот
// авторизаций для EXECUTE_JOB payload'а, любая неудача — временное
// состояние платформы и всегда retryable (никогда не конвертируется
// в постоянную ошибку run'а).
package connections

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/shaiso/Courier/internal/repo"
)

// ErrUnresolved — часть подключений run'а ещё не разрешена.
var ErrUnresolved = errors.New("run connections not yet resolved")

// Resolver разрешает подключения, на которые ссылается run.
type Resolver interface {
	// Resolve возвращает ключ подключения → данные авторизации.
	// Ошибка (включая ErrUnresolved) — временное состояние: вызывающий
	// обязан повторить позже.
	Resolve(ctx context.Context, runID uuid.UUID) (map[string]json.RawMessage, error)
}

// StoreResolver — Resolver поверх реляционного стора.
type StoreResolver struct {
	connRepo *repo.ConnectionRepo
}

// NewStoreResolver создаёт StoreResolver.
func NewStoreResolver(connRepo *repo.ConnectionRepo) *StoreResolver {
	return &StoreResolver{connRepo: connRepo}
}

// Resolve читает разрешённые подключения run'а из стора.
func (r *StoreResolver) Resolve(ctx context.Context, runID uuid.UUID) (map[string]json.RawMessage, error) {
	resolved, all, err := r.connRepo.ListResolved(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("resolve connections: %w", err)
	}
	if !all {
		return nil, ErrUnresolved
	}
	return resolved, nil
}
