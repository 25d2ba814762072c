package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ConnectionRepo — чтение third-party подключений, на которые ссылается run.
//
// Подключения — внешняя забота (регистрация, обновление токенов);
// оркестратору нужен только снэпшот разрешённых авторизаций для
// EXECUTE_JOB payload'а.
type ConnectionRepo struct {
	db DB
}

// NewConnectionRepo создаёт новый ConnectionRepo.
func NewConnectionRepo(db DB) *ConnectionRepo {
	return &ConnectionRepo{db: db}
}

// ListResolved возвращает разрешённые подключения run'а: ключ подключения →
// сериализованные данные авторизации. Подключение без данных авторизации
// означает, что разрешение ещё не завершено.
func (r *ConnectionRepo) ListResolved(ctx context.Context, runID uuid.UUID) (map[string]json.RawMessage, bool, error) {
	query := `
		SELECT rc.connection_key, c.auth_data
		FROM run_connections rc
		JOIN connections c ON c.id = rc.connection_id
		WHERE rc.run_id = $1
	`
	rows, err := r.db.Query(ctx, query, runID)
	if err != nil {
		return nil, false, fmt.Errorf("list run connections: %w", err)
	}
	defer rows.Close()

	resolved := make(map[string]json.RawMessage)
	allResolved := true

	for rows.Next() {
		var key string
		var authData json.RawMessage
		if err := rows.Scan(&key, &authData); err != nil {
			return nil, false, fmt.Errorf("scan run connection: %w", err)
		}
		if len(authData) == 0 {
			allResolved = false
			continue
		}
		resolved[key] = authData
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	return resolved, allResolved, nil
}
