package replay

import (
	"encoding/json"
	"sort"

	"github.com/shaiso/Courier/internal/domain"
)

// DefaultByteBudget — лимит сериализованного payload'а закэшированных tasks.
const DefaultByteBudget = 3_500_000

// CachedTask — минимальная wire-проекция завершённого task.
// Поле id несёт idempotency key: именно по нему endpoint находит
// закэшированный шаг при replay.
type CachedTask struct {
	ID       string          `json:"id"`
	Status   string          `json:"status"`
	Noop     bool            `json:"noop"`
	Output   json.RawMessage `json:"output,omitempty"`
	ParentID string          `json:"parentId,omitempty"`
}

// Packer отбирает подмножество завершённых tasks, укладывающееся
// в байтовый бюджет.
type Packer struct {
	budget int
}

// NewPacker создаёт Packer с указанным бюджетом.
// budget <= 0 означает DefaultByteBudget.
func NewPacker(budget int) *Packer {
	if budget <= 0 {
		budget = DefaultByteBudget
	}
	return &Packer{budget: budget}
}

// candidate — task с мемоизированной проекцией и её размером.
type candidate struct {
	projection CachedTask
	size       int
	order      int // позиция во входе, для стабильности сортировки
}

// Pack отбирает максимальное по количеству подмножество tasks,
// суммарный сериализованный размер которого не превышает бюджет.
//
// Правила:
//   - task, чья проекция сама больше бюджета, отбрасывается целиком
//   - сортировка по размеру стабильна — для одинакового входа
//     результат идентичен (endpoint может сравнивать payload с предыдущим)
//   - resumed (если не nil) участвует наравне с completed; дубликаты
//     по ID схлопываются
func (p *Packer) Pack(completed []domain.Task, resumed *domain.Task) []CachedTask {
	// Собираем кандидатов, мемоизируя проекцию и размер по task ID.
	// Task может встретиться и в completed, и как resumed.
	keyByID := parentKeys(completed, resumed)

	seen := make(map[string]bool, len(completed)+1)
	candidates := make([]candidate, 0, len(completed)+1)

	add := func(t *domain.Task) {
		key := t.ID.String()
		if seen[key] {
			return
		}
		seen[key] = true

		proj := project(t, keyByID)
		size := serializedSize(proj)
		candidates = append(candidates, candidate{
			projection: proj,
			size:       size,
			order:      len(candidates),
		})
	}

	for i := range completed {
		add(&completed[i])
	}
	if resumed != nil {
		add(resumed)
	}

	// Стабильная сортировка по возрастанию размера.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].size < candidates[j].size
	})

	// Жадный отбор: пока остаток бюджета неотрицателен.
	// Кандидаты упорядочены по размеру, поэтому первый не влезший
	// означает, что не влезут и все последующие.
	remaining := p.budget
	selected := make([]CachedTask, 0, len(candidates))
	for _, c := range candidates {
		if c.size > remaining {
			break
		}
		remaining -= c.size
		selected = append(selected, c.projection)
	}

	return selected
}

// project строит wire-проекцию task'а.
func project(t *domain.Task, keyByID map[string]string) CachedTask {
	proj := CachedTask{
		ID:     t.IdempotencyKey,
		Status: string(t.Status),
		Noop:   t.Noop,
		Output: t.Output,
	}

	if t.ParentID != nil {
		// parentId в wire-формате — idempotency key родителя.
		// Если родителя нет среди кандидатов, отдаём его UUID как есть.
		if key, ok := keyByID[t.ParentID.String()]; ok {
			proj.ParentID = key
		} else {
			proj.ParentID = t.ParentID.String()
		}
	}

	return proj
}

// parentKeys строит отображение task ID → idempotency key для
// разрешения parentId в проекциях.
func parentKeys(completed []domain.Task, resumed *domain.Task) map[string]string {
	m := make(map[string]string, len(completed)+1)
	for i := range completed {
		m[completed[i].ID.String()] = completed[i].IdempotencyKey
	}
	if resumed != nil {
		m[resumed.ID.String()] = resumed.IdempotencyKey
	}
	return m
}

// serializedSize возвращает размер проекции в сериализованном виде.
func serializedSize(proj CachedTask) int {
	b, err := json.Marshal(proj)
	if err != nil {
		// CachedTask сериализуется всегда; невалидный RawMessage
		// учитываем по его сырой длине.
		return len(proj.Output)
	}
	return len(b)
}
