package replay

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/shaiso/Courier/internal/domain"
)

// completedTask создаёт завершённый task с output заданного размера.
func completedTask(key string, outputBytes int) domain.Task {
	var output json.RawMessage
	if outputBytes > 0 {
		// JSON-строка: кавычки входят в размер поля
		output = json.RawMessage(`"` + strings.Repeat("x", outputBytes-2) + `"`)
	}
	return domain.Task{
		ID:             uuid.New(),
		IdempotencyKey: key,
		Status:         domain.TaskStatusCompleted,
		Output:         output,
	}
}

func packedSize(tasks []CachedTask) int {
	total := 0
	for _, t := range tasks {
		b, _ := json.Marshal(t)
		total += len(b)
	}
	return total
}

func TestPack_AllFitWithinBudget(t *testing.T) {
	packer := NewPacker(0) // default budget

	tasks := []domain.Task{
		completedTask("step-1", 100),
		completedTask("step-2", 200),
		completedTask("step-3", 300),
	}

	packed := packer.Pack(tasks, nil)
	if len(packed) != 3 {
		t.Fatalf("expected all 3 tasks packed, got %d", len(packed))
	}
}

func TestPack_BudgetInvariant(t *testing.T) {
	budget := 1000
	packer := NewPacker(budget)

	tasks := []domain.Task{
		completedTask("a", 400),
		completedTask("b", 400),
		completedTask("c", 400),
		completedTask("d", 400),
	}

	packed := packer.Pack(tasks, nil)

	if size := packedSize(packed); size > budget {
		t.Errorf("packed size %d exceeds budget %d", size, budget)
	}
	if len(packed) == 0 {
		t.Error("at least one task should fit")
	}
	if len(packed) == len(tasks) {
		t.Error("not all tasks should fit in the budget")
	}
}

func TestPack_MaximizesCount(t *testing.T) {
	// Много маленьких + один большой: жадный отбор по возрастанию
	// размера должен предпочесть маленькие.
	budget := 600
	packer := NewPacker(budget)

	tasks := []domain.Task{
		completedTask("big", 500),
		completedTask("small-1", 50),
		completedTask("small-2", 50),
		completedTask("small-3", 50),
	}

	packed := packer.Pack(tasks, nil)

	for _, p := range packed {
		if p.ID == "big" {
			t.Error("big task should be displaced by the small ones")
		}
	}
	if len(packed) != 3 {
		t.Errorf("expected 3 small tasks packed, got %d", len(packed))
	}
}

func TestPack_OversizedDroppedWhole(t *testing.T) {
	packer := NewPacker(200)

	tasks := []domain.Task{
		completedTask("huge", 5000),
		completedTask("tiny", 20),
	}

	packed := packer.Pack(tasks, nil)

	if len(packed) != 1 {
		t.Fatalf("expected 1 task packed, got %d", len(packed))
	}
	if packed[0].ID != "tiny" {
		t.Errorf("expected tiny task, got %s", packed[0].ID)
	}
}

func TestPack_Deterministic(t *testing.T) {
	packer := NewPacker(2000)

	// Несколько tasks одинакового размера: стабильная сортировка
	// должна давать идентичный результат на каждом вызове.
	tasks := make([]domain.Task, 10)
	for i := range tasks {
		tasks[i] = completedTask(fmt.Sprintf("step-%d", i), 100)
	}

	first := packer.Pack(tasks, nil)
	for run := 0; run < 5; run++ {
		again := packer.Pack(tasks, nil)
		if len(again) != len(first) {
			t.Fatalf("run %d: got %d tasks, want %d", run, len(again), len(first))
		}
		for i := range first {
			if again[i].ID != first[i].ID {
				t.Fatalf("run %d: position %d differs: %s vs %s", run, i, again[i].ID, first[i].ID)
			}
		}
	}
}

func TestPack_ResumedDeduplicated(t *testing.T) {
	packer := NewPacker(0)

	resumed := completedTask("resumed-step", 100)
	tasks := []domain.Task{
		completedTask("step-1", 100),
		resumed,
	}

	packed := packer.Pack(tasks, &resumed)

	if len(packed) != 2 {
		t.Fatalf("expected 2 tasks (resumed deduplicated), got %d", len(packed))
	}
}

func TestPack_ResumedIncluded(t *testing.T) {
	packer := NewPacker(0)

	resumed := completedTask("resumed-step", 100)
	tasks := []domain.Task{
		completedTask("step-1", 100),
	}

	packed := packer.Pack(tasks, &resumed)

	found := false
	for _, p := range packed {
		if p.ID == "resumed-step" {
			found = true
		}
	}
	if !found {
		t.Error("resumed task should participate in packing")
	}
}

func TestPack_ParentIDResolvedToIdempotencyKey(t *testing.T) {
	packer := NewPacker(0)

	parent := completedTask("parent-step", 50)
	child := completedTask("child-step", 50)
	child.ParentID = &parent.ID

	packed := packer.Pack([]domain.Task{parent, child}, nil)

	var childProj *CachedTask
	for i := range packed {
		if packed[i].ID == "child-step" {
			childProj = &packed[i]
		}
	}
	if childProj == nil {
		t.Fatal("child task not packed")
	}
	if childProj.ParentID != "parent-step" {
		t.Errorf("parentId should be the parent's idempotency key, got %q", childProj.ParentID)
	}
}

func TestPack_EmptyInput(t *testing.T) {
	packer := NewPacker(0)

	packed := packer.Pack(nil, nil)
	if len(packed) != 0 {
		t.Errorf("expected empty result, got %d tasks", len(packed))
	}
}
