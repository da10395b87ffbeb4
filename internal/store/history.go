package store

import (
	"time"

	"github.com/ayusman/objectlens/internal/task"
)

// History records controller task events in the task log. It implements
// task.History.
type History struct {
	tasks *TaskRepository
}

// NewHistory returns a History writing to tasks.
func NewHistory(tasks *TaskRepository) *History {
	return &History{tasks: tasks}
}

// TaskStarted inserts a running task.
func (h *History) TaskStarted(info task.Info) error {
	return h.tasks.Create(&Task{
		ID:        info.ID,
		Mode:      string(info.Mode),
		Source:    info.Source,
		CreatedAt: info.CreatedAt,
	})
}

// TaskFinished stores the outcome of a task.
func (h *History) TaskFinished(id string, outcome task.Outcome, at time.Time) error {
	return h.tasks.Finish(id, outcomeName(outcome.Kind), outcome.ResultPath, outcome.Reason(), at)
}

func outcomeName(kind task.OutcomeKind) string {
	switch kind {
	case task.OutcomeCompleted:
		return OutcomeCompleted
	case task.OutcomeCanceled:
		return OutcomeCanceled
	default:
		return OutcomeFailed
	}
}
