package taskqueue

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrTaskNotFound is returned by GetStatus for unknown task ids.
	ErrTaskNotFound = errors.New("task not found")
	// ErrUnknownKind is returned for kinds outside the fixed set.
	ErrUnknownKind = errors.New("unknown task kind")
)

// Store is a durable priority queue per kind plus a status record per task.
// Implementations are safe for concurrent use; one queued task is handed to
// exactly one Dequeue caller.
type Store interface {
	// Enqueue persists a pending record and queues the task. It returns the
	// new task id.
	Enqueue(ctx context.Context, p Payload, priority int) (string, error)
	// Dequeue pops the highest-priority task of kind. It returns (nil, nil)
	// when the queue is empty.
	Dequeue(ctx context.Context, kind Kind) (*Task, error)
	// SetStatus merges upd into the record of id.
	SetStatus(ctx context.Context, id string, upd StatusUpdate) error
	// GetStatus returns the record of id or ErrTaskNotFound.
	GetStatus(ctx context.Context, id string) (*Record, error)
	QueueDepth(ctx context.Context, kind Kind) (int64, error)
	AllQueueDepths(ctx context.Context) (map[Kind]int64, error)
	Ping(ctx context.Context) error
}

// newTaskID returns a time-ordered unique id.
func newTaskID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate task id: %w", err)
	}
	return id.String(), nil
}

func checkKind(kind Kind) error {
	if !kind.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return nil
}

func allDepths(ctx context.Context, s Store) (map[Kind]int64, error) {
	out := make(map[Kind]int64, len(AllKinds))
	for _, k := range AllKinds {
		n, err := s.QueueDepth(ctx, k)
		if err != nil {
			return nil, err
		}
		out[k] = n
	}
	return out, nil
}
