package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/panelfleet/panelfleet/internal/scheduler"
	"github.com/panelfleet/panelfleet/internal/taskqueue"
	"github.com/panelfleet/panelfleet/internal/worker"
)

// QueueStats reports the depth of every queue.
type QueueStats struct {
	Backend string                   `json:"backend"`
	Depths  map[taskqueue.Kind]int64 `json:"depths"`
	Total   int64                    `json:"total"`
}

// GetQueueStats returns per-kind queue depths.
func (s *ControlPlaneService) GetQueueStats(ctx context.Context) (*QueueStats, error) {
	depths, err := s.Store.AllQueueDepths(ctx)
	if err != nil {
		return nil, unavailable("read queue depths", err)
	}
	st := &QueueStats{Backend: s.Info.QueueBackend, Depths: depths}
	for _, n := range depths {
		st.Total += n
	}
	return st, nil
}

// GetTask returns the status record of a task.
func (s *ControlPlaneService) GetTask(ctx context.Context, id string) (*taskqueue.Record, error) {
	rec, err := s.Store.GetStatus(ctx, id)
	if err != nil {
		if errors.Is(err, taskqueue.ErrTaskNotFound) {
			return nil, notFound("task not found")
		}
		return nil, unavailable("read task status", err)
	}
	return rec, nil
}

// TriggerTaskRequest names the periodic kind to run now.
type TriggerTaskRequest struct {
	Kind *string `json:"kind"`
}

// TriggerTask enqueues a periodic kind outside its schedule.
func (s *ControlPlaneService) TriggerTask(ctx context.Context, req TriggerTaskRequest) (*TaskAccepted, error) {
	if req.Kind == nil || strings.TrimSpace(*req.Kind) == "" {
		return nil, invalidArg("kind is required")
	}
	kind := taskqueue.Kind(strings.TrimSpace(*req.Kind))
	if !kind.IsValid() {
		return nil, invalidArg(fmt.Sprintf("kind: unknown task kind %q", kind))
	}
	if !kind.IsPeriodic() {
		return nil, invalidArg(fmt.Sprintf("kind: %s needs a service and cannot be triggered manually", kind))
	}
	taskID, err := s.enqueue(ctx, taskqueue.Periodic(kind), taskqueue.PriorityService)
	if err != nil {
		return nil, err
	}
	return &TaskAccepted{TaskID: taskID}, nil
}

// WorkersStatus combines worker loop counters and scheduler state.
type WorkersStatus struct {
	Workers   *worker.Status    `json:"workers,omitempty"`
	Scheduler *scheduler.Status `json:"scheduler,omitempty"`
}

// GetWorkersStatus reports the background loops of this process.
func (s *ControlPlaneService) GetWorkersStatus() WorkersStatus {
	var st WorkersStatus
	if s.Workers != nil {
		ws := s.Workers.Status()
		st.Workers = &ws
	}
	if s.Scheduler != nil {
		ss := s.Scheduler.Status()
		st.Scheduler = &ss
	}
	return st
}
