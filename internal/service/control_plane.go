// Package service implements the control plane behind the HTTP API.
// Handlers call its methods; business logic lives here, not in handlers.
package service

import (
	"context"
	"time"

	"github.com/panelfleet/panelfleet/internal/gate"
	"github.com/panelfleet/panelfleet/internal/model"
	"github.com/panelfleet/panelfleet/internal/scheduler"
	"github.com/panelfleet/panelfleet/internal/state"
	"github.com/panelfleet/panelfleet/internal/subscription"
	"github.com/panelfleet/panelfleet/internal/taskqueue"
	"github.com/panelfleet/panelfleet/internal/worker"
	"github.com/panelfleet/panelfleet/internal/xui"
)

// SystemInfo contains version and runtime information.
type SystemInfo struct {
	Version      string    `json:"version"`
	GitCommit    string    `json:"git_commit"`
	BuildTime    string    `json:"build_time"`
	StartedAt    time.Time `json:"started_at"`
	QueueBackend string    `json:"queue_backend"`
}

// ControlPlaneService provides all control plane operations.
type ControlPlaneService struct {
	Repo      *state.Repo
	Store     taskqueue.Store
	Subs      *subscription.Writer
	Connector xui.Connector
	// Gate serializes service creation.
	Gate *gate.Gate
	// Workers and Scheduler are optional; they only feed status endpoints.
	Workers   *worker.Pool
	Scheduler *scheduler.Scheduler

	Info          SystemInfo
	PublicBaseURL string
	// Now overrides the clock (tests).
	Now func() time.Time
}

func (s *ControlPlaneService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// GetSystemInfo returns build and runtime information.
func (s *ControlPlaneService) GetSystemInfo() SystemInfo {
	return s.Info
}

func (s *ControlPlaneService) enqueue(ctx context.Context, p taskqueue.Payload, priority int) (string, error) {
	id, err := s.Store.Enqueue(ctx, p, priority)
	if err != nil {
		return "", unavailable("enqueue "+string(p.Kind())+" task", err)
	}
	return id, nil
}

type forgetter interface {
	Forget(panel model.Panel)
}

// forgetSession drops a cached panel login, if the connector caches any.
func (s *ControlPlaneService) forgetSession(p model.Panel) {
	if f, ok := s.Connector.(forgetter); ok {
		f.Forget(p)
	}
}

func formatNs(ns int64) string {
	if ns == 0 {
		return ""
	}
	return time.Unix(0, ns).UTC().Format(time.RFC3339Nano)
}
