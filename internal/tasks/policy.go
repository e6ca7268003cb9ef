package tasks

import (
	"context"
	"fmt"
	"log"

	"github.com/panelfleet/panelfleet/internal/model"
	"github.com/panelfleet/panelfleet/internal/taskqueue"
	"github.com/panelfleet/panelfleet/internal/xui"
)

// SyncUsage recomputes data_used_gb of every active service from the
// traffic counters of its inbounds and moves services over quota to
// limit_reached. A service with an inbound on a panel that could not be read
// keeps its stored usage for this run; the readable part is still a lower
// bound and enforces the limit. Services are never reactivated.
func (h *Handlers) SyncUsage(ctx context.Context) (*Report, error) {
	rep := newReport(taskqueue.KindSyncUsage)
	panelList, err := h.repo.ListPanels(ctx)
	if err != nil {
		return nil, fmt.Errorf("sync usage: list panels: %w", err)
	}
	panels := panelsByID(panelList)

	sess := h.newSessions()
	traffic := make(map[int64]map[int]xui.Inbound, len(panelList))
	unread := make(map[int64]bool)
	for _, panel := range panelList {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		api, err := sess.get(ctx, panel)
		if err != nil {
			unread[panel.ID] = true
			rep.fail(panel, "", "", "list", err)
			continue
		}
		inbounds, err := api.ListInbounds(ctx)
		if err != nil {
			unread[panel.ID] = true
			sess.forget(panel, err)
			rep.fail(panel, "", "", "list", err)
			continue
		}
		byID := make(map[int]xui.Inbound, len(inbounds))
		for _, in := range inbounds {
			byID[in.ID] = in
		}
		traffic[panel.ID] = byID
		rep.ok(panel, "", "", "list")
	}

	services, err := h.repo.ListServicesByStatus(ctx, model.StatusActive)
	if err != nil {
		return rep, fmt.Errorf("sync usage: list services: %w", err)
	}
	configs, err := h.repo.ListConfigs(ctx)
	if err != nil {
		return rep, fmt.Errorf("sync usage: list configs: %w", err)
	}
	byService := configsByService(configs)

	for _, svc := range services {
		var usedBytes int64
		partial := false
		for _, c := range byService[svc.ID] {
			if unread[c.PanelID] {
				partial = true
				continue
			}
			if in, ok := traffic[c.PanelID][c.PanelInboundID]; ok {
				usedBytes += in.Up + in.Down
			}
		}
		usedGB := float64(usedBytes) / model.BytesPerGB
		if partial {
			log.Printf("[tasks] %s: %s has inbounds on unreadable panels; keeping stored usage", rep.Kind, svc.UUID)
		} else {
			if err := h.repo.UpdateUsage(ctx, svc.ID, usedGB); err != nil {
				log.Printf("[tasks] %s: store usage of %s: %v", rep.Kind, svc.UUID, err)
				continue
			}
			rep.Services++
		}
		if svc.DataLimitGB > 0 && usedGB >= svc.DataLimitGB {
			if err := h.transition(ctx, rep, sess, svc, model.StatusLimitReached, byService[svc.ID], panels); err != nil {
				log.Printf("[tasks] %s: %v", rep.Kind, err)
			}
		}
	}
	return h.panelOutcome(rep)
}

// CheckExpiredServices moves active services past their end date to expired.
func (h *Handlers) CheckExpiredServices(ctx context.Context) (*Report, error) {
	return h.enforce(ctx, taskqueue.KindCheckExpiredServices, func(svc model.Service) model.ServiceStatus {
		if h.isExpired(svc) {
			return model.StatusExpired
		}
		return ""
	})
}

// CheckServiceStatus applies both policies from stored counters: expired
// first, otherwise limit_reached when usage is at or above the quota.
func (h *Handlers) CheckServiceStatus(ctx context.Context) (*Report, error) {
	return h.enforce(ctx, taskqueue.KindCheckServiceStatus, func(svc model.Service) model.ServiceStatus {
		switch {
		case h.isExpired(svc):
			return model.StatusExpired
		case svc.DataLimitGB > 0 && svc.DataUsedGB >= svc.DataLimitGB:
			return model.StatusLimitReached
		}
		return ""
	})
}

func (h *Handlers) isExpired(svc model.Service) bool {
	return svc.EndAtNs > 0 && svc.EndAtNs < h.now().UnixNano()
}

func (h *Handlers) enforce(ctx context.Context, kind taskqueue.Kind, decide func(model.Service) model.ServiceStatus) (*Report, error) {
	rep := newReport(kind)
	services, err := h.repo.ListServicesByStatus(ctx, model.StatusActive)
	if err != nil {
		return nil, fmt.Errorf("%s: list services: %w", kind, err)
	}

	var due []model.Service
	var targets []model.ServiceStatus
	for _, svc := range services {
		if to := decide(svc); to != "" {
			due = append(due, svc)
			targets = append(targets, to)
		}
	}
	rep.Services = len(due)
	if len(due) == 0 {
		return rep, nil
	}

	panelList, err := h.repo.ListPanels(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: list panels: %w", kind, err)
	}
	panels := panelsByID(panelList)
	sess := h.newSessions()
	for i, svc := range due {
		configs, err := h.repo.ListConfigsByService(ctx, svc.ID)
		if err != nil {
			log.Printf("[tasks] %s: list configs of %s: %v", kind, svc.UUID, err)
			configs = nil
		}
		if err := h.transition(ctx, rep, sess, svc, targets[i], configs, panels); err != nil {
			log.Printf("[tasks] %s: %v", kind, err)
		}
	}
	// Status changes are committed locally; disabling is best-effort.
	return rep, nil
}

// panelOutcome fails the task only when panels existed and none of them
// could be read. Disable failures alone never fail the sync.
func (h *Handlers) panelOutcome(rep *Report) (*Report, error) {
	listed, failed := 0, 0
	for _, r := range rep.Results {
		if r.Op != "list" {
			continue
		}
		listed++
		if !r.OK {
			failed++
		}
	}
	if listed > 0 && failed == listed {
		return rep, fmt.Errorf("%s: %w (%d panels)", rep.Kind, ErrNoPanelSucceeded, listed)
	}
	return rep, nil
}
