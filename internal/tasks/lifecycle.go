package tasks

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/panelfleet/panelfleet/internal/model"
	"github.com/panelfleet/panelfleet/internal/state"
	"github.com/panelfleet/panelfleet/internal/taskqueue"
)

// UpdateService pushes a new quota and/or expiry to every inbound of the
// service and persists them locally even when some panels fail. Remote
// enable flags are untouched, so a service that already left active keeps
// its inbounds disabled.
func (h *Handlers) UpdateService(ctx context.Context, p taskqueue.UpdateServicePayload) (*Report, error) {
	rep := newReport(taskqueue.KindUpdateService)
	svc, err := h.repo.GetServiceByUUID(ctx, p.ServiceUUID)
	if err != nil {
		return nil, fmt.Errorf("update service %s: %w", p.ServiceUUID, err)
	}
	rep.Services = 1

	limitGB := svc.DataLimitGB
	if p.DataLimitGB != nil {
		limitGB = *p.DataLimitGB
	}
	endAtNs := svc.EndAtNs
	var newEnd *int64
	if p.EndDate != nil {
		endAtNs = p.EndDate.UnixNano()
		newEnd = &endAtNs
	}
	totalBytes := int64(limitGB * model.BytesPerGB)
	expiry := expiryMillis(endAtNs)

	configs, err := h.repo.ListConfigsByService(ctx, svc.ID)
	if err != nil {
		return nil, fmt.Errorf("update service %s: list configs: %w", p.ServiceUUID, err)
	}
	panelList, err := h.repo.ListPanels(ctx)
	if err != nil {
		return nil, fmt.Errorf("update service %s: list panels: %w", p.ServiceUUID, err)
	}
	panels := panelsByID(panelList)

	sess := h.newSessions()
	for _, c := range configs {
		panel, ok := panels[c.PanelID]
		if !ok {
			log.Printf("[tasks] %s %s: config %d references missing panel %d", rep.Kind, svc.UUID, c.ID, c.PanelID)
			continue
		}
		api, err := sess.get(ctx, panel)
		if err != nil {
			rep.fail(panel, svc.UUID, c.Protocol, "update", err)
			continue
		}
		if err := api.UpdateInbound(ctx, c.PanelInboundID, totalBytes, expiry); err != nil {
			sess.forget(panel, err)
			rep.fail(panel, svc.UUID, c.Protocol, "update", err)
			continue
		}
		rep.ok(panel, svc.UUID, c.Protocol, "update")
	}

	if err := h.repo.UpdateLimits(ctx, svc.ID, p.DataLimitGB, newEnd); err != nil {
		return rep, fmt.Errorf("update service %s: persist limits: %w", p.ServiceUUID, err)
	}
	return rep.outcome()
}

// DeleteService removes every remote inbound on a best-effort basis, then
// the subscription file, the config rows and finally the service row.
// Remote failures are reported but do not fail the task.
func (h *Handlers) DeleteService(ctx context.Context, serviceUUID string) (*Report, error) {
	rep := newReport(taskqueue.KindDeleteService)
	svc, err := h.repo.GetServiceByUUID(ctx, serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("delete service %s: %w", serviceUUID, err)
	}
	rep.Services = 1
	configs, err := h.repo.ListConfigsByService(ctx, svc.ID)
	if err != nil {
		return nil, fmt.Errorf("delete service %s: list configs: %w", serviceUUID, err)
	}
	panelList, err := h.repo.ListPanels(ctx)
	if err != nil {
		return nil, fmt.Errorf("delete service %s: list panels: %w", serviceUUID, err)
	}
	panels := panelsByID(panelList)

	sess := h.newSessions()
	for _, c := range configs {
		panel, ok := panels[c.PanelID]
		if !ok {
			log.Printf("[tasks] %s %s: config %d references missing panel %d; dropping row only",
				rep.Kind, svc.UUID, c.ID, c.PanelID)
			continue
		}
		api, err := sess.get(ctx, panel)
		if err != nil {
			rep.fail(panel, svc.UUID, c.Protocol, "delete", err)
			continue
		}
		if err := api.DeleteInbound(ctx, c.PanelInboundID); err != nil {
			sess.forget(panel, err)
			rep.fail(panel, svc.UUID, c.Protocol, "delete", err)
			continue
		}
		rep.ok(panel, svc.UUID, c.Protocol, "delete")
	}

	if err := h.subs.Remove(svc.UUID); err != nil {
		log.Printf("[tasks] %s %s: %v", rep.Kind, svc.UUID, err)
	}

	err = h.repo.WithTx(ctx, func(q *state.Queries) error {
		for _, c := range configs {
			if err := q.DeletePanelConfig(ctx, c.ID); err != nil && !errors.Is(err, state.ErrNotFound) {
				return err
			}
		}
		return q.DeleteService(ctx, svc.ID)
	})
	if err != nil {
		return rep, fmt.Errorf("delete service %s: %w", serviceUUID, err)
	}
	rep.Removed = len(configs)
	return rep, nil
}
