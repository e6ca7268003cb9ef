package tasks

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/panelfleet/panelfleet/internal/model"
	"github.com/panelfleet/panelfleet/internal/state"
	"github.com/panelfleet/panelfleet/internal/taskqueue"
	"github.com/panelfleet/panelfleet/internal/xui"
)

type configKey struct {
	panelID  int64
	protocol model.Protocol
}

// allocation tracks ports handed out per panel during one task run, in case
// a panel lists new inbounds with a delay.
type allocation map[int64]map[int]struct{}

func (a allocation) take(panelID int64, port int) {
	if a[panelID] == nil {
		a[panelID] = make(map[int]struct{})
	}
	a[panelID][port] = struct{}{}
}

// pickPort returns the first port >= base that is neither used remotely nor
// allocated earlier in this run.
func pickPort(base int, used map[int]struct{}, taken map[int]struct{}) (int, error) {
	for port := base; port <= 65535; port++ {
		if _, ok := used[port]; ok {
			continue
		}
		if _, ok := taken[port]; ok {
			continue
		}
		return port, nil
	}
	return 0, fmt.Errorf("no free port at or above %d", base)
}

// BuildConfigs provisions the service on every panel and rewrites its
// subscription. Panels that fail are skipped.
func (h *Handlers) BuildConfigs(ctx context.Context, serviceUUID string) (*Report, error) {
	rep := newReport(taskqueue.KindBuildConfigs)
	svc, err := h.repo.GetServiceByUUID(ctx, serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("build configs %s: %w", serviceUUID, err)
	}
	rep.Services = 1
	panels, err := h.repo.ListPanels(ctx)
	if err != nil {
		return nil, fmt.Errorf("build configs %s: list panels: %w", serviceUUID, err)
	}
	existing, err := h.repo.ListConfigsByService(ctx, svc.ID)
	if err != nil {
		return nil, fmt.Errorf("build configs %s: list configs: %w", serviceUUID, err)
	}
	have := make(map[configKey]struct{}, len(existing))
	for _, c := range existing {
		have[configKey{c.PanelID, c.Protocol}] = struct{}{}
	}

	sess := h.newSessions()
	alloc := make(allocation)
	for _, panel := range panels {
		for _, proto := range svc.Protocol.Inbounds() {
			if _, ok := have[configKey{panel.ID, proto}]; ok {
				rep.ok(panel, svc.UUID, proto, "exists")
				continue
			}
			if err := ctx.Err(); err != nil {
				return rep, err
			}
			h.provision(ctx, rep, sess, alloc, panel, *svc, proto)
		}
	}

	if err := h.rewriteSubscription(ctx, svc); err != nil {
		return rep, fmt.Errorf("build configs %s: %w", serviceUUID, err)
	}
	return rep.outcome()
}

// provision creates one inbound and its config row. The port lock of the
// panel is held from the used-port read until the inbound exists remotely.
func (h *Handlers) provision(ctx context.Context, rep *Report, sess *sessions, alloc allocation, panel model.Panel, svc model.Service, proto model.Protocol) bool {
	api, err := sess.get(ctx, panel)
	if err != nil {
		rep.fail(panel, svc.UUID, proto, "create", err)
		return false
	}

	remark := Remark(panel.RemarkPrefix, svc, proto)
	created, port, err := h.createInbound(ctx, api, alloc, panel, xui.CreateRequest{
		Protocol:   proto,
		Remark:     remark,
		Domain:     panel.Domain,
		ClientID:   svc.UUID,
		ExpiryTime: expiryMillis(svc.EndAtNs),
		TotalBytes: svc.LimitBytes(),
	})
	if err != nil {
		sess.forget(panel, err)
		rep.fail(panel, svc.UUID, proto, "create", err)
		return false
	}

	cfg := &model.PanelConfig{
		ServiceID:      svc.ID,
		PanelID:        panel.ID,
		Protocol:       proto,
		PanelInboundID: created.InboundID,
		Port:           port,
		Remark:         remark,
		ConfigLink:     created.Link,
	}
	if err := h.repo.CreatePanelConfig(ctx, cfg); err != nil {
		if errors.Is(err, state.ErrConflict) {
			// Another run provisioned this triple first; drop our duplicate.
			if derr := api.DeleteInbound(ctx, created.InboundID); derr != nil {
				log.Printf("[tasks] %s %s: panel %s: delete duplicate inbound %d: %v",
					rep.Kind, svc.UUID, panel.Name, created.InboundID, derr)
			}
			rep.ok(panel, svc.UUID, proto, "exists")
			return true
		}
		rep.fail(panel, svc.UUID, proto, "save", err)
		return false
	}
	rep.Created++
	rep.ok(panel, svc.UUID, proto, "create")
	return true
}

func (h *Handlers) createInbound(ctx context.Context, api xui.API, alloc allocation, panel model.Panel, req xui.CreateRequest) (xui.Created, int, error) {
	unlock := h.portLocks.Lock(panel.ID)
	defer unlock()

	used, err := api.UsedPorts(ctx)
	if err != nil {
		return xui.Created{}, 0, fmt.Errorf("list used ports: %w", err)
	}
	port, err := pickPort(h.basePort, used, alloc[panel.ID])
	if err != nil {
		return xui.Created{}, 0, err
	}
	req.Port = port
	created, err := api.CreateInbound(ctx, req)
	if err != nil {
		var locErr *xui.LocateError
		if errors.As(err, &locErr) {
			// The inbound may exist remotely; keep its port out of this run.
			alloc.take(panel.ID, port)
		}
		return xui.Created{}, 0, err
	}
	if created.Port != 0 {
		// An adopted inbound keeps the port it was created with.
		port = created.Port
	}
	alloc.take(panel.ID, port)
	return created, port, nil
}

// SyncServicesWithPanels provisions every missing (service, panel,
// protocol) triple of active services. Each created config is committed on
// its own, and re-running the task creates nothing new.
func (h *Handlers) SyncServicesWithPanels(ctx context.Context) (*Report, error) {
	rep := newReport(taskqueue.KindSyncServicesOnPanels)
	services, err := h.repo.ListServicesByStatus(ctx, model.StatusActive)
	if err != nil {
		return nil, fmt.Errorf("reconcile: list services: %w", err)
	}
	panels, err := h.repo.ListPanels(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: list panels: %w", err)
	}
	configs, err := h.repo.ListConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: list configs: %w", err)
	}
	have := make(map[int64]map[configKey]struct{})
	for _, c := range configs {
		if have[c.ServiceID] == nil {
			have[c.ServiceID] = make(map[configKey]struct{})
		}
		have[c.ServiceID][configKey{c.PanelID, c.Protocol}] = struct{}{}
	}

	sess := h.newSessions()
	alloc := make(allocation)
	affected := make(map[int64]bool)
	for i := range services {
		svc := services[i]
		for _, panel := range panels {
			for _, proto := range svc.Protocol.Inbounds() {
				if _, ok := have[svc.ID][configKey{panel.ID, proto}]; ok {
					continue
				}
				if err := ctx.Err(); err != nil {
					return rep, err
				}
				if h.provision(ctx, rep, sess, alloc, panel, svc, proto) {
					affected[svc.ID] = true
				}
			}
		}
	}

	for i := range services {
		svc := &services[i]
		if !affected[svc.ID] {
			continue
		}
		rep.Services++
		if err := h.rewriteSubscription(ctx, svc); err != nil {
			log.Printf("[tasks] %s: rewrite subscription of %s: %v", rep.Kind, svc.UUID, err)
		}
	}
	return rep.outcome()
}
