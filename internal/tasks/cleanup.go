package tasks

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/panelfleet/panelfleet/internal/state"
	"github.com/panelfleet/panelfleet/internal/taskqueue"
)

// CleanupPanels deletes config rows whose panel no longer exists and
// refreshes the subscriptions of the affected services. Services themselves
// are kept, even when no config remains.
func (h *Handlers) CleanupPanels(ctx context.Context) (*Report, error) {
	rep := newReport(taskqueue.KindCleanupPanels)
	orphans, err := h.repo.ListOrphanConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("cleanup panels: list orphans: %w", err)
	}
	if len(orphans) == 0 {
		return rep, nil
	}

	err = h.repo.WithTx(ctx, func(q *state.Queries) error {
		for _, c := range orphans {
			if err := q.DeletePanelConfig(ctx, c.ID); err != nil && !errors.Is(err, state.ErrNotFound) {
				return fmt.Errorf("delete config %d: %w", c.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cleanup panels: %w", err)
	}
	rep.Removed = len(orphans)
	log.Printf("[tasks] %s: removed %d configs of deleted panels", rep.Kind, len(orphans))

	seen := make(map[int64]bool)
	for _, c := range orphans {
		if seen[c.ServiceID] {
			continue
		}
		seen[c.ServiceID] = true
		rep.Services++

		svc, err := h.repo.GetService(ctx, c.ServiceID)
		if err != nil {
			log.Printf("[tasks] %s: load service %d: %v", rep.Kind, c.ServiceID, err)
			continue
		}
		remaining, err := h.repo.ListConfigsByService(ctx, svc.ID)
		if err != nil {
			log.Printf("[tasks] %s: list configs of %s: %v", rep.Kind, svc.UUID, err)
			continue
		}
		if len(remaining) == 0 {
			if err := h.subs.Remove(svc.UUID); err != nil {
				log.Printf("[tasks] %s: %v", rep.Kind, err)
			}
			continue
		}
		if err := h.rewriteSubscription(ctx, svc); err != nil {
			log.Printf("[tasks] %s: rewrite subscription of %s: %v", rep.Kind, svc.UUID, err)
		}
	}
	return rep, nil
}
