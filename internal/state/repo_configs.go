package state

import (
	"context"
	"time"

	"github.com/panelfleet/panelfleet/internal/model"
)

const configColumns = `c.id, c.service_id, c.panel_id, c.protocol, c.panel_inbound_id, c.port,
	c.remark, c.config_link, c.created_at_ns`

func scanConfig(row rowScanner) (model.PanelConfig, error) {
	var c model.PanelConfig
	var protocol string
	err := row.Scan(&c.ID, &c.ServiceID, &c.PanelID, &protocol, &c.PanelInboundID, &c.Port,
		&c.Remark, &c.ConfigLink, &c.CreatedAtNs)
	c.Protocol = model.Protocol(protocol)
	return c, err
}

// CreatePanelConfig inserts a config and fills in its ID. A second config for
// the same (service, panel, protocol) yields ErrConflict.
func (q *Queries) CreatePanelConfig(ctx context.Context, c *model.PanelConfig) error {
	c.CreatedAtNs = time.Now().UnixNano()
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO panel_configs (service_id, panel_id, protocol, panel_inbound_id, port,
		                           remark, config_link, created_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ServiceID, c.PanelID, string(c.Protocol), c.PanelInboundID, c.Port,
		c.Remark, c.ConfigLink, c.CreatedAtNs)
	if err != nil {
		return mapConstraintErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	c.ID = id
	return nil
}

// ListConfigsByService returns a service's configs ordered by panel then protocol.
func (q *Queries) ListConfigsByService(ctx context.Context, serviceID int64) ([]model.PanelConfig, error) {
	return q.queryConfigs(ctx, `SELECT `+configColumns+` FROM panel_configs c
		WHERE c.service_id = ? ORDER BY c.panel_id, c.protocol`, serviceID)
}

// ListConfigsByPanel returns every config placed on the given panel.
func (q *Queries) ListConfigsByPanel(ctx context.Context, panelID int64) ([]model.PanelConfig, error) {
	return q.queryConfigs(ctx, `SELECT `+configColumns+` FROM panel_configs c
		WHERE c.panel_id = ? ORDER BY c.id`, panelID)
}

// ListConfigs returns all configs.
func (q *Queries) ListConfigs(ctx context.Context) ([]model.PanelConfig, error) {
	return q.queryConfigs(ctx, `SELECT `+configColumns+` FROM panel_configs c ORDER BY c.id`)
}

// ListOrphanConfigs returns configs whose panel row no longer exists.
func (q *Queries) ListOrphanConfigs(ctx context.Context) ([]model.PanelConfig, error) {
	return q.queryConfigs(ctx, `SELECT `+configColumns+` FROM panel_configs c
		LEFT JOIN panels p ON p.id = c.panel_id
		WHERE p.id IS NULL ORDER BY c.id`)
}

func (q *Queries) queryConfigs(ctx context.Context, query string, args ...any) ([]model.PanelConfig, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.PanelConfig
	for rows.Next() {
		c, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// DeletePanelConfig removes one config row.
func (q *Queries) DeletePanelConfig(ctx context.Context, id int64) error {
	res, err := q.q.ExecContext(ctx, "DELETE FROM panel_configs WHERE id = ?", id)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}
