package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/panelfleet/panelfleet/internal/model"
)

const panelColumns = `id, name, url, username, password, domain, remark_prefix, created_at_ns, updated_at_ns`

func scanPanel(row rowScanner) (model.Panel, error) {
	var p model.Panel
	err := row.Scan(&p.ID, &p.Name, &p.URL, &p.Username, &p.Password, &p.Domain,
		&p.RemarkPrefix, &p.CreatedAtNs, &p.UpdatedAtNs)
	return p, err
}

// CreatePanel inserts a panel and fills in its ID.
// Name and remark prefix collisions yield ErrConflict.
func (q *Queries) CreatePanel(ctx context.Context, p *model.Panel) error {
	now := time.Now().UnixNano()
	p.CreatedAtNs = now
	p.UpdatedAtNs = now
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO panels (name, url, username, password, domain, remark_prefix,
		                    created_at_ns, updated_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, p.Name, p.URL, p.Username, p.Password, p.Domain, p.RemarkPrefix, p.CreatedAtNs, p.UpdatedAtNs)
	if err != nil {
		return mapConstraintErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	p.ID = id
	return nil
}

// UpdatePanel rewrites every mutable panel column.
func (q *Queries) UpdatePanel(ctx context.Context, p *model.Panel) error {
	p.UpdatedAtNs = time.Now().UnixNano()
	res, err := q.q.ExecContext(ctx, `
		UPDATE panels SET name = ?, url = ?, username = ?, password = ?, domain = ?,
		                  remark_prefix = ?, updated_at_ns = ?
		WHERE id = ?
	`, p.Name, p.URL, p.Username, p.Password, p.Domain, p.RemarkPrefix, p.UpdatedAtNs, p.ID)
	if err != nil {
		return mapConstraintErr(err)
	}
	return expectOneRow(res)
}

// GetPanel returns the panel with the given id.
func (q *Queries) GetPanel(ctx context.Context, id int64) (*model.Panel, error) {
	p, err := scanPanel(q.q.QueryRowContext(ctx,
		"SELECT "+panelColumns+" FROM panels WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan panel %d: %w", id, err)
	}
	return &p, nil
}

// GetPanelByName returns the panel with the given unique name.
func (q *Queries) GetPanelByName(ctx context.Context, name string) (*model.Panel, error) {
	p, err := scanPanel(q.q.QueryRowContext(ctx,
		"SELECT "+panelColumns+" FROM panels WHERE name = ?", name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan panel %q: %w", name, err)
	}
	return &p, nil
}

// ListPanels returns all panels ordered by id.
func (q *Queries) ListPanels(ctx context.Context) ([]model.Panel, error) {
	rows, err := q.q.QueryContext(ctx, "SELECT "+panelColumns+" FROM panels ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Panel
	for rows.Next() {
		p, err := scanPanel(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// DeletePanel removes a panel row. Configs that reference it are left for
// the cleanup task.
func (q *Queries) DeletePanel(ctx context.Context, id int64) error {
	res, err := q.q.ExecContext(ctx, "DELETE FROM panels WHERE id = ?", id)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}
