package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/panelfleet/panelfleet/internal/model"
)

const serviceColumns = `id, uuid, name, protocol, start_at_ns, end_at_ns, data_limit_gb,
	data_used_gb, status, subscription_link, created_by, created_at_ns, updated_at_ns`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanService(row rowScanner) (model.Service, error) {
	var s model.Service
	var protocol, status string
	err := row.Scan(&s.ID, &s.UUID, &s.Name, &protocol, &s.StartAtNs, &s.EndAtNs,
		&s.DataLimitGB, &s.DataUsedGB, &status, &s.SubscriptionLink, &s.CreatedBy,
		&s.CreatedAtNs, &s.UpdatedAtNs)
	s.Protocol = model.Protocol(protocol)
	s.Status = model.ServiceStatus(status)
	return s, err
}

// CreateService inserts a service and fills in its ID.
// A duplicate uuid yields ErrConflict.
func (q *Queries) CreateService(ctx context.Context, s *model.Service) error {
	now := time.Now().UnixNano()
	if s.CreatedAtNs == 0 {
		s.CreatedAtNs = now
	}
	s.UpdatedAtNs = s.CreatedAtNs
	if s.Status == "" {
		s.Status = model.StatusActive
	}
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO services (uuid, name, protocol, start_at_ns, end_at_ns, data_limit_gb,
		                      data_used_gb, status, subscription_link, created_by,
		                      created_at_ns, updated_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.UUID, s.Name, string(s.Protocol), s.StartAtNs, s.EndAtNs, s.DataLimitGB,
		s.DataUsedGB, string(s.Status), s.SubscriptionLink, s.CreatedBy,
		s.CreatedAtNs, s.UpdatedAtNs)
	if err != nil {
		return mapConstraintErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	s.ID = id
	return nil
}

// GetService returns the service with the given id.
func (q *Queries) GetService(ctx context.Context, id int64) (*model.Service, error) {
	s, err := scanService(q.q.QueryRowContext(ctx,
		"SELECT "+serviceColumns+" FROM services WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan service %d: %w", id, err)
	}
	return &s, nil
}

// GetServiceByUUID returns the service with the given external id.
func (q *Queries) GetServiceByUUID(ctx context.Context, uuid string) (*model.Service, error) {
	s, err := scanService(q.q.QueryRowContext(ctx,
		"SELECT "+serviceColumns+" FROM services WHERE uuid = ?", uuid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan service %s: %w", uuid, err)
	}
	return &s, nil
}

// ListServices returns all services ordered by id.
func (q *Queries) ListServices(ctx context.Context) ([]model.Service, error) {
	return q.queryServices(ctx, "SELECT "+serviceColumns+" FROM services ORDER BY id")
}

// ListServicesByStatus returns services in the given status ordered by id.
func (q *Queries) ListServicesByStatus(ctx context.Context, status model.ServiceStatus) ([]model.Service, error) {
	return q.queryServices(ctx,
		"SELECT "+serviceColumns+" FROM services WHERE status = ? ORDER BY id", string(status))
}

func (q *Queries) queryServices(ctx context.Context, query string, args ...any) ([]model.Service, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Service
	for rows.Next() {
		s, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

// TransitionStatus moves an active service into a terminal status.
// Services that already left active are never moved again: ErrNotActive is
// returned for them and ErrNotFound for unknown ids.
func (q *Queries) TransitionStatus(ctx context.Context, id int64, to model.ServiceStatus) error {
	if to == model.StatusActive || !to.IsValid() {
		return fmt.Errorf("invalid target status %q", to)
	}
	res, err := q.q.ExecContext(ctx, `
		UPDATE services SET status = ?, updated_at_ns = ?
		WHERE id = ? AND status = ?
	`, string(to), time.Now().UnixNano(), id, string(model.StatusActive))
	if err != nil {
		return err
	}
	if err := expectOneRow(res); err != nil {
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		if _, gerr := q.GetService(ctx, id); gerr != nil {
			return gerr
		}
		return ErrNotActive
	}
	return nil
}

// UpdateUsage records the aggregated traffic of a service.
func (q *Queries) UpdateUsage(ctx context.Context, id int64, usedGB float64) error {
	res, err := q.q.ExecContext(ctx,
		"UPDATE services SET data_used_gb = ?, updated_at_ns = ? WHERE id = ?",
		usedGB, time.Now().UnixNano(), id)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// UpdateLimits rewrites the quota and/or expiry. Nil arguments keep the
// stored value.
func (q *Queries) UpdateLimits(ctx context.Context, id int64, limitGB *float64, endAtNs *int64) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE services SET
			data_limit_gb = COALESCE(?, data_limit_gb),
			end_at_ns     = COALESCE(?, end_at_ns),
			updated_at_ns = ?
		WHERE id = ?
	`, nullFloat(limitGB), nullInt(endAtNs), time.Now().UnixNano(), id)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// SetSubscriptionLink stores the public URL of the service's subscription file.
func (q *Queries) SetSubscriptionLink(ctx context.Context, id int64, link string) error {
	res, err := q.q.ExecContext(ctx,
		"UPDATE services SET subscription_link = ?, updated_at_ns = ? WHERE id = ?",
		link, time.Now().UnixNano(), id)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// DeleteService removes a service. Its panel configs are removed by cascade.
func (q *Queries) DeleteService(ctx context.Context, id int64) error {
	res, err := q.q.ExecContext(ctx, "DELETE FROM services WHERE id = ?", id)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
