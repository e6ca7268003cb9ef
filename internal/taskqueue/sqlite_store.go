package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLiteStore is the queue on a migrated queue.db (see state.MigrateQueueDB).
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore wraps an already migrated queue database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

func (s *SQLiteStore) Enqueue(ctx context.Context, p Payload, priority int) (string, error) {
	raw, err := EncodePayload(p)
	if err != nil {
		return "", err
	}
	id, err := newTaskID()
	if err != nil {
		return "", err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("sqlite enqueue begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `INSERT INTO tasks (id, kind, payload_json, priority, status, created_at_ns)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, string(p.Kind()), string(raw), priority, string(StatusPending), s.now().UnixNano(),
	); err != nil {
		return "", fmt.Errorf("sqlite enqueue insert task: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO queue_entries (kind, task_id, priority) VALUES (?, ?, ?)`,
		string(p.Kind()), id, priority,
	); err != nil {
		return "", fmt.Errorf("sqlite enqueue insert entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("sqlite enqueue commit: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) Dequeue(ctx context.Context, kind Kind) (*Task, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	var id string
	err := s.db.QueryRowContext(ctx, `DELETE FROM queue_entries
		WHERE seq = (
			SELECT seq FROM queue_entries WHERE kind = ?
			ORDER BY priority DESC, seq ASC LIMIT 1
		)
		RETURNING task_id`, string(kind)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite dequeue %s: %w", kind, err)
	}

	rec, err := s.GetStatus(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("sqlite dequeue %s: task %s: %w", kind, id, err)
	}
	return &Task{
		ID:        id,
		Kind:      kind,
		Priority:  rec.Priority,
		Payload:   rec.Payload,
		CreatedAt: rec.CreatedAt,
	}, nil
}

func (s *SQLiteStore) SetStatus(ctx context.Context, id string, upd StatusUpdate) error {
	var result, errText sql.NullString
	if upd.Result != nil {
		result = sql.NullString{String: string(upd.Result), Valid: true}
	}
	if upd.Error != "" {
		errText = sql.NullString{String: upd.Error, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET
		status          = COALESCE(NULLIF(?, ''), status),
		started_at_ns   = COALESCE(NULLIF(?, 0), started_at_ns),
		completed_at_ns = COALESCE(NULLIF(?, 0), completed_at_ns),
		failed_at_ns    = COALESCE(NULLIF(?, 0), failed_at_ns),
		result          = COALESCE(?, result),
		error           = COALESCE(?, error)
		WHERE id = ?`,
		string(upd.Status), unixNanoOrZero(upd.StartedAt), unixNanoOrZero(upd.CompletedAt),
		unixNanoOrZero(upd.FailedAt), result, errText, id,
	)
	if err != nil {
		return fmt.Errorf("sqlite set status %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite set status %s: %w", id, err)
	}
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *SQLiteStore) GetStatus(ctx context.Context, id string) (*Record, error) {
	var (
		rec                                 Record
		kind, status, payload, result, errT string
		createdNs, startedNs, doneNs, failNs int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT kind, payload_json, priority, status,
		created_at_ns, started_at_ns, completed_at_ns, failed_at_ns, result, error
		FROM tasks WHERE id = ?`, id).Scan(
		&kind, &payload, &rec.Priority, &status,
		&createdNs, &startedNs, &doneNs, &failNs, &result, &errT,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get status %s: %w", id, err)
	}
	rec.ID = id
	rec.Kind = Kind(kind)
	rec.Status = Status(status)
	rec.Payload = []byte(payload)
	rec.CreatedAt = time.Unix(0, createdNs).UTC()
	rec.StartedAt = nsToTimePtr(startedNs)
	rec.CompletedAt = nsToTimePtr(doneNs)
	rec.FailedAt = nsToTimePtr(failNs)
	if result != "" {
		rec.Result = []byte(result)
	}
	rec.Error = errT
	return &rec, nil
}

func (s *SQLiteStore) QueueDepth(ctx context.Context, kind Kind) (int64, error) {
	if err := checkKind(kind); err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_entries WHERE kind = ?`, string(kind)).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite queue depth %s: %w", kind, err)
	}
	return n, nil
}

func (s *SQLiteStore) AllQueueDepths(ctx context.Context) (map[Kind]int64, error) {
	out := make(map[Kind]int64, len(AllKinds))
	for _, k := range AllKinds {
		out[k] = 0
	}
	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM queue_entries GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("sqlite queue depths: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			kind string
			n    int64
		)
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("sqlite queue depths: %w", err)
		}
		out[Kind(kind)] = n
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func unixNanoOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
