package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// querier is the subset of *sql.DB and *sql.Tx used by Queries.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries implements all state.db reads and writes against either the
// database handle or an open transaction.
type Queries struct {
	q querier
}

// Repo wraps state.db. Single statements run on the pooled connection;
// multi-statement units of work go through WithTx, serialized by mu.
type Repo struct {
	*Queries
	db *sql.DB
	mu sync.Mutex
}

// NewRepo creates a Repo for an already migrated state.db connection.
func NewRepo(db *sql.DB) *Repo {
	return &Repo{Queries: &Queries{q: db}, db: db}
}

// WithTx runs fn inside one transaction. fn must only use the Queries it is
// given: the pool holds a single connection, so touching the Repo directly
// from inside fn would block forever.
func (r *Repo) WithTx(ctx context.Context, fn func(q *Queries) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Queries{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// mapConstraintErr translates SQLite uniqueness violations into ErrConflict.
func mapConstraintErr(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
	}
	return err
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
