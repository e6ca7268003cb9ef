package state

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// persistenceCloser holds DB handles for cleanup. Implements io.Closer.
type persistenceCloser struct {
	stateDB *sql.DB
	queueDB *sql.DB
}

func (c *persistenceCloser) Close() error {
	return errors.Join(c.stateDB.Close(), c.queueDB.Close())
}

// Persistence bundles the opened stores returned by PersistenceBootstrap.
type Persistence struct {
	Repo *Repo
	// QueueDB backs the SQLite task queue. It is migrated even when the
	// Redis queue backend is selected so switching backends needs no setup.
	QueueDB *sql.DB
}

// PersistenceBootstrap opens state.db and queue.db under stateDir, applies
// migrations to both, and returns the repos plus an io.Closer for the handles.
func PersistenceBootstrap(stateDir string) (*Persistence, io.Closer, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create state dir %s: %w", stateDir, err)
	}

	stateDB, err := OpenDB(filepath.Join(stateDir, "state.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("open state.db: %w", err)
	}

	queueDB, err := OpenDB(filepath.Join(stateDir, "queue.db"))
	if err != nil {
		stateDB.Close()
		return nil, nil, fmt.Errorf("open queue.db: %w", err)
	}

	if err := MigrateStateDB(stateDB); err != nil {
		stateDB.Close()
		queueDB.Close()
		return nil, nil, fmt.Errorf("init state.db: %w", err)
	}
	if err := MigrateQueueDB(queueDB); err != nil {
		stateDB.Close()
		queueDB.Close()
		return nil, nil, fmt.Errorf("init queue.db: %w", err)
	}

	p := &Persistence{
		Repo:    NewRepo(stateDB),
		QueueDB: queueDB,
	}
	return p, &persistenceCloser{stateDB: stateDB, queueDB: queueDB}, nil
}
