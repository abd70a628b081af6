package statestore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/snappy"
	pkgerrors "github.com/pkg/errors"
	"golang.org/x/exp/slices"

	_ "modernc.org/sqlite"
)

// Well known snapshot names.
const (
	RegistryKey = "membership_registry"
	TrackerKey  = "readiness_tracker"
)

// Snapshotter is implemented by the stores whose fact sets survive restarts.
type Snapshotter interface {
	MarshalState() ([]byte, error)
	RestoreState(data []byte) error
}

// Store persists named state snapshots in a sqlite database.  Payloads are
// snappy compressed; the fact sets are small but are rewritten on every
// notification.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set state db journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set state db busy timeout: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS state_snapshots (
	name TEXT PRIMARY KEY,
	payload BLOB NOT NULL,
	updated_at TEXT NOT NULL
)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize state snapshot schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func (s *Store) Put(name string, data []byte) error {
	return put(s.db, name, data)
}

func put(db execer, name string, data []byte) error {
	payload := snappy.Encode(nil, data)

	_, err := db.Exec(`
INSERT INTO state_snapshots (name, payload, updated_at) VALUES (?, ?, ?)
ON CONFLICT(name) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		name, payload, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save state snapshot %q: %w", name, err)
	}
	return nil
}

// Get returns the snapshot stored under name.  found is false when nothing has
// been saved yet.
func (s *Store) Get(name string) (data []byte, found bool, err error) {
	var payload []byte
	err = s.db.QueryRow(`SELECT payload FROM state_snapshots WHERE name = ?`, name).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("query state snapshot %q: %w", name, err)
	}

	data, err = snappy.Decode(nil, payload)
	if err != nil {
		return nil, false, pkgerrors.Wrapf(err, "failed to decompress state snapshot %q", name)
	}
	return data, true, nil
}

// Save marshals every snapshotter and stores the results in a single
// transaction, so a restart never observes a mix of old and new snapshots.
func (s *Store) Save(snapshotters map[string]Snapshotter) error {
	names := make([]string, 0, len(snapshotters))
	for name := range snapshotters {
		names = append(names, name)
	}
	slices.Sort(names)

	payloads := make([][]byte, len(names))
	for i, name := range names {
		data, err := snapshotters[name].MarshalState()
		if err != nil {
			return pkgerrors.Wrapf(err, "failed to marshal %s", name)
		}
		payloads[i] = data
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin state snapshot transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i, name := range names {
		err = put(tx, name, payloads[i])
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit state snapshots: %w", err)
	}
	return nil
}

// Restore rehydrates every snapshotter that has a stored snapshot.  It returns
// the names that were restored; missing snapshots are skipped.
func (s *Store) Restore(snapshotters map[string]Snapshotter) ([]string, error) {
	var restored []string
	for name, snapshotter := range snapshotters {
		data, found, err := s.Get(name)
		if err != nil {
			return restored, err
		}
		if !found {
			continue
		}

		err = snapshotter.RestoreState(data)
		if err != nil {
			return restored, pkgerrors.Wrapf(err, "failed to restore %s", name)
		}
		restored = append(restored, name)
	}
	return restored, nil
}
