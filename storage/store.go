// Package storage persists preview instance metadata and log entries to
// sqlite. Writes from the live path are best-effort: the hub and the
// instance manager never block on them.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/previewlabs/previewd/loghub"
)

// ErrNotFound is returned when requested instance metadata does not exist.
var ErrNotFound = errors.New("instance metadata not found")

// InstanceRecord is the persisted snapshot of a preview instance.
type InstanceRecord struct {
	ID        string `db:"id"`
	Owner     string `db:"owner"`
	Port      int    `db:"port"`
	Status    string `db:"status"`
	Reason    string `db:"reason"`
	Token     string `db:"token"`
	CreatedAt int64  `db:"created_at"`
	StartedAt int64  `db:"started_at"`
	StoppedAt int64  `db:"stopped_at"`
	ExpiresAt int64  `db:"expires_at"`
}

// LogRecord is the persisted form of one hub entry.
type LogRecord struct {
	InstanceID string `db:"instance_id"`
	Seq        int64  `db:"seq"`
	Timestamp  int64  `db:"timestamp"`
	Level      string `db:"level"`
	Source     string `db:"source"`
	Message    string `db:"message"`
}

// LogStore is the persistence sink for hub entries.
type LogStore interface {
	SaveLogEntry(instanceID string, entry loghub.Entry) error
}

// InstanceStore persists and recalls instance metadata.
type InstanceStore interface {
	SaveInstanceMetadata(record InstanceRecord) error
	LoadInstanceMetadata(id string) (InstanceRecord, error)
}

// Store implements LogStore and InstanceStore on a sqlite database.
type Store struct {
	db *sqlx.DB
}

// NewStore initializes the schema and returns a Store.
func NewStore(db *sqlx.DB) (*Store, error) {
	if err := dbInit(db); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Open connects to the sqlite database at path and initializes the schema.
func Open(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return NewStore(db)
}

func dbInit(db *sqlx.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS preview_instances (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		port INTEGER NOT NULL,
		status TEXT NOT NULL,
		reason TEXT,
		token TEXT,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		stopped_at INTEGER,
		expires_at INTEGER
	)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
	CREATE TABLE IF NOT EXISTS instance_logs (
		instance_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		timestamp INTEGER NOT NULL,
		level TEXT NOT NULL,
		source TEXT NOT NULL,
		message TEXT NOT NULL,
		PRIMARY KEY (instance_id, seq)
	)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_instance_logs_timestamp ON instance_logs(instance_id, timestamp)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_preview_instances_owner ON preview_instances(owner)`)
	return err
}

// SaveLogEntry persists one hub entry for an instance.
func (s *Store) SaveLogEntry(instanceID string, entry loghub.Entry) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO instance_logs (
			instance_id, seq, timestamp, level, source, message
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		instanceID,
		entry.Seq,
		entry.Timestamp.UnixMilli(),
		entry.Level,
		entry.Source,
		entry.Message,
	)
	return err
}

// SaveInstanceMetadata upserts the metadata snapshot for an instance.
func (s *Store) SaveInstanceMetadata(record InstanceRecord) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO preview_instances (
			id, owner, port, status, reason, token,
			created_at, started_at, stopped_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		record.ID,
		record.Owner,
		record.Port,
		record.Status,
		record.Reason,
		record.Token,
		record.CreatedAt,
		record.StartedAt,
		record.StoppedAt,
		record.ExpiresAt,
	)
	return err
}

// LoadInstanceMetadata returns the persisted snapshot for the instance, or
// ErrNotFound.
func (s *Store) LoadInstanceMetadata(id string) (InstanceRecord, error) {
	var record InstanceRecord
	err := s.db.Get(&record, `SELECT * FROM preview_instances WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return InstanceRecord{}, ErrNotFound
	}
	if err != nil {
		return InstanceRecord{}, err
	}
	return record, nil
}

// GetLogEntries returns persisted entries for an instance with seq greater
// than fromSeq, ordered by seq.
func (s *Store) GetLogEntries(instanceID string, fromSeq int64, limit int) ([]LogRecord, error) {
	var records []LogRecord
	err := s.db.Select(&records,
		`SELECT * FROM instance_logs WHERE instance_id = $1 AND seq > $2 ORDER BY seq LIMIT $3`,
		instanceID, fromSeq, limit)
	return records, err
}

// PruneLogsBefore deletes persisted log entries older than the cutoff.
// Preview logs are fire-and-forget; this keeps the table from growing
// without bound across instance lifetimes.
func (s *Store) PruneLogsBefore(cutoff time.Time) error {
	_, err := s.db.Exec(`DELETE FROM instance_logs WHERE timestamp < $1`, cutoff.UnixMilli())
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
