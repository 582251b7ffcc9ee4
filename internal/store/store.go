// Package store persists the host state as opaque JSON blobs in SQLite:
// records, completed and pinned ids, reminder state and settings. Reads
// return the last committed value; a write of several keys commits as one
// transaction.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	appLog "duecal/internal/log"
	"duecal/internal/model"
	"duecal/internal/reminder"
)

// Key names one persisted blob.
type Key string

const (
	KeyRecords         Key = "records"
	KeyCompleted       Key = "completed_ids"
	KeyPinned          Key = "pinned_ids"
	KeyReminders       Key = "reminders"
	KeyReminderHistory Key = "reminder_history"
	KeySettings        Key = "settings"
)

// AllKeys lists every key in a stable order.
var AllKeys = []Key{KeyRecords, KeyCompleted, KeyPinned, KeyReminders, KeyReminderHistory, KeySettings}

// ReminderKeys are the keys touched by scheduling.
var ReminderKeys = []Key{KeyCompleted, KeyReminders, KeyReminderHistory}

// Snapshot is the in-memory view of all persisted keys.
type Snapshot struct {
	Records   []model.Record
	Completed model.IDSet
	Pinned    model.IDSet
	Reminders *reminder.State
	Settings  reminder.Settings
	// HasSettings is false when no settings were ever saved.
	HasSettings bool
	// RecordsUpdatedAt is when the records blob was last written.
	RecordsUpdatedAt time.Time
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		Records:   []model.Record{},
		Completed: model.NewIDSet(),
		Pinned:    model.NewIDSet(),
		Reminders: reminder.NewState(),
		Settings:  reminder.DefaultSettings(),
	}
}

// remindersBlob is the stored shape of the active part of reminder.State.
type remindersBlob struct {
	Scheduled map[string]reminder.Entry `json:"scheduled"`
	Fired     map[string]reminder.Entry `json:"fired"`
}

// Store wraps the SQLite connection. Update calls are serialized by a
// mutex on top of the transaction so two triggers can never interleave a
// read-modify-write of the same keys.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (or creates) the database at path and ensures the schema.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	// One connection: keeps :memory: databases shared and writes serialized.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping state database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at DATETIME NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to init schema: %w", err)
	}
	return nil
}

// Load reads every key. Missing or corrupt blobs come back as empty values.
func (s *Store) Load(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin read: %w", err)
	}
	defer tx.Rollback()

	return load(ctx, tx)
}

// Save writes the given keys of snap in one transaction. No keys means all.
func (s *Store) Save(ctx context.Context, snap *Snapshot, keys ...Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin write: %w", err)
	}
	defer tx.Rollback()

	if err := save(ctx, tx, snap, keys); err != nil {
		return err
	}
	return tx.Commit()
}

// Update runs fn against a freshly loaded snapshot and writes the given keys
// back if fn succeeds. The whole read-modify-write is atomic with respect to
// other Load, Save and Update calls.
func (s *Store) Update(ctx context.Context, keys []Key, fn func(*Snapshot) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin update: %w", err)
	}
	defer tx.Rollback()

	snap, err := load(ctx, tx)
	if err != nil {
		return err
	}
	if err := fn(snap); err != nil {
		return err
	}
	if err := save(ctx, tx, snap, keys); err != nil {
		return err
	}
	return tx.Commit()
}

func load(ctx context.Context, tx *sql.Tx) (*Snapshot, error) {
	rows, err := tx.QueryContext(ctx, `SELECT key, value, updated_at FROM kv`)
	if err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}
	defer rows.Close()

	snap := emptySnapshot()
	for rows.Next() {
		var (
			key       string
			value     []byte
			updatedAt time.Time
		)
		if err := rows.Scan(&key, &value, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan state row: %w", err)
		}
		if err := decodeKey(snap, Key(key), value); err != nil {
			appLog.Error("state blob corrupt; treating as empty", err, "key", key)
			continue
		}
		if Key(key) == KeyRecords {
			snap.RecordsUpdatedAt = updatedAt
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}
	return snap, nil
}

func decodeKey(snap *Snapshot, key Key, value []byte) error {
	switch key {
	case KeyRecords:
		var recs []model.Record
		if err := json.Unmarshal(value, &recs); err != nil {
			return err
		}
		if recs != nil {
			snap.Records = recs
		}
	case KeyCompleted:
		var set model.IDSet
		if err := json.Unmarshal(value, &set); err != nil {
			return err
		}
		if set != nil {
			snap.Completed = set
		}
	case KeyPinned:
		var set model.IDSet
		if err := json.Unmarshal(value, &set); err != nil {
			return err
		}
		if set != nil {
			snap.Pinned = set
		}
	case KeyReminders:
		var blob remindersBlob
		if err := json.Unmarshal(value, &blob); err != nil {
			return err
		}
		if blob.Scheduled != nil {
			snap.Reminders.Reminders = blob.Scheduled
		}
		if blob.Fired != nil {
			snap.Reminders.Fired = blob.Fired
		}
	case KeyReminderHistory:
		var hist map[string]time.Time
		if err := json.Unmarshal(value, &hist); err != nil {
			return err
		}
		if hist != nil {
			snap.Reminders.History = hist
		}
	case KeySettings:
		var st reminder.Settings
		if err := json.Unmarshal(value, &st); err != nil {
			return err
		}
		snap.Settings = st
		snap.HasSettings = true
	default:
		appLog.Debug("ignoring unknown state key", "key", string(key))
	}
	return nil
}

func encodeKey(snap *Snapshot, key Key) ([]byte, error) {
	switch key {
	case KeyRecords:
		return json.Marshal(snap.Records)
	case KeyCompleted:
		return json.Marshal(snap.Completed)
	case KeyPinned:
		return json.Marshal(snap.Pinned)
	case KeyReminders:
		st := snap.Reminders
		if st == nil {
			st = reminder.NewState()
		}
		return json.Marshal(remindersBlob{Scheduled: st.Reminders, Fired: st.Fired})
	case KeyReminderHistory:
		if snap.Reminders == nil {
			return json.Marshal(map[string]time.Time{})
		}
		return json.Marshal(snap.Reminders.History)
	case KeySettings:
		return json.Marshal(snap.Settings)
	default:
		return nil, fmt.Errorf("unknown state key %q", key)
	}
}

func save(ctx context.Context, tx *sql.Tx, snap *Snapshot, keys []Key) error {
	if len(keys) == 0 {
		keys = AllKeys
	}
	now := time.Now().UTC()
	for _, k := range keys {
		data, err := encodeKey(snap, k)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", k, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			string(k), data, now)
		if err != nil {
			return fmt.Errorf("failed to save %s: %w", k, err)
		}
		if k == KeySettings {
			snap.HasSettings = true
		}
	}
	return nil
}
