// Package persistence keeps the broker's durable state in sqlite: a snapshot
// of live continuous task records, and an append-only journal of lifecycle
// events. The snapshot is what survives a restart; the journal is the audit
// trail the retention pass prunes.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/bgtaskd/internal/bus"
	"github.com/basket/bgtaskd/internal/record"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "bgtask-v1-2026-08-20-task-snapshot"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// Store wraps the sqlite database.
type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

// Open opens (or creates) the database at path and migrates the schema.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when sqlite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver's
// busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.Intn(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks for sqlite BUSY (5) or LOCKED (6) by message to avoid
// importing the driver package outside the blank import.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS continuous_tasks (
			task_key TEXT PRIMARY KEY,
			uid INTEGER NOT NULL,
			pid INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			bundle TEXT NOT NULL,
			app_name TEXT NOT NULL DEFAULT '',
			ability TEXT NOT NULL,
			ability_id INTEGER NOT NULL,
			token_id INTEGER NOT NULL DEFAULT 0,
			full_token_id INTEGER NOT NULL DEFAULT 0,
			is_new_api INTEGER NOT NULL DEFAULT 0,
			is_batch_api INTEGER NOT NULL DEFAULT 0,
			from_webview INTEGER NOT NULL DEFAULT 0,
			from_inner INTEGER NOT NULL DEFAULT 0,
			mode INTEGER NOT NULL,
			modes_json TEXT NOT NULL DEFAULT '[]',
			sub_modes_json TEXT NOT NULL DEFAULT '[]',
			task_id INTEGER NOT NULL,
			notification_id INTEGER NOT NULL DEFAULT -1,
			notification_label TEXT NOT NULL DEFAULT '',
			suspended INTEGER NOT NULL DEFAULT 0,
			suspend_reason INTEGER NOT NULL DEFAULT 0,
			want_json TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS task_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_key TEXT NOT NULL,
			uid INTEGER NOT NULL,
			bundle TEXT NOT NULL DEFAULT '',
			event_type TEXT NOT NULL,
			reason INTEGER NOT NULL DEFAULT 0,
			mode_mask INTEGER NOT NULL DEFAULT 0,
			trace_id TEXT,
			payload_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_continuous_tasks_uid ON continuous_tasks(uid);`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_key ON task_events(task_key, event_id);`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_created ON task_events(created_at);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// UpsertTask writes the record's snapshot row.
func (s *Store) UpsertTask(ctx context.Context, rec *record.ContinuousTaskRecord) error {
	modesJSON, err := json.Marshal(rec.Modes)
	if err != nil {
		return fmt.Errorf("marshal modes: %w", err)
	}
	subModesJSON, err := json.Marshal(rec.SubModes)
	if err != nil {
		return fmt.Errorf("marshal sub modes: %w", err)
	}
	var wantJSON sql.NullString
	if rec.Want != nil {
		raw, err := json.Marshal(rec.Want)
		if err != nil {
			return fmt.Errorf("marshal want agent: %w", err)
		}
		wantJSON = sql.NullString{Valid: true, String: string(raw)}
	}

	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO continuous_tasks (
				task_key, uid, pid, user_id, bundle, app_name, ability, ability_id,
				token_id, full_token_id, is_new_api, is_batch_api, from_webview, from_inner,
				mode, modes_json, sub_modes_json, task_id, notification_id, notification_label,
				suspended, suspend_reason, want_json, created_at, updated_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(task_key) DO UPDATE SET
				pid = excluded.pid,
				modes_json = excluded.modes_json,
				sub_modes_json = excluded.sub_modes_json,
				notification_id = excluded.notification_id,
				notification_label = excluded.notification_label,
				suspended = excluded.suspended,
				suspend_reason = excluded.suspend_reason,
				want_json = excluded.want_json,
				updated_at = CURRENT_TIMESTAMP;
		`, rec.Key(), rec.UID, rec.PID, rec.UserID, rec.Bundle, rec.AppName, rec.AbilityName, rec.AbilityID,
			int64(rec.TokenID), int64(rec.FullTokenID), rec.IsNewAPI, rec.IsBatchAPI, rec.FromWebview, rec.FromInner,
			rec.Mode, string(modesJSON), string(subModesJSON), rec.TaskID, rec.NotificationID, rec.NotificationLabel,
			rec.Suspended, rec.SuspendReason, wantJSON)
		if err != nil {
			return fmt.Errorf("upsert task %s: %w", rec.Key(), err)
		}
		return nil
	})
}

// DeleteTask removes the snapshot row for key.
func (s *Store) DeleteTask(ctx context.Context, key string) error {
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM continuous_tasks WHERE task_key = ?;`, key); err != nil {
			return fmt.Errorf("delete task %s: %w", key, err)
		}
		return nil
	})
}

// LoadTasks reads every snapshot row back into records.
func (s *Store) LoadTasks(ctx context.Context) ([]*record.ContinuousTaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uid, pid, user_id, bundle, app_name, ability, ability_id,
			token_id, full_token_id, is_new_api, is_batch_api, from_webview, from_inner,
			mode, modes_json, sub_modes_json, task_id, notification_id, notification_label,
			suspended, suspend_reason, want_json
		FROM continuous_tasks
		ORDER BY task_id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query continuous_tasks: %w", err)
	}
	defer rows.Close()

	var out []*record.ContinuousTaskRecord
	for rows.Next() {
		var (
			rec          record.ContinuousTaskRecord
			tokenID      int64
			fullTokenID  int64
			modesJSON    string
			subModesJSON string
			wantJSON     sql.NullString
		)
		if err := rows.Scan(
			&rec.UID, &rec.PID, &rec.UserID, &rec.Bundle, &rec.AppName, &rec.AbilityName, &rec.AbilityID,
			&tokenID, &fullTokenID, &rec.IsNewAPI, &rec.IsBatchAPI, &rec.FromWebview, &rec.FromInner,
			&rec.Mode, &modesJSON, &subModesJSON, &rec.TaskID, &rec.NotificationID, &rec.NotificationLabel,
			&rec.Suspended, &rec.SuspendReason, &wantJSON,
		); err != nil {
			return nil, fmt.Errorf("scan continuous_task: %w", err)
		}
		rec.TokenID = uint64(tokenID)
		rec.FullTokenID = uint64(fullTokenID)
		if err := json.Unmarshal([]byte(modesJSON), &rec.Modes); err != nil {
			return nil, fmt.Errorf("unmarshal modes for %s: %w", rec.Key(), err)
		}
		if err := json.Unmarshal([]byte(subModesJSON), &rec.SubModes); err != nil {
			return nil, fmt.Errorf("unmarshal sub modes for %s: %w", rec.Key(), err)
		}
		if wantJSON.Valid {
			var w record.WantAgent
			if err := json.Unmarshal([]byte(wantJSON.String), &w); err != nil {
				return nil, fmt.Errorf("unmarshal want agent for %s: %w", rec.Key(), err)
			}
			rec.Want = &w
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("continuous_task rows: %w", err)
	}
	return out, nil
}

// JournalEntry is one journal row to append.
type JournalEntry struct {
	TaskKey   string
	UID       int32
	Bundle    string
	EventType string
	Reason    int32
	ModeMask  uint32
	TraceID   string
	Payload   string
}

// AppendEvent writes a journal row and mirrors it on the bus.
func (s *Store) AppendEvent(ctx context.Context, e JournalEntry) error {
	if e.Payload == "" {
		e.Payload = "{}"
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO task_events (task_key, uid, bundle, event_type, reason, mode_mask, trace_id, payload_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, CURRENT_TIMESTAMP);
		`, e.TaskKey, e.UID, e.Bundle, e.EventType, e.Reason, e.ModeMask, e.TraceID, e.Payload)
		if err != nil {
			return fmt.Errorf("insert task_event: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Publish("journal."+e.EventType, e)
	}
	return nil
}

// EventCount returns the number of journal rows.
func (s *Store) EventCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM task_events;`).Scan(&count); err != nil {
		return 0, fmt.Errorf("event count: %w", err)
	}
	return count, nil
}

// PruneEvents removes journal rows older than cutoff, returning the number
// deleted.
func (s *Store) PruneEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM task_events WHERE created_at < ?;`, cutoff.UTC())
		if err != nil {
			return fmt.Errorf("prune task_events: %w", err)
		}
		deleted, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("prune rows affected: %w", err)
		}
		return nil
	})
	return deleted, err
}

// MaxCounters returns the highest task id and notification id seen in the
// snapshot, so restored brokers continue numbering instead of reusing ids.
func (s *Store) MaxCounters(ctx context.Context) (maxTaskID, maxNotificationID int32, err error) {
	var taskID, notifID sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `
		SELECT MAX(task_id), MAX(notification_id) FROM continuous_tasks;
	`).Scan(&taskID, &notifID); err != nil {
		return 0, 0, fmt.Errorf("max counters: %w", err)
	}
	if taskID.Valid {
		maxTaskID = int32(taskID.Int64)
	}
	if notifID.Valid {
		maxNotificationID = int32(notifID.Int64)
	}
	return maxTaskID, maxNotificationID, nil
}
