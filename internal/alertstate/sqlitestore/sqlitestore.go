// Package sqlitestore is the reference State Store implementation: a single
// local database file, no external dependencies beyond a pure-Go sqlite
// driver. Table and column names (alert_state, execution_history) are
// stable so operators can query them directly.
package sqlitestore

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	_ "modernc.org/sqlite"

	"github.com/opsql/sqlalertd/internal/alertstate"
)

// MaxHistoryDays bounds execution_history retention; a daily cleanup
// goroutine purges rows older than this.
const MaxHistoryDays = 30

const schema = `
CREATE TABLE IF NOT EXISTS alert_state (
	name TEXT PRIMARY KEY,
	current_status TEXT NOT NULL,
	last_execution_at TIMESTAMP,
	last_alert_at TIMESTAMP,
	consecutive_alerts INTEGER NOT NULL DEFAULT 0,
	consecutive_oks INTEGER NOT NULL DEFAULT 0,
	silenced_until TIMESTAMP
);

CREATE TABLE IF NOT EXISTS execution_history (
	id TEXT PRIMARY KEY,
	alert_name TEXT NOT NULL,
	executed_at TIMESTAMP NOT NULL,
	duration_ms INTEGER NOT NULL,
	outcome TEXT NOT NULL,
	error_kind TEXT,
	actual_value REAL,
	threshold REAL,
	query_text TEXT,
	error_message TEXT,
	triggered_by TEXT NOT NULL,
	notifications_attempted INTEGER NOT NULL DEFAULT 0,
	notifications_failed INTEGER NOT NULL DEFAULT 0,
	context_json TEXT
);

CREATE INDEX IF NOT EXISTS idx_execution_history_name_time
	ON execution_history(alert_name, executed_at DESC);
`

// Store is a modernc.org/sqlite-backed alertstate.Store. Writes for a given
// alert name are serialized by an in-process mutex keyed on the name — the
// database file itself only ever sees one writer at a time regardless, but
// the per-name mutex avoids lock-wait noise across unrelated alerts.
type Store struct {
	db       *sql.DB
	path     string
	locks    keyedMutex
	stopChan chan struct{}
}

// Open creates or opens the sqlite file at path and ensures the schema
// exists. It also starts a background daily cleanup goroutine.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore.Open: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: one writer at a time

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore.Open: apply schema: %w", err)
	}

	s := &Store{
		db:       db,
		path:     path,
		locks:    newKeyedMutex(),
		stopChan: make(chan struct{}),
	}
	go s.cleanupRoutine()
	return s, nil
}

func (s *Store) LoadState(name string) (alertstate.State, error) {
	row := s.db.QueryRow(`SELECT name, current_status, last_execution_at, last_alert_at,
		consecutive_alerts, consecutive_oks, silenced_until FROM alert_state WHERE name = ?`, name)

	var st alertstate.State
	var lastExec, lastAlert, silencedUntil sql.NullTime
	if err := row.Scan(&st.Name, &st.CurrentStatus, &lastExec, &lastAlert, &st.ConsecutiveAlerts, &st.ConsecutiveOKs, &silencedUntil); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return alertstate.State{}, &alertstate.ErrNotFound{Name: name}
		}
		return alertstate.State{}, fmt.Errorf("sqlitestore.LoadState(%s): %w", name, err)
	}
	st.LastExecutionAt = lastExec.Time
	st.LastAlertAt = lastAlert.Time
	st.SilencedUntil = silencedUntil.Time
	return st, nil
}

func (s *Store) SaveState(st alertstate.State) error {
	unlock := s.locks.Lock(st.Name)
	defer unlock()

	_, err := s.db.Exec(`INSERT INTO alert_state
		(name, current_status, last_execution_at, last_alert_at, consecutive_alerts, consecutive_oks, silenced_until)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			current_status = excluded.current_status,
			last_execution_at = excluded.last_execution_at,
			last_alert_at = excluded.last_alert_at,
			consecutive_alerts = excluded.consecutive_alerts,
			consecutive_oks = excluded.consecutive_oks,
			silenced_until = excluded.silenced_until`,
		st.Name, st.CurrentStatus, nullTime(st.LastExecutionAt), nullTime(st.LastAlertAt),
		st.ConsecutiveAlerts, st.ConsecutiveOKs, nullTime(st.SilencedUntil))
	if err != nil {
		return fmt.Errorf("sqlitestore.SaveState(%s): %w", st.Name, err)
	}
	return nil
}

func (s *Store) AppendHistory(r alertstate.Record) error {
	unlock := s.locks.Lock(r.AlertName)
	defer unlock()

	_, err := s.db.Exec(`INSERT INTO execution_history
		(id, alert_name, executed_at, duration_ms, outcome, error_kind, actual_value, threshold,
		 query_text, error_message, triggered_by, notifications_attempted, notifications_failed, context_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.AlertName, r.ExecutedAt, r.DurationMS, r.Outcome, string(r.ErrorKind),
		nullFloat(r.ActualValue), nullFloat(r.Threshold), r.QueryText, r.ErrorMessage,
		r.TriggeredBy, r.NotificationsAttempted, r.NotificationsFailed, r.ContextJSON)
	if err != nil {
		return fmt.Errorf("sqlitestore.AppendHistory(%s): %w", r.AlertName, err)
	}
	return nil
}

func (s *Store) RecentHistory(name string, limit int) ([]alertstate.Record, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows *sql.Rows
	var err error
	if name == "" {
		rows, err = s.db.Query(`SELECT id, alert_name, executed_at, duration_ms, outcome, error_kind,
			actual_value, threshold, query_text, error_message, triggered_by,
			notifications_attempted, notifications_failed, context_json
			FROM execution_history ORDER BY executed_at DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.Query(`SELECT id, alert_name, executed_at, duration_ms, outcome, error_kind,
			actual_value, threshold, query_text, error_message, triggered_by,
			notifications_attempted, notifications_failed, context_json
			FROM execution_history WHERE alert_name = ? ORDER BY executed_at DESC LIMIT ?`, name, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore.RecentHistory(%s): %w", name, err)
	}
	defer rows.Close()

	var records []alertstate.Record
	for rows.Next() {
		var r alertstate.Record
		var errorKind string
		var actualValue, threshold sql.NullFloat64
		if err := rows.Scan(&r.ID, &r.AlertName, &r.ExecutedAt, &r.DurationMS, &r.Outcome, &errorKind,
			&actualValue, &threshold, &r.QueryText, &r.ErrorMessage, &r.TriggeredBy,
			&r.NotificationsAttempted, &r.NotificationsFailed, &r.ContextJSON); err != nil {
			return nil, fmt.Errorf("sqlitestore.RecentHistory(%s): scan row: %w", name, err)
		}
		r.ErrorKind = alertstate.ErrorKind(errorKind)
		if actualValue.Valid {
			v := actualValue.Float64
			r.ActualValue = &v
		}
		if threshold.Valid {
			v := threshold.Float64
			r.Threshold = &v
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlitestore.RecentHistory(%s): %w", name, err)
	}
	return records, nil
}

func (s *Store) Silence(name string, until time.Time) error {
	unlock := s.locks.Lock(name)
	defer unlock()

	_, err := s.db.Exec(`INSERT INTO alert_state (name, current_status, silenced_until)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET silenced_until = excluded.silenced_until`,
		name, alertstate.StatusUnknown, until)
	if err != nil {
		return fmt.Errorf("sqlitestore.Silence(%s): %w", name, err)
	}
	return nil
}

func (s *Store) Unsilence(name string) error {
	return s.Silence(name, time.Time{})
}

// Purge deletes name's row from alert_state and every matching row from
// execution_history, inside a single transaction so a crash mid-purge
// can't leave orphaned history behind.
func (s *Store) Purge(name string) error {
	unlock := s.locks.Lock(name)
	defer unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("sqlitestore.Purge(%s): begin tx: %w", name, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM alert_state WHERE name = ?`, name); err != nil {
		return fmt.Errorf("sqlitestore.Purge(%s): delete state: %w", name, err)
	}
	if _, err := tx.Exec(`DELETE FROM execution_history WHERE alert_name = ?`, name); err != nil {
		return fmt.Errorf("sqlitestore.Purge(%s): delete history: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlitestore.Purge(%s): commit: %w", name, err)
	}
	return nil
}

func (s *Store) Health() alertstate.Health {
	start := time.Now()
	var one int
	err := s.db.QueryRow(`SELECT 1`).Scan(&one)
	latency := time.Since(start)
	if err != nil {
		return alertstate.Health{OK: false, Latency: latency, Error: err.Error()}
	}
	return alertstate.Health{OK: true, Latency: latency}
}

func (s *Store) Close() error {
	close(s.stopChan)
	return s.db.Close()
}

// cleanupRoutine purges execution_history rows older than MaxHistoryDays,
// once a day, mirroring the retention sweep an operator would otherwise have
// to script by hand against the sqlite file.
func (s *Store) cleanupRoutine() {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanOldEntries()
		case <-s.stopChan:
			return
		}
	}
}

func (s *Store) cleanOldEntries() {
	cutoff := time.Now().AddDate(0, 0, -MaxHistoryDays)
	res, err := s.db.Exec(`DELETE FROM execution_history WHERE executed_at < ?`, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("sqlitestore: failed to clean old execution history")
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Info().Int64("removed", n).Msg("sqlitestore: cleaned old execution history")
	}
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
