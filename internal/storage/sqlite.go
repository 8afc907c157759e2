package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"fleetalerts/internal/model"
)

type sqliteStore struct {
	baseStore
}

// NewSQLite opens a single-connection SQLite store. Timestamps are stored as
// unix nanoseconds so range comparisons stay numeric.
func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:fleetalerts.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			alert_id TEXT PRIMARY KEY,
			vehicle_id TEXT NOT NULL,
			alert_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			message TEXT NOT NULL,
			data_json TEXT,
			created_at INTEGER NOT NULL,
			acknowledged_at INTEGER,
			resolved_at INTEGER
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_alerts_unresolved ON alerts(vehicle_id, alert_type) WHERE resolved_at IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts(created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) InsertAlert(ctx context.Context, alert model.Alert) error {
	return insertResult(s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO alerts (alert_id, vehicle_id, alert_type, severity, message, data_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		alert.ID,
		alert.VehicleID,
		string(alert.Type),
		string(alert.Severity),
		alert.Message,
		encodeJSON(alert.Data),
		alert.CreatedAt.UTC().UnixNano(),
	))
}

func (s *sqliteStore) FindUnresolved(ctx context.Context, key model.AlertKey, since time.Time) (*model.Alert, error) {
	var sinceNS int64
	if !since.IsZero() {
		sinceNS = since.UTC().UnixNano()
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT alert_id, vehicle_id, alert_type, severity, message, data_json, created_at, acknowledged_at, resolved_at
		FROM alerts
		WHERE vehicle_id = ? AND alert_type = ? AND resolved_at IS NULL AND created_at >= ?
		ORDER BY created_at DESC LIMIT 1`,
		key.VehicleID, string(key.Type), sinceNS)
	alert, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &alert, nil
}

func (s *sqliteStore) ResolveUnresolved(ctx context.Context, key model.AlertKey, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET resolved_at = ? WHERE vehicle_id = ? AND alert_type = ? AND resolved_at IS NULL`,
		at.UTC().UnixNano(), key.VehicleID, string(key.Type))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) ListUnresolved(ctx context.Context, limit int) ([]model.Alert, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT alert_id, vehicle_id, alert_type, severity, message, data_json, created_at, acknowledged_at, resolved_at
		FROM alerts WHERE resolved_at IS NULL ORDER BY created_at DESC LIMIT ?`, limitOrDefault(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Alert, 0)
	for rows.Next() {
		alert, err := scanSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, alert)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListUnresolvedKeys(ctx context.Context) ([]model.Alert, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT alert_id, vehicle_id, alert_type, severity, created_at FROM alerts WHERE resolved_at IS NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Alert, 0)
	for rows.Next() {
		var (
			alert     model.Alert
			alertType string
			severity  string
			createdAt int64
		)
		if err := rows.Scan(&alert.ID, &alert.VehicleID, &alertType, &severity, &createdAt); err != nil {
			return nil, err
		}
		alert.Type = model.AlertType(alertType)
		alert.Severity = model.Severity(severity)
		alert.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, alert)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Acknowledge(ctx context.Context, alertID string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET acknowledged_at = ? WHERE alert_id = ? AND acknowledged_at IS NULL`,
		at.UTC().UnixNano(), alertID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row scanner) (model.Alert, error) {
	var (
		alert        model.Alert
		alertType    string
		severity     string
		data         sql.NullString
		createdAt    int64
		acknowledged sql.NullInt64
		resolved     sql.NullInt64
	)
	if err := row.Scan(&alert.ID, &alert.VehicleID, &alertType, &severity, &alert.Message, &data, &createdAt, &acknowledged, &resolved); err != nil {
		return model.Alert{}, err
	}
	alert.Type = model.AlertType(alertType)
	alert.Severity = model.Severity(severity)
	alert.Data = decodeJSON(data)
	alert.CreatedAt = time.Unix(0, createdAt).UTC()
	alert.AcknowledgedAt = nanosPtr(acknowledged)
	alert.ResolvedAt = nanosPtr(resolved)
	return alert, nil
}

func nanosPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	ts := time.Unix(0, v.Int64).UTC()
	return &ts
}
