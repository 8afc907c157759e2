package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"fleetalerts/internal/model"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/fleetalerts?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS vehicle_alerts (
			alert_id TEXT PRIMARY KEY,
			vehicle_id TEXT NOT NULL,
			alert_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			message TEXT NOT NULL,
			data JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			acknowledged_at TIMESTAMPTZ,
			resolved_at TIMESTAMPTZ,
			CONSTRAINT chk_severity CHECK (severity IN ('INFO', 'WARNING', 'CRITICAL'))
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_vehicle_alerts_unresolved
			ON vehicle_alerts (vehicle_id, alert_type) WHERE resolved_at IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_vehicle_alerts_vehicle ON vehicle_alerts (vehicle_id, created_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *postgresStore) InsertAlert(ctx context.Context, alert model.Alert) error {
	return insertResult(s.db.ExecContext(ctx,
		`INSERT INTO vehicle_alerts (alert_id, vehicle_id, alert_type, severity, message, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT DO NOTHING`,
		alert.ID,
		alert.VehicleID,
		string(alert.Type),
		string(alert.Severity),
		alert.Message,
		encodeJSON(alert.Data),
		alert.CreatedAt.UTC(),
	))
}

func (s *postgresStore) FindUnresolved(ctx context.Context, key model.AlertKey, since time.Time) (*model.Alert, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT alert_id, vehicle_id, alert_type, severity, message, data, created_at, acknowledged_at, resolved_at
		FROM vehicle_alerts
		WHERE vehicle_id = $1 AND alert_type = $2 AND resolved_at IS NULL AND created_at >= $3
		ORDER BY created_at DESC LIMIT 1`,
		key.VehicleID, string(key.Type), since.UTC())
	alert, err := scanPostgres(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &alert, nil
}

func (s *postgresStore) ResolveUnresolved(ctx context.Context, key model.AlertKey, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE vehicle_alerts SET resolved_at = $1 WHERE vehicle_id = $2 AND alert_type = $3 AND resolved_at IS NULL`,
		at.UTC(), key.VehicleID, string(key.Type))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *postgresStore) ListUnresolved(ctx context.Context, limit int) ([]model.Alert, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT alert_id, vehicle_id, alert_type, severity, message, data, created_at, acknowledged_at, resolved_at
		FROM vehicle_alerts WHERE resolved_at IS NULL ORDER BY created_at DESC LIMIT $1`, limitOrDefault(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Alert, 0)
	for rows.Next() {
		alert, err := scanPostgres(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, alert)
	}
	return out, rows.Err()
}

func (s *postgresStore) ListUnresolvedKeys(ctx context.Context) ([]model.Alert, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT alert_id, vehicle_id, alert_type, severity, created_at FROM vehicle_alerts WHERE resolved_at IS NULL`)
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
		)
		if err := rows.Scan(&alert.ID, &alert.VehicleID, &alertType, &severity, &alert.CreatedAt); err != nil {
			return nil, err
		}
		alert.Type = model.AlertType(alertType)
		alert.Severity = model.Severity(severity)
		alert.CreatedAt = alert.CreatedAt.UTC()
		out = append(out, alert)
	}
	return out, rows.Err()
}

func (s *postgresStore) Acknowledge(ctx context.Context, alertID string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE vehicle_alerts SET acknowledged_at = $1 WHERE alert_id = $2 AND acknowledged_at IS NULL`,
		at.UTC(), alertID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanPostgres(row scanner) (model.Alert, error) {
	var (
		alert        model.Alert
		alertType    string
		severity     string
		data         sql.NullString
		acknowledged sql.NullTime
		resolved     sql.NullTime
	)
	if err := row.Scan(&alert.ID, &alert.VehicleID, &alertType, &severity, &alert.Message, &data, &alert.CreatedAt, &acknowledged, &resolved); err != nil {
		return model.Alert{}, err
	}
	alert.Type = model.AlertType(alertType)
	alert.Severity = model.Severity(severity)
	alert.Data = decodeJSON(data)
	alert.CreatedAt = alert.CreatedAt.UTC()
	if acknowledged.Valid {
		ts := acknowledged.Time.UTC()
		alert.AcknowledgedAt = &ts
	}
	if resolved.Valid {
		ts := resolved.Time.UTC()
		alert.ResolvedAt = &ts
	}
	return alert, nil
}
