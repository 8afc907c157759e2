package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"fleetalerts/internal/config"
	"fleetalerts/internal/model"
)

// ErrDuplicate is returned by InsertAlert when an unresolved alert already
// exists for the same vehicle and alert type.
var ErrDuplicate = errors.New("unresolved alert already exists")

// Store is the durable alert table. Its partial unique index on
// (vehicle_id, alert_type) WHERE resolved_at IS NULL is what guarantees one
// active alert per key; callers rely on it instead of re-implementing it.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	InsertAlert(ctx context.Context, alert model.Alert) error
	// FindUnresolved returns nil, nil when no unresolved row created at or after since exists.
	FindUnresolved(ctx context.Context, key model.AlertKey, since time.Time) (*model.Alert, error)
	ResolveUnresolved(ctx context.Context, key model.AlertKey, at time.Time) (int64, error)
	ListUnresolved(ctx context.Context, limit int) ([]model.Alert, error)
	// ListUnresolvedKeys returns every unresolved alert without a row cap. Only
	// ID, VehicleID, Type, Severity and CreatedAt are filled.
	ListUnresolvedKeys(ctx context.Context) ([]model.Alert, error)
	Acknowledge(ctx context.Context, alertID string, at time.Time) (int64, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

type baseStore struct {
	db *sql.DB
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func insertResult(res sql.Result, err error) error {
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// maxListRows caps ListUnresolved; summaries use ListUnresolvedKeys instead.
var maxListRows = 10000

func limitOrDefault(limit int) int {
	if limit <= 0 || limit > maxListRows {
		return maxListRows
	}
	return limit
}

func encodeJSON(value any) string {
	if value == nil {
		return "{}"
	}
	data, _ := json.Marshal(value)
	return string(data)
}

func decodeJSON(raw sql.NullString) map[string]any {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw.String), &out); err != nil {
		return nil
	}
	return out
}
