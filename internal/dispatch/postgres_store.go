package dispatch

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresEngagementTable  = "engagement_activity"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresEngagementStore persists engagement rows with idempotent upserts.
// Schema is created lazily on first use.
type PostgresEngagementStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresEngagementStore(dsn string) (*PostgresEngagementStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresEngagementStore{
		dsn:       dsn,
		tableName: postgresEngagementTable,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresEngagementStore) UpsertActivity(ctx context.Context, rec EngagementRecord) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (tenant_id, account_id, user_id, last_activity_at, engagement_count)
		VALUES ($1, $2, $3, $4, 1)
		ON CONFLICT (tenant_id, account_id, user_id)
		DO UPDATE SET last_activity_at = EXCLUDED.last_activity_at,
		              engagement_count = %s.engagement_count + 1`,
		postgresQuoteIdentifier(s.tableName), postgresQuoteIdentifier(s.tableName))
	_, err := s.db.ExecContext(ctx, query, rec.TenantID, rec.AccountID, rec.UserID, rec.LastActivityAt.UTC())
	return err
}

func (s *PostgresEngagementStore) LoadActive(ctx context.Context, since time.Time) ([]EngagementRecord, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT tenant_id, account_id, user_id, last_activity_at
		FROM %s
		WHERE last_activity_at >= $1`, postgresQuoteIdentifier(s.tableName))
	rows, err := s.db.QueryContext(ctx, query, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]EngagementRecord, 0)
	for rows.Next() {
		var rec EngagementRecord
		if err := rows.Scan(&rec.TenantID, &rec.AccountID, &rec.UserID, &rec.LastActivityAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *PostgresEngagementStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresEngagementStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				tenant_id TEXT NOT NULL,
				account_id TEXT NOT NULL,
				user_id TEXT NOT NULL,
				last_activity_at TIMESTAMPTZ NOT NULL,
				engagement_count BIGINT NOT NULL DEFAULT 0,
				PRIMARY KEY (tenant_id, account_id, user_id)
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
