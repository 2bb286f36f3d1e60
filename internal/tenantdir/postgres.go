package tenantdir

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/TechVaseegrahHub/instaxbot/internal/dispatch"
)

const (
	postgresAccountsTable    = "tenant_accounts"
	postgresOperationTimeout = 5 * time.Second
)

// PostgresDirectory serves the tenant-account mapping from a database table,
// cached in memory and refreshed on demand.
type PostgresDirectory struct {
	dsn       string
	tableName string

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	mu       sync.RWMutex
	accounts map[string]mapping
}

func NewPostgresDirectory(dsn string) (*PostgresDirectory, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	d := &PostgresDirectory{
		dsn:       dsn,
		tableName: postgresAccountsTable,
		accounts:  map[string]mapping{},
	}
	if err := d.Reload(context.Background()); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *PostgresDirectory) Reload(ctx context.Context) error {
	if err := d.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT account_id, tenant_id, access_token FROM %s", quoteIdentifier(d.tableName))
	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()

	accounts := map[string]mapping{}
	for rows.Next() {
		var accountID, tenantID string
		var token sql.NullString
		if err := rows.Scan(&accountID, &tenantID, &token); err != nil {
			return err
		}
		accounts[accountID] = mapping{
			key:   dispatch.TenantAccountKey{TenantID: tenantID, AccountID: accountID},
			token: token.String,
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	d.accounts = accounts
	d.mu.Unlock()
	return nil
}

func (d *PostgresDirectory) Resolve(platformAccountID string) (dispatch.TenantAccountKey, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.accounts[platformAccountID]
	return m.key, ok
}

func (d *PostgresDirectory) AccessToken(accountID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.accounts[accountID]
	if !ok || m.token == "" {
		return "", false
	}
	return m.token, true
}

func (d *PostgresDirectory) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

func (d *PostgresDirectory) ensureReady() error {
	d.initOnce.Do(func() {
		db, err := sql.Open("postgres", d.dsn)
		if err != nil {
			d.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				account_id TEXT PRIMARY KEY,
				tenant_id TEXT NOT NULL,
				access_token TEXT
			)`, quoteIdentifier(d.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			d.initErr = err
			return
		}
		d.db = db
	})
	return d.initErr
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
