package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/adred-codev/syncserver/internal/metrics"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
)

// PoolConfig bounds the underlying storage connection pool. The sync core
// must not assume more than MaxOpenConns concurrent storage operations.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	CommandTimeout  time.Duration
}

// DefaultPoolConfig returns production-sane pool bounds.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    defaultMaxOpenConns,
		MaxIdleConns:    defaultMaxIdleConns,
		ConnMaxLifetime: defaultConnMaxLifetime,
		CommandTimeout:  5 * time.Second,
	}
}

// PostgresStore is an EventStore backed by PostgreSQL. Each store_id is
// given its own table, named eventlog_<formatVersion>_<sanitizedStoreID>;
// the format version is a coarse global reset knob.
type PostgresStore struct {
	db             *sql.DB
	formatVersion  int
	commandTimeout time.Duration
}

// NewPostgresStore opens a connection pool to databaseURL and applies pool
// bounds. It does not create any store partitions; call EnsureStore per
// store_id before first use.
func NewPostgresStore(databaseURL string, formatVersion int, pool PoolConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", errors.Join(err, ErrStorageFault))
	}

	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)

	return &PostgresStore{
		db:             db,
		formatVersion:  formatVersion,
		commandTimeout: pool.CommandTimeout,
	}, nil
}

// Close releases the underlying connection pool.
func (p *PostgresStore) Close() error {
	return p.db.Close()
}

func (p *PostgresStore) tableName(storeID string) string {
	return fmt.Sprintf("eventlog_%d_%s", p.formatVersion, SanitizeStoreID(storeID))
}

func (p *PostgresStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.commandTimeout)
}

// observeLatency records how long a storage operation took, labeled by op.
func observeLatency(op string, start time.Time) {
	metrics.StorageOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// EnsureStore idempotently creates the physical table for storeID.
func (p *PostgresStore) EnsureStore(ctx context.Context, storeID string) error {
	defer observeLatency("ensure_store", time.Now())

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	table := p.tableName(storeID)
	stmt := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			seq_num        BIGINT PRIMARY KEY,
			parent_seq_num BIGINT NOT NULL,
			name           TEXT NOT NULL,
			args           JSONB,
			created_at     TIMESTAMPTZ NOT NULL,
			client_id      TEXT NOT NULL,
			session_id     TEXT NOT NULL
		)`, table)

	if _, err := p.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("store: ensure store %q: %w", storeID, errors.Join(err, ErrStorageFault))
	}

	idxStmt := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_seq_idx ON %s (seq_num)`, table, table)
	if _, err := p.db.ExecContext(ctx, idxStmt); err != nil {
		return fmt.Errorf("store: ensure index for %q: %w", storeID, errors.Join(err, ErrStorageFault))
	}

	const registerStmt = `
		INSERT INTO sync_stores (store_id, format_version)
		VALUES ($1, $2)
		ON CONFLICT (store_id) DO NOTHING`
	if _, err := p.db.ExecContext(ctx, registerStmt, storeID, p.formatVersion); err != nil {
		return fmt.Errorf("store: register store %q: %w", storeID, errors.Join(err, ErrStorageFault))
	}

	return nil
}

// GetHead returns the largest seq_num for storeID, or 0 if empty.
func (p *PostgresStore) GetHead(ctx context.Context, storeID string) (uint64, error) {
	defer observeLatency("get_head", time.Now())

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	var head sql.NullInt64
	query := fmt.Sprintf(`SELECT max(seq_num) FROM %s`, p.tableName(storeID))
	if err := p.db.QueryRowContext(ctx, query).Scan(&head); err != nil {
		return 0, fmt.Errorf("store: get head for %q: %w", storeID, errors.Join(err, ErrStorageFault))
	}

	if !head.Valid {
		return 0, nil
	}

	return uint64(head.Int64), nil
}

// GetEvents returns every event with seq_num > cursor, ordered ascending.
func (p *PostgresStore) GetEvents(ctx context.Context, storeID string, cursor *uint64) ([]StoredEvent, error) {
	defer observeLatency("get_events", time.Now())

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	table := p.tableName(storeID)
	var rows *sql.Rows
	var err error

	if cursor != nil {
		query := fmt.Sprintf(`
			SELECT seq_num, parent_seq_num, name, args, client_id, session_id, created_at
			FROM %s WHERE seq_num > $1 ORDER BY seq_num ASC`, table)
		rows, err = p.db.QueryContext(ctx, query, *cursor)
	} else {
		query := fmt.Sprintf(`
			SELECT seq_num, parent_seq_num, name, args, client_id, session_id, created_at
			FROM %s ORDER BY seq_num ASC`, table)
		rows, err = p.db.QueryContext(ctx, query)
	}

	if err != nil {
		return nil, fmt.Errorf("store: get events for %q: %w", storeID, errors.Join(err, ErrStorageFault))
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var ev StoredEvent
		var args []byte
		if err := rows.Scan(&ev.SeqNum, &ev.ParentSeqNum, &ev.Name, &args, &ev.ClientID, &ev.SessionID, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan event for %q: %w", storeID, errors.Join(err, ErrStorageFault))
		}
		ev.Args = json.RawMessage(args)
		out = append(out, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate events for %q: %w", storeID, errors.Join(err, ErrStorageFault))
	}

	return out, nil
}

// AppendEvents durably persists batch in a single transaction: either every
// event in the batch becomes visible, or none do.
func (p *PostgresStore) AppendEvents(ctx context.Context, storeID string, batch []Event, createdAt time.Time) error {
	if len(batch) == 0 {
		return nil
	}

	defer observeLatency("append_events", time.Now())

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin append tx for %q: %w", storeID, errors.Join(err, ErrStorageFault))
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	table := p.tableName(storeID)
	stmt := fmt.Sprintf(`
		INSERT INTO %s (seq_num, parent_seq_num, name, args, created_at, client_id, session_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`, table)

	for _, ev := range batch {
		args := ev.Args
		if args == nil {
			args = json.RawMessage("null")
		}
		if _, err := tx.ExecContext(ctx, stmt, ev.SeqNum, ev.ParentSeqNum, ev.Name, []byte(args), createdAt, ev.ClientID, ev.SessionID); err != nil {
			return fmt.Errorf("store: append event seq=%d to %q: %w", ev.SeqNum, storeID, errors.Join(err, ErrStorageFault))
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit append tx for %q: %w", storeID, errors.Join(err, ErrStorageFault))
	}

	return nil
}

// ResetStore destroys all events for storeID and recreates an empty table.
func (p *PostgresStore) ResetStore(ctx context.Context, storeID string) error {
	defer observeLatency("reset_store", time.Now())

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	table := p.tableName(storeID)
	if _, err := p.db.ExecContext(ctx, fmt.Sprintf(`TRUNCATE TABLE %s`, table)); err != nil {
		return fmt.Errorf("store: reset store %q: %w", storeID, errors.Join(err, ErrStorageFault))
	}

	return nil
}
