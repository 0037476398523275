package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/lorawan-server/lorawan-netctl/internal/config"
)

// PostgresStore implements Store interface for PostgreSQL
type PostgresStore struct {
	db *sql.DB
	tx *sql.Tx
}

// NewPostgresStore creates a new PostgreSQL store and makes sure the schema exists
func NewPostgresStore(ctx context.Context, cfg config.DatabaseConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// BeginTx starts a new transaction
func (s *PostgresStore) BeginTx(ctx context.Context) (Store, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{db: s.db, tx: tx}, nil
}

// Commit commits the transaction
func (s *PostgresStore) Commit() error {
	if s.tx == nil {
		return nil
	}
	return s.tx.Commit()
}

// Rollback rolls back the transaction
func (s *PostgresStore) Rollback() error {
	if s.tx == nil {
		return nil
	}
	return s.tx.Rollback()
}

// getDB returns tx if in transaction, otherwise db
func (s *PostgresStore) getDB() interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
} {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS devices (
		dev_addr        BYTEA PRIMARY KEY,
		dev_eui         BYTEA NOT NULL,
		id              UUID NOT NULL,
		name            TEXT NOT NULL DEFAULT '',
		description     TEXT NOT NULL DEFAULT '',
		s_nwk_s_int_key BYTEA,
		f_cnt_up        BIGINT NOT NULL DEFAULT 0,
		n_f_cnt_down    BIGINT NOT NULL DEFAULT 0,
		rx1_dr_offset   SMALLINT NOT NULL DEFAULT 0,
		dr              SMALLINT NOT NULL DEFAULT 0,
		tx_power        DOUBLE PRECISION NOT NULL DEFAULT 0,
		adr             BOOLEAN NOT NULL DEFAULT FALSE,
		created_at      TIMESTAMPTZ NOT NULL,
		updated_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS gateways (
		gateway_id   BYTEA PRIMARY KEY,
		id           UUID NOT NULL,
		name         TEXT NOT NULL DEFAULT '',
		description  TEXT NOT NULL DEFAULT '',
		latitude     DOUBLE PRECISION,
		longitude    DOUBLE PRECISION,
		altitude     DOUBLE PRECISION,
		last_seen_at TIMESTAMPTZ,
		metadata     JSONB,
		created_at   TIMESTAMPTZ NOT NULL,
		updated_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS downlink_frames (
		id          UUID PRIMARY KEY,
		dev_addr    BYTEA NOT NULL,
		gateway_id  BYTEA NOT NULL,
		f_cnt       BIGINT NOT NULL,
		phy_payload BYTEA NOT NULL,
		ack         BOOLEAN NOT NULL,
		rx_window   SMALLINT NOT NULL,
		frequency   BIGINT NOT NULL,
		dr          SMALLINT NOT NULL,
		tx_power    DOUBLE PRECISION NOT NULL,
		airtime_us  BIGINT NOT NULL,
		transmit_at TIMESTAMPTZ NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_downlink_frames_dev_addr ON downlink_frames (dev_addr, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS event_logs (
		id          UUID PRIMARY KEY,
		created_at  TIMESTAMPTZ NOT NULL,
		dev_addr    BYTEA,
		gateway_id  BYTEA,
		type        TEXT NOT NULL,
		level       TEXT NOT NULL,
		description TEXT NOT NULL,
		details     JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_event_logs_created_at ON event_logs (created_at DESC)`,
}

// Migrate creates the tables if they do not exist
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.getDB().ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// pgError maps driver errors onto the package errors
func pgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, pqErr.Constraint)
	}
	return err
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
