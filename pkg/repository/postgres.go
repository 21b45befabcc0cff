package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/wehubfusion/Daedalus/pkg/domain"
	"github.com/wehubfusion/Daedalus/pkg/errors"
)

// DB is the subset of *sql.DB the stores use
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresConfig configures the connection pool
type PostgresConfig struct {
	URL             string        `yaml:"url"`
	PingTimeout     time.Duration `yaml:"ping_timeout"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// Validate checks the pool settings
func (c PostgresConfig) Validate() error {
	if c.URL == "" {
		return errors.New("database url is required")
	}
	if c.PingTimeout <= 0 {
		return errors.New("database ping timeout must be positive")
	}
	if c.MaxOpenConns < 1 {
		return errors.New("database max open conns must be >= 1")
	}
	if c.MaxIdleConns < 0 || c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("database max idle conns must be between 0 and max open conns")
	}
	return nil
}

// Open connects through the pgx database/sql driver and pings the server
func Open(ctx context.Context, cfg PostgresConfig) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}

// Schema creates the tables used by the stores
const Schema = `
CREATE TABLE IF NOT EXISTS bulk_edit_runs (
	run_id          TEXT PRIMARY KEY,
	entity_type     TEXT NOT NULL,
	identifier_type TEXT NOT NULL,
	status          TEXT NOT NULL,
	tenant          TEXT NOT NULL,
	user_id         TEXT,
	username        TEXT,
	counts          JSONB NOT NULL DEFAULT '{}',
	artifacts       JSONB NOT NULL DEFAULT '{}',
	error_message   TEXT,
	started_at      TIMESTAMPTZ NOT NULL,
	ended_at        TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS bulk_edit_errors (
	error_id   TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES bulk_edit_runs (run_id) ON DELETE CASCADE,
	seq        BIGSERIAL,
	identifier TEXT NOT NULL,
	message    TEXT NOT NULL,
	severity   TEXT NOT NULL,
	code       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS bulk_edit_errors_run_idx ON bulk_edit_errors (run_id, seq);
`

// Migrate applies Schema
func Migrate(ctx context.Context, db DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const (
	insertRunQuery = `INSERT INTO bulk_edit_runs (
		run_id, entity_type, identifier_type, status, tenant, user_id, username,
		counts, artifacts, error_message, started_at, ended_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`

	selectRunQuery = `SELECT run_id, entity_type, identifier_type, status, tenant, user_id, username,
		counts, artifacts, error_message, started_at, ended_at
	FROM bulk_edit_runs WHERE run_id = $1`

	updateRunQuery = `UPDATE bulk_edit_runs
	SET status = $2, counts = $3, artifacts = $4, error_message = $5, ended_at = $6
	WHERE run_id = $1`

	insertErrorQuery = `INSERT INTO bulk_edit_errors (
		error_id, run_id, identifier, message, severity, code, created_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7)`

	listErrorsQuery = `SELECT error_id, run_id, identifier, message, severity, code, created_at
	FROM bulk_edit_errors WHERE run_id = $1 ORDER BY seq OFFSET $2 LIMIT $3`

	countErrorsQuery = `SELECT
		COUNT(*) FILTER (WHERE severity = 'WARNING'),
		COUNT(*) FILTER (WHERE severity <> 'WARNING')
	FROM bulk_edit_errors WHERE run_id = $1`
)

// PostgresRunStore implements RunStore on Postgres
type PostgresRunStore struct {
	db DB
}

// NewPostgresRunStore returns nil when db is nil
func NewPostgresRunStore(db DB) *PostgresRunStore {
	if db == nil {
		return nil
	}
	return &PostgresRunStore{db: db}
}

func (s *PostgresRunStore) CreateRun(ctx context.Context, run domain.Run) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if err := run.Validate(); err != nil {
		return err
	}
	counts, artifacts, err := encodeRunJSON(run)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, insertRunQuery,
		strings.TrimSpace(run.ID),
		string(run.EntityType),
		string(run.IdentifierType),
		string(run.Status),
		run.Tenant,
		nullIfEmpty(run.UserID),
		nullIfEmpty(run.Username),
		counts,
		artifacts,
		nullIfEmpty(run.ErrorMessage),
		normalizeTime(run.StartedAt),
		nullTime(run.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *PostgresRunStore) GetRun(ctx context.Context, id string) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Run{}, fmt.Errorf("run id is required")
	}

	var run domain.Run
	var entityType, identifierType, status string
	var userID, username, errorMessage sql.NullString
	var counts, artifacts []byte
	var endedAt sql.NullTime
	row := s.db.QueryRowContext(ctx, selectRunQuery, id)
	if err := row.Scan(&run.ID, &entityType, &identifierType, &status, &run.Tenant, &userID, &username,
		&counts, &artifacts, &errorMessage, &run.StartedAt, &endedAt); err != nil {
		return domain.Run{}, handleNotFound(err)
	}

	run.EntityType = domain.EntityType(entityType)
	run.IdentifierType = domain.IdentifierType(identifierType)
	run.Status = domain.RunStatus(status)
	run.UserID = userID.String
	run.Username = username.String
	run.ErrorMessage = errorMessage.String
	if endedAt.Valid {
		t := endedAt.Time.UTC()
		run.EndedAt = &t
	}
	if err := json.Unmarshal(counts, &run.Counts); err != nil {
		return domain.Run{}, fmt.Errorf("decode counts: %w", err)
	}
	if err := json.Unmarshal(artifacts, &run.Artifacts); err != nil {
		return domain.Run{}, fmt.Errorf("decode artifacts: %w", err)
	}
	return run, nil
}

func (s *PostgresRunStore) UpdateRun(ctx context.Context, run domain.Run) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	counts, artifacts, err := encodeRunJSON(run)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, updateRunQuery,
		run.ID, string(run.Status), counts, artifacts, nullIfEmpty(run.ErrorMessage), nullTime(run.EndedAt))
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s: %w", run.ID, errors.ErrNotFound)
	}
	return nil
}

// PostgresErrorStore implements ErrorStore on Postgres
type PostgresErrorStore struct {
	db DB
}

// NewPostgresErrorStore returns nil when db is nil
func NewPostgresErrorStore(db DB) *PostgresErrorStore {
	if db == nil {
		return nil
	}
	return &PostgresErrorStore{db: db}
}

func (s *PostgresErrorStore) SaveError(ctx context.Context, rec domain.ErrorRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("error store not initialized")
	}
	if rec.RunID == "" || rec.ID == "" {
		return fmt.Errorf("error id and run id are required")
	}
	_, err := s.db.ExecContext(ctx, insertErrorQuery,
		rec.ID, rec.RunID, rec.Identifier, rec.Message, rec.Severity, rec.Code, normalizeTime(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert error: %w", err)
	}
	return nil
}

func (s *PostgresErrorStore) ListErrors(ctx context.Context, runID string, offset, limit int) ([]domain.ErrorRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("error store not initialized")
	}
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, listErrorsQuery, runID, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("list errors: %w", err)
	}
	defer rows.Close()

	var out []domain.ErrorRecord
	for rows.Next() {
		var rec domain.ErrorRecord
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.Identifier, &rec.Message, &rec.Severity, &rec.Code, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresErrorStore) CountErrors(ctx context.Context, runID string) (ErrorCounts, error) {
	if s == nil || s.db == nil {
		return ErrorCounts{}, fmt.Errorf("error store not initialized")
	}
	var c ErrorCounts
	if err := s.db.QueryRowContext(ctx, countErrorsQuery, runID).Scan(&c.Warnings, &c.Errors); err != nil {
		return ErrorCounts{}, fmt.Errorf("count errors: %w", err)
	}
	return c, nil
}

func encodeRunJSON(run domain.Run) ([]byte, []byte, error) {
	counts, err := json.Marshal(run.Counts)
	if err != nil {
		return nil, nil, fmt.Errorf("encode counts: %w", err)
	}
	artifacts, err := json.Marshal(run.Artifacts)
	if err != nil {
		return nil, nil, fmt.Errorf("encode artifacts: %w", err)
	}
	return counts, artifacts, nil
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}

func handleNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return errors.ErrNotFound
	}
	return err
}
