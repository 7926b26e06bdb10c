package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MarkusJohansen/faxing/internal/config"
	"github.com/MarkusJohansen/faxing/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrArchiveExists is returned when an archive name is written twice
var ErrArchiveExists = errors.New("archive already exists")

// Repository stores archive records and the session event log in PostgreSQL
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Repository{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (r *Repository) Close() {
	r.pool.Close()
}

// Ping checks the database, used by the readiness probe
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS session_archives (
			name VARCHAR(255) PRIMARY KEY,
			id UUID NOT NULL,
			session_code VARCHAR(16) NOT NULL,
			reason VARCHAR(20) NOT NULL,
			winner VARCHAR(64),
			winner_ms BIGINT,
			total_participants INT NOT NULL,
			record JSONB NOT NULL,
			archived_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS session_events (
			id BIGSERIAL PRIMARY KEY,
			session_code VARCHAR(16) NOT NULL,
			event_type VARCHAR(32) NOT NULL,
			player_name VARCHAR(64),
			elapsed_ms BIGINT,
			archive_name VARCHAR(255),
			occurred_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_session_archives_code ON session_archives(session_code, archived_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_session_events_code ON session_events(session_code, occurred_at)`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

// WriteArchive inserts an archive record. Records are never updated.
func (r *Repository) WriteArchive(ctx context.Context, name string, rec *domain.ArchiveRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling archive: %w", err)
	}

	var winner *string
	var winnerMs *int64
	if rec.Winner != nil {
		winner = &rec.Winner.PlayerName
		if ms, ok := rec.Winner.Completion.Millis(); ok {
			winnerMs = &ms
		}
	}

	query := `
		INSERT INTO session_archives (name, id, session_code, reason, winner, winner_ms, total_participants, record, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (name) DO NOTHING
	`
	result, err := r.pool.Exec(ctx, query,
		name,
		rec.ID,
		rec.SessionCode,
		string(rec.Reason),
		winner,
		winnerMs,
		rec.TotalParticipants,
		data,
		rec.ArchivedAt,
	)
	if err != nil {
		return fmt.Errorf("writing archive: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("writing archive %s: %w", name, ErrArchiveExists)
	}
	return nil
}

// GetArchive loads an archive record by name
func (r *Repository) GetArchive(ctx context.Context, name string) (*domain.ArchiveRecord, error) {
	var data []byte
	err := r.pool.QueryRow(ctx, `SELECT record FROM session_archives WHERE name = $1`, name).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("archive %s: %w", name, pgx.ErrNoRows)
		}
		return nil, fmt.Errorf("getting archive: %w", err)
	}

	var rec domain.ArchiveRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling archive: %w", err)
	}
	return &rec, nil
}

// RecordEvent appends a session event to the audit log
func (r *Repository) RecordEvent(ctx context.Context, event domain.SessionEvent) error {
	query := `
		INSERT INTO session_events (session_code, event_type, player_name, elapsed_ms, archive_name, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.pool.Exec(ctx, query, eventArgs(event)...)
	if err != nil {
		return fmt.Errorf("recording event: %w", err)
	}
	return nil
}

// Notify records the event; it lets the repository be registered as a
// coordinator notifier
func (r *Repository) Notify(ctx context.Context, event domain.SessionEvent) error {
	return r.RecordEvent(ctx, event)
}

func eventArgs(event domain.SessionEvent) []any {
	return []any{
		event.SessionCode,
		string(event.Type),
		nullString(event.PlayerName),
		event.ElapsedMs,
		nullString(event.ArchiveName),
		event.OccurredAt,
	}
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
