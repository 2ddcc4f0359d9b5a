package checkpoint

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver with database/sql for goose
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type PostgresConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
}

func (cfg *PostgresConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	return nil
}

// Postgres journals outcomes to a batch_outcomes table.
type Postgres struct {
	log *slog.Logger
	cfg PostgresConfig
}

func NewPostgres(cfg PostgresConfig) (*Postgres, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Postgres{log: cfg.Logger, cfg: cfg}, nil
}

// Migrate applies the checkpoint schema migrations with goose.
func Migrate(ctx context.Context, log *slog.Logger, connStr string) error {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to run checkpoint migrations: %w", err)
	}

	log.Info("checkpoint: migrations completed")
	return nil
}

func (p *Postgres) Record(ctx context.Context, o Outcome) error {
	_, err := p.cfg.Pool.Exec(ctx, `
		INSERT INTO batch_outcomes (run_id, batch_index, status, signature, reason, recorded_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (run_id, batch_index)
		DO UPDATE SET status = $3, signature = $4, reason = $5, recorded_at = now()
	`, o.RunID, o.BatchIndex, o.Status, o.Signature, o.Reason)
	if err != nil {
		return fmt.Errorf("failed to record batch outcome: %w", err)
	}
	return nil
}

func (p *Postgres) Outcomes(ctx context.Context, runID uuid.UUID) ([]Outcome, error) {
	rows, err := p.cfg.Pool.Query(ctx, `
		SELECT run_id, batch_index, status, signature, reason, recorded_at
		FROM batch_outcomes
		WHERE run_id = $1
		ORDER BY batch_index
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query batch outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []Outcome
	for rows.Next() {
		var o Outcome
		if err := rows.Scan(&o.RunID, &o.BatchIndex, &o.Status, &o.Signature, &o.Reason, &o.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan batch outcome: %w", err)
		}
		outcomes = append(outcomes, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate batch outcomes: %w", err)
	}
	return outcomes, nil
}
