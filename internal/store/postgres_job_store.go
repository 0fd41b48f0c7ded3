package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/dunamismax/magickflow/internal/domain"
)

const jobSchemaSQL = `
CREATE TABLE IF NOT EXISTS transform_jobs (
	id TEXT PRIMARY KEY,
	operation TEXT NOT NULL,
	status TEXT NOT NULL,
	input_id TEXT NOT NULL,
	output_id TEXT NOT NULL DEFAULT '',
	params JSONB NOT NULL DEFAULT '{}'::jsonb,
	error_kind TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	webhook_url TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`

type PostgresJobStore struct {
	db *sql.DB
}

func NewPostgresJobStore(ctx context.Context, dsn string) (*PostgresJobStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresJobStore{db: db}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *PostgresJobStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, jobSchemaSQL); err != nil {
		return fmt.Errorf("ensure transform_jobs schema: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Close() error {
	return s.db.Close()
}

func (s *PostgresJobStore) Create(ctx context.Context, job domain.Job) error {
	paramsJSON, err := marshalParams(job.Params)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO transform_jobs
		   (id, operation, status, input_id, output_id, params, error_kind, error, webhook_url, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		job.ID,
		string(job.Operation),
		job.Status,
		job.InputID,
		job.OutputID,
		paramsJSON,
		job.ErrorKind,
		job.Error,
		job.WebhookURL,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	return nil
}

func (s *PostgresJobStore) Get(ctx context.Context, id string) (domain.Job, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, operation, status, input_id, output_id, params, error_kind, error, webhook_url, created_at, updated_at
		 FROM transform_jobs
		 WHERE id = $1`,
		id,
	)

	var (
		job        domain.Job
		operation  string
		paramsJSON []byte
	)
	if err := row.Scan(
		&job.ID,
		&operation,
		&job.Status,
		&job.InputID,
		&job.OutputID,
		&paramsJSON,
		&job.ErrorKind,
		&job.Error,
		&job.WebhookURL,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, fmt.Errorf("query job: %w", err)
	}
	job.Operation = domain.Operation(operation)

	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &job.Params); err != nil {
			return domain.Job{}, false, fmt.Errorf("unmarshal job params: %w", err)
		}
	}

	return job, true, nil
}

func (s *PostgresJobStore) Update(ctx context.Context, job domain.Job) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE transform_jobs
		 SET status = $1, output_id = $2, error_kind = $3, error = $4, updated_at = $5
		 WHERE id = $6`,
		job.Status,
		job.OutputID,
		job.ErrorKind,
		job.Error,
		job.UpdatedAt,
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job rows affected: %w", err)
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func marshalParams(params map[string]string) ([]byte, error) {
	if params == nil {
		params = map[string]string{}
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal job params: %w", err)
	}
	return data, nil
}
