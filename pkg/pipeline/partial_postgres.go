package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ace-han/social-auth/pkg/errs"
	"github.com/ace-han/social-auth/pkg/userstore"
)

// PostgresPartialStore implements PartialStore using PostgreSQL. The working
// state is stored as an opaque JSON blob next to the suspending step name.
//
// Expected schema:
//
//	CREATE TABLE pipeline_partial (
//	    token UUID PRIMARY KEY,
//	    pipeline_step TEXT NOT NULL,
//	    working_state JSONB NOT NULL,
//	    created_at TIMESTAMPTZ NOT NULL
//	);
type PostgresPartialStore struct {
	db userstore.DBTX
}

// NewPostgresPartialStore creates a PostgreSQL-backed partial store.
func NewPostgresPartialStore(db userstore.DBTX) *PostgresPartialStore {
	return &PostgresPartialStore{db: db}
}

// Save persists progress under a fresh token.
func (s *PostgresPartialStore) Save(ctx context.Context, progress Progress) (string, error) {
	token := uuid.New()
	progress.CreatedAt = time.Now().UTC()

	blob, err := json.Marshal(progress)
	if err != nil {
		return "", errs.Wrap(err, errs.ErrCodeInternal, "failed to marshal pipeline progress")
	}

	query := `
		INSERT INTO pipeline_partial (token, pipeline_step, working_state, created_at)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := s.db.Exec(ctx, query, token, progress.StepName, blob, progress.CreatedAt); err != nil {
		return "", errs.Wrap(err, errs.ErrCodeInternal, "failed to save pipeline progress")
	}
	return token.String(), nil
}

// Load returns the progress stored under token.
func (s *PostgresPartialStore) Load(ctx context.Context, token string) (Progress, error) {
	id, err := uuid.Parse(token)
	if err != nil {
		return Progress{}, errs.NotFound("pipeline token", token)
	}

	var blob []byte
	query := `SELECT working_state FROM pipeline_partial WHERE token = $1`
	err = s.db.QueryRow(ctx, query, id).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return Progress{}, errs.NotFound("pipeline token", token)
	}
	if err != nil {
		return Progress{}, errs.Wrap(err, errs.ErrCodeInternal, "failed to load pipeline progress")
	}

	var progress Progress
	if err := json.Unmarshal(blob, &progress); err != nil {
		return Progress{}, errs.Wrap(err, errs.ErrCodeInternal, "failed to unmarshal pipeline progress")
	}
	return progress, nil
}

// Delete discards the token.
func (s *PostgresPartialStore) Delete(ctx context.Context, token string) error {
	id, err := uuid.Parse(token)
	if err != nil {
		return nil
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM pipeline_partial WHERE token = $1`, id); err != nil {
		return errs.Wrap(err, errs.ErrCodeInternal, "failed to delete pipeline progress")
	}
	return nil
}
