package userstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ace-han/social-auth/pkg/errs"
)

// DBTX allows using either a pgx pool, connection or transaction.
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// PostgresStore implements Store using PostgreSQL.
//
// Expected schema:
//
//	CREATE TABLE users (
//	    id UUID PRIMARY KEY,
//	    username TEXT NOT NULL UNIQUE,
//	    email TEXT NOT NULL,
//	    active BOOLEAN NOT NULL DEFAULT TRUE,
//	    last_login_backend TEXT NOT NULL DEFAULT '',
//	    last_login_at TIMESTAMPTZ,
//	    created_at TIMESTAMPTZ NOT NULL
//	);
//	CREATE TABLE user_social_auth (
//	    user_id UUID NOT NULL REFERENCES users (id),
//	    backend TEXT NOT NULL,
//	    stable_id TEXT NOT NULL,
//	    created_at TIMESTAMPTZ NOT NULL,
//	    PRIMARY KEY (backend, stable_id)
//	);
type PostgresStore struct {
	db DBTX
}

// NewPostgresStore creates a PostgreSQL-backed user store.
func NewPostgresStore(db DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

const userColumns = `id, username, email, active, last_login_backend, COALESCE(last_login_at, 'epoch'::timestamptz), created_at`

func scanUser(row pgx.Row) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Username, &user.Email, &user.Active,
		&user.LastLoginBackend, &user.LastLoginAt, &user.CreatedAt)
	return user, err
}

// FindByStableID returns the user linked to (backend, stableID).
func (s *PostgresStore) FindByStableID(ctx context.Context, backend, stableID string) (User, error) {
	query := `
		SELECT ` + userColumns + `
		FROM users u
		JOIN user_social_auth sa ON sa.user_id = u.id
		WHERE sa.backend = $1 AND sa.stable_id = $2
	`
	user, err := scanUser(s.db.QueryRow(ctx, query, backend, stableID))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, errs.NotFound("association", stableID)
	}
	if err != nil {
		return User{}, errs.Wrap(err, errs.ErrCodeInternal, "failed to find user by stable id")
	}
	return user, nil
}

// FindByUsername returns the user with the given username.
func (s *PostgresStore) FindByUsername(ctx context.Context, username string) (User, error) {
	query := `SELECT ` + userColumns + ` FROM users u WHERE username = $1`
	user, err := scanUser(s.db.QueryRow(ctx, query, username))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, errs.NotFound("user", username)
	}
	if err != nil {
		return User{}, errs.Wrap(err, errs.ErrCodeInternal, "failed to find user by username")
	}
	return user, nil
}

// GetByID returns the user with the given ID.
func (s *PostgresStore) GetByID(ctx context.Context, id uuid.UUID) (User, error) {
	query := `SELECT ` + userColumns + ` FROM users u WHERE id = $1`
	user, err := scanUser(s.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, errs.NotFound("user", id.String())
	}
	if err != nil {
		return User{}, errs.Wrap(err, errs.ErrCodeInternal, "failed to get user")
	}
	return user, nil
}

// Create persists a new user, assigning an ID when unset.
func (s *PostgresStore) Create(ctx context.Context, user User) (User, error) {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO users (id, username, email, active, last_login_backend, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.db.Exec(ctx, query, user.ID, user.Username, user.Email,
		user.Active, user.LastLoginBackend, user.CreatedAt)
	if isUniqueViolation(err) {
		return User{}, errs.Newf(errs.ErrCodeAlreadyExists, "username already exists: %s", user.Username)
	}
	if err != nil {
		return User{}, errs.Wrap(err, errs.ErrCodeInternal, "failed to create user")
	}
	return user, nil
}

// Link associates (backend, stableID) with the user.
func (s *PostgresStore) Link(ctx context.Context, userID uuid.UUID, backend, stableID string) error {
	query := `
		INSERT INTO user_social_auth (user_id, backend, stable_id, created_at)
		VALUES ($1, $2, $3, $4)
	`
	_, err := s.db.Exec(ctx, query, userID, backend, stableID, time.Now().UTC())
	if isUniqueViolation(err) {
		return errs.Newf(errs.ErrCodeAlreadyExists, "identity already linked: %s/%s", backend, stableID)
	}
	if err != nil {
		return errs.Wrap(err, errs.ErrCodeInternal, "failed to link identity")
	}
	return nil
}

// RecordLogin stores which backend performed the most recent login.
func (s *PostgresStore) RecordLogin(ctx context.Context, userID uuid.UUID, backend string) error {
	query := `
		UPDATE users SET last_login_backend = $2, last_login_at = $3 WHERE id = $1
	`
	tag, err := s.db.Exec(ctx, query, userID, backend, time.Now().UTC())
	if err != nil {
		return errs.Wrap(err, errs.ErrCodeInternal, "failed to record login")
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("user", userID.String())
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
