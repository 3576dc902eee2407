package pipeline

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ace-han/social-auth/pkg/backend"
	"github.com/ace-han/social-auth/pkg/errs"
)

type stubPartialRow struct {
	scan func(dest ...interface{}) error
}

func (r stubPartialRow) Scan(dest ...interface{}) error {
	return r.scan(dest...)
}

type stubPartialDB struct {
	execFn     func(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	queryRowFn func(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (db *stubPartialDB) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	if db.execFn == nil {
		panic("unexpected Exec")
	}
	return db.execFn(ctx, sql, args...)
}

func (db *stubPartialDB) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	panic("unexpected Query")
}

func (db *stubPartialDB) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	if db.queryRowFn == nil {
		panic("unexpected QueryRow")
	}
	return db.queryRowFn(ctx, sql, args...)
}

func TestPostgresPartialSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()

	var savedBlob []byte
	store := NewPostgresPartialStore(&stubPartialDB{
		execFn: func(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
			savedBlob = args[2].([]byte)
			return pgconn.NewCommandTag("INSERT 0 1"), nil
		},
		queryRowFn: func(ctx context.Context, sql string, args ...interface{}) pgx.Row {
			return stubPartialRow{scan: func(dest ...interface{}) error {
				*(dest[0].(*[]byte)) = savedBlob
				return nil
			}}
		},
	})

	token, err := store.Save(ctx, Progress{
		BackendName: "acme",
		StepName:    "disambiguate_existing",
		Profile:     backend.Profile{"email": "alice@example.com"},
		Key:         backend.IdentityKey{Username: "alice", StableID: "u-42"},
		Data:        map[string]interface{}{"candidate_user_id": "c-1"},
	})
	require.NoError(t, err)
	_, err = uuid.Parse(token)
	require.NoError(t, err)

	loaded, err := store.Load(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "acme", loaded.BackendName)
	assert.Equal(t, "disambiguate_existing", loaded.StepName)
	assert.Equal(t, "alice", loaded.Key.Username)
	assert.Equal(t, "c-1", loaded.Data["candidate_user_id"])
	assert.False(t, loaded.CreatedAt.IsZero())
}

func TestPostgresPartialLoadNotFound(t *testing.T) {
	ctx := context.Background()
	store := NewPostgresPartialStore(&stubPartialDB{
		queryRowFn: func(ctx context.Context, sql string, args ...interface{}) pgx.Row {
			return stubPartialRow{scan: func(dest ...interface{}) error { return pgx.ErrNoRows }}
		},
	})

	_, err := store.Load(ctx, uuid.New().String())
	assert.True(t, errs.IsNotFound(err))
}

func TestPostgresPartialMalformedTokenSkipsDatabase(t *testing.T) {
	ctx := context.Background()
	// panicking stubs: any database call fails the test
	store := NewPostgresPartialStore(&stubPartialDB{})

	_, err := store.Load(ctx, "not-a-uuid")
	assert.True(t, errs.IsNotFound(err))

	assert.NoError(t, store.Delete(ctx, "not-a-uuid"))
}

func TestPostgresPartialDelete(t *testing.T) {
	ctx := context.Background()
	token := uuid.New()

	var gotArgs []interface{}
	store := NewPostgresPartialStore(&stubPartialDB{
		execFn: func(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
			gotArgs = args
			return pgconn.NewCommandTag("DELETE 1"), nil
		},
	})

	require.NoError(t, store.Delete(ctx, token.String()))
	assert.Equal(t, token, gotArgs[0])
}
