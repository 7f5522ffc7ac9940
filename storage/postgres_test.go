package storage

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/play-engine/types"
)

func sampleDecision() types.ApprovalDecision {
	return types.ApprovalDecision{ID: nextID(), ApprovalID: nextID(), DecidedBy: "u", Decision: types.DecisionApproved}
}

func TestPgStorage(t *testing.T) {
	dsn := os.Getenv("PLAYENGINE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PLAYENGINE_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := OpenPostgres(ctx, dsn)
	require.NoError(t, err)
	store := NewPgStorage(pool)
	defer store.Close()
	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.Migrate(ctx), "migration is idempotent")

	runStorageSuite(t, store)
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("boom")))
	assert.False(t, isUniqueViolation(nil))
}

func TestNullableJSON(t *testing.T) {
	var pending *types.PendingAction
	b, err := nullableJSON(pending)
	require.NoError(t, err)
	assert.Nil(t, b)

	var outputs map[string]interface{}
	b, err = nullableJSON(outputs)
	require.NoError(t, err)
	assert.Nil(t, b)

	b, err = nullableJSON(map[string]interface{}{"a": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(b))
}
