package db

import (
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blipee/pulse/errors"
)

func TestRebind(t *testing.T) {
	q := "UPDATE jobs SET status = 'running?' WHERE id = ? AND status = ?"

	assert.Equal(t, q, SQLite.Rebind(q))
	assert.Equal(t,
		"UPDATE jobs SET status = 'running?' WHERE id = $1 AND status = $2",
		Postgres.Rebind(q))
}

func TestDialectFor(t *testing.T) {
	d, err := DialectFor("postgres")
	require.NoError(t, err)
	assert.Equal(t, Postgres, d)
	assert.Equal(t, " FOR UPDATE SKIP LOCKED", d.SkipLocked())

	d, err = DialectFor("sqlite3")
	require.NoError(t, err)
	assert.Equal(t, SQLite, d)
	assert.Empty(t, d.SkipLocked())
}

func TestIsUniqueViolation(t *testing.T) {
	assert.False(t, IsUniqueViolation(nil))
	assert.False(t, IsUniqueViolation(errors.New("boom")))
	assert.True(t, IsUniqueViolation(errors.Wrap(&pq.Error{Code: "23505"}, "insert")))
	assert.False(t, IsUniqueViolation(&pq.Error{Code: "23503"}))
}

func TestIsForeignKeyViolation(t *testing.T) {
	assert.False(t, IsForeignKeyViolation(nil))
	assert.True(t, IsForeignKeyViolation(&pq.Error{Code: "23503"}))
	assert.False(t, IsForeignKeyViolation(&pq.Error{Code: "23505"}))
}
