package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestIsDuplicateKeyErr(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "gorm duplicated", err: gorm.ErrDuplicatedKey, want: true},
		{name: "pgx", err: fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}), want: true},
		{name: "pgx other code", err: &pgconn.PgError{Code: "23503"}, want: false},
		{name: "lib pq", err: &pq.Error{Code: "23505"}, want: true},
		{name: "mysql", err: &mysql.MySQLError{Number: 1062}, want: true},
		{name: "sqlite message", err: errors.New("UNIQUE constraint failed: usage_events.idempotency_key"), want: true},
		{name: "unrelated", err: errors.New("connection refused"), want: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsDuplicateKeyErr(tc.err))
		})
	}
}

func TestWrapPreservesMessageAndSentinels(t *testing.T) {
	assert.NoError(t, Wrap("op", nil))
	assert.ErrorIs(t, Wrap("op", gorm.ErrRecordNotFound), gorm.ErrRecordNotFound)
	assert.False(t, IsStoreError(Wrap("op", ErrConcurrencyConflict)))

	base := errors.New("disk full")
	wrapped := Wrap("usage.insert", base)
	assert.True(t, IsStoreError(wrapped))
	assert.ErrorIs(t, wrapped, base)
	assert.Equal(t, "usage.insert: disk full", wrapped.Error())

	again := Wrap("outer", wrapped)
	assert.Equal(t, wrapped, again)
}
