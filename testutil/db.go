package testutil

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/satsbank/satsbank/db"
)

// NewSqlmockDB returns a DB handle backed by sqlmock instead of a real
// Postgres. Registering the mock under the postgres driver name makes sqlx
// rebind named queries to $N placeholders, the same as in production.
func NewSqlmockDB(t *testing.T) (*db.DB, sqlmock.Sqlmock) {
	t.Helper()

	mockDb, mock, err := sqlmock.New()
	if err != nil {
		FatalMsgf(t, "could not create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		_ = mockDb.Close()
	})

	sqlxDb := sqlx.NewDb(mockDb, "postgres")
	return &db.DB{DB: sqlxDb}, mock
}

// TxColumns is the column set of the transactions table, in the order the
// queries return them
var TxColumns = []string{
	"id", "account_id", "type", "amount", "status",
	"payment_hash", "payment_request", "preimage", "memo", "counterparty",
	"created_at", "settled_at",
}

// AccountColumns is the column set of the accounts table
var AccountColumns = []string{
	"id", "username", "email", "balance", "created_at", "updated_at", "deleted_at",
}
