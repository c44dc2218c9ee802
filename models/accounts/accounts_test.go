package accounts

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/pkg/errors"

	"github.com/satsbank/satsbank/testutil"
)

func accountRow(id int, username string, balance int64) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(testutil.AccountColumns).
		AddRow(id, username, nil, balance, now, now, nil)
}

func TestGetByID(t *testing.T) {
	t.Parallel()

	t.Run("returns the account", func(t *testing.T) {
		d, mock := testutil.NewSqlmockDB(t)

		mock.ExpectQuery(`SELECT id, username, email, balance, created_at, updated_at, deleted_at FROM accounts WHERE id=\$1`).
			WithArgs(7).
			WillReturnRows(accountRow(7, "alice", 5000))

		account, err := GetByID(d, 7)
		if err != nil {
			testutil.FatalMsg(t, err)
		}
		testutil.AssertEqual(t, 7, account.ID)
		testutil.AssertEqual(t, "alice", account.Username)
		testutil.AssertEqual(t, int64(5000), account.BalanceSat)

		testutil.AssertEqual(t, nil, mock.ExpectationsWereMet())
	})

	t.Run("missing account yields ErrAccountNotFound", func(t *testing.T) {
		d, mock := testutil.NewSqlmockDB(t)

		mock.ExpectQuery(`FROM accounts WHERE id=\$1`).
			WithArgs(99).
			WillReturnRows(sqlmock.NewRows(testutil.AccountColumns))

		_, err := GetByID(d, 99)
		if !errors.Is(err, ErrAccountNotFound) {
			testutil.FatalMsgf(t, "expected ErrAccountNotFound, got %v", err)
		}
	})
}

func TestCreate(t *testing.T) {
	t.Parallel()

	t.Run("rejects empty username", func(t *testing.T) {
		d, _ := testutil.NewSqlmockDB(t)

		_, err := Create(d, CreateAccountArgs{})
		if !errors.Is(err, ErrUsernameMustBeSet) {
			testutil.FatalMsgf(t, "expected ErrUsernameMustBeSet, got %v", err)
		}
	})

	t.Run("rejects ln prefixed usernames", func(t *testing.T) {
		d, _ := testutil.NewSqlmockDB(t)

		for _, username := range []string{"lnbob", "LNbob", "lnbc1somebody"} {
			if _, err := Create(d, CreateAccountArgs{Username: username}); err == nil {
				testutil.FatalMsgf(t, "expected error for username %q", username)
			}
		}
	})

	t.Run("inserts and returns the account", func(t *testing.T) {
		d, mock := testutil.NewSqlmockDB(t)

		mock.ExpectQuery(`INSERT INTO accounts \(username, email\)`).
			WillReturnRows(accountRow(1, "alice", 0))

		account, err := Create(d, CreateAccountArgs{Username: "alice"})
		if err != nil {
			testutil.FatalMsg(t, err)
		}
		testutil.AssertEqual(t, "alice", account.Username)
		testutil.AssertEqual(t, int64(0), account.BalanceSat)
	})
}

func TestDecreaseBalance(t *testing.T) {
	t.Parallel()

	t.Run("rejects non positive amounts", func(t *testing.T) {
		d, mock := testutil.NewSqlmockDB(t)
		mock.ExpectBegin()
		tx := d.MustBegin()

		_, err := DecreaseBalance(tx, ChangeBalance{AccountID: 1, AmountSat: 0})
		if !errors.Is(err, ErrNonPositiveAmount) {
			testutil.FatalMsgf(t, "expected ErrNonPositiveAmount, got %v", err)
		}

		_, err = DecreaseBalance(tx, ChangeBalance{AccountID: 1, AmountSat: -100})
		if !errors.Is(err, ErrNonPositiveAmount) {
			testutil.FatalMsgf(t, "expected ErrNonPositiveAmount, got %v", err)
		}
	})

	t.Run("debits when the balance covers the amount", func(t *testing.T) {
		d, mock := testutil.NewSqlmockDB(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`UPDATE accounts\s+SET balance = balance - \$1, updated_at = now\(\)\s+WHERE id = \$2 AND balance >= \$1`).
			WithArgs(int64(300), 1).
			WillReturnRows(accountRow(1, "alice", 700))

		tx := d.MustBegin()
		account, err := DecreaseBalance(tx, ChangeBalance{AccountID: 1, AmountSat: 300})
		if err != nil {
			testutil.FatalMsg(t, err)
		}
		testutil.AssertEqual(t, int64(700), account.BalanceSat)

		testutil.AssertEqual(t, nil, mock.ExpectationsWereMet())
	})

	t.Run("insufficient balance yields ErrBalanceTooLow", func(t *testing.T) {
		d, mock := testutil.NewSqlmockDB(t)
		mock.ExpectBegin()
		// the guard makes the UPDATE touch zero rows
		mock.ExpectQuery(`UPDATE accounts`).
			WithArgs(int64(1000), 1).
			WillReturnRows(sqlmock.NewRows(testutil.AccountColumns))

		tx := d.MustBegin()
		_, err := DecreaseBalance(tx, ChangeBalance{AccountID: 1, AmountSat: 1000})
		if !errors.Is(err, ErrBalanceTooLow) {
			testutil.FatalMsgf(t, "expected ErrBalanceTooLow, got %v", err)
		}
	})
}

func TestIncreaseBalance(t *testing.T) {
	t.Parallel()

	t.Run("rejects non positive amounts", func(t *testing.T) {
		d, mock := testutil.NewSqlmockDB(t)
		mock.ExpectBegin()
		tx := d.MustBegin()

		_, err := IncreaseBalance(tx, ChangeBalance{AccountID: 1, AmountSat: 0})
		if !errors.Is(err, ErrNonPositiveAmount) {
			testutil.FatalMsgf(t, "expected ErrNonPositiveAmount, got %v", err)
		}
	})

	t.Run("credits the account", func(t *testing.T) {
		d, mock := testutil.NewSqlmockDB(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`UPDATE accounts\s+SET balance = balance \+ \$1, updated_at = now\(\)\s+WHERE id = \$2`).
			WithArgs(int64(250), 2).
			WillReturnRows(accountRow(2, "bob", 250))

		tx := d.MustBegin()
		account, err := IncreaseBalance(tx, ChangeBalance{AccountID: 2, AmountSat: 250})
		if err != nil {
			testutil.FatalMsg(t, err)
		}
		testutil.AssertEqual(t, int64(250), account.BalanceSat)
	})

	t.Run("missing account yields ErrAccountNotFound", func(t *testing.T) {
		d, mock := testutil.NewSqlmockDB(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`UPDATE accounts`).
			WithArgs(int64(250), 404).
			WillReturnRows(sqlmock.NewRows(testutil.AccountColumns))

		tx := d.MustBegin()
		_, err := IncreaseBalance(tx, ChangeBalance{AccountID: 404, AmountSat: 250})
		if !errors.Is(err, ErrAccountNotFound) {
			testutil.FatalMsgf(t, "expected ErrAccountNotFound, got %v", err)
		}
	})
}

func TestTotalBalance(t *testing.T) {
	t.Parallel()

	d, mock := testutil.NewSqlmockDB(t)
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(balance\), 0\) AS total FROM accounts`).
		WillReturnRows(sqlmock.NewRows([]string{"total"}).AddRow(123456))

	total, err := TotalBalance(d)
	if err != nil {
		testutil.FatalMsg(t, err)
	}
	testutil.AssertEqual(t, int64(123456), total)
}
