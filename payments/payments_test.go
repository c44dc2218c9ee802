package payments

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/pkg/errors"

	"github.com/satsbank/satsbank/ln"
	"github.com/satsbank/satsbank/testutil"
)

const testHash = "0001020304050607080900010203040506070809000102030405060708090102"

// fixedClock always reports the same instant
type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func TestFromLookup(t *testing.T) {
	t.Parallel()

	now := time.Date(2023, 4, 11, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	tests := []struct {
		name   string
		status ln.InvoiceStatus
		want   State
	}{
		{"open invoice", ln.InvoiceStatus{State: "OPEN", ExpiresAt: future}, Open},
		{"accepted invoice", ln.InvoiceStatus{State: "ACCEPTED", ExpiresAt: future}, Accepted},
		{"settled flag wins", ln.InvoiceStatus{Settled: true, State: "SETTLED"}, Settled},
		{"settled state", ln.InvoiceStatus{State: "SETTLED", ExpiresAt: future}, Settled},
		{"canceled invoice", ln.InvoiceStatus{State: "CANCELED", ExpiresAt: future}, Canceled},
		{"open but expired", ln.InvoiceStatus{State: "OPEN", ExpiresAt: past}, Expired},
		{"accepted but expired", ln.InvoiceStatus{State: "ACCEPTED", ExpiresAt: past}, Expired},
		// a settled invoice stays settled even past its expiry
		{"settled past expiry", ln.InvoiceStatus{Settled: true, State: "SETTLED", ExpiresAt: past}, Settled},
		// some gateways report the state without the settled flag; expiry
		// must not downgrade those either
		{"settled state past expiry", ln.InvoiceStatus{State: "SETTLED", ExpiresAt: past}, Settled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromLookup(tt.status, now)
			if err != nil {
				testutil.FatalMsg(t, err)
			}
			testutil.AssertEqual(t, tt.want, got)
		})
	}

	t.Run("unknown state errors", func(t *testing.T) {
		_, err := FromLookup(ln.InvoiceStatus{State: "BOGUS"}, now)
		if !errors.Is(err, ErrUnknownState) {
			testutil.FatalMsgf(t, "expected ErrUnknownState, got %v", err)
		}
	})
}

func TestStateIsFinal(t *testing.T) {
	t.Parallel()

	testutil.AssertMsg(t, Settled.IsFinal(), "settled is final")
	testutil.AssertMsg(t, Canceled.IsFinal(), "canceled is final")
	testutil.AssertMsg(t, Expired.IsFinal(), "expired is final")
	testutil.AssertMsg(t, !Open.IsFinal(), "open is not final")
	testutil.AssertMsg(t, !Accepted.IsFinal(), "accepted is not final")
}

func txRow(id int, accountID int, amount int64, status string) *sqlmock.Rows {
	hash := testHash
	return sqlmock.NewRows(testutil.TxColumns).
		AddRow(id, accountID, "deposit", amount, status,
			&hash, nil, nil, nil, nil, time.Now(), nil)
}

func accountRow(id int, balance int64) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(testutil.AccountColumns).
		AddRow(id, "alice", nil, balance, now, now, nil)
}

func TestApplySettlement(t *testing.T) {
	t.Parallel()

	settledAt := time.Now()
	status := ln.InvoiceStatus{Settled: true, AmountPaidSat: 500, Preimage: "deadbeef"}

	t.Run("first application credits the recipient", func(t *testing.T) {
		d, mock := testutil.NewSqlmockDB(t)

		mock.ExpectBegin()
		mock.ExpectQuery(`UPDATE transactions\s+SET status = 'completed'`).
			WillReturnRows(txRow(1, 1, 500, "completed"))
		mock.ExpectQuery(`UPDATE accounts\s+SET balance = balance \+ \$1`).
			WithArgs(int64(500), 1).
			WillReturnRows(accountRow(1, 500))
		mock.ExpectCommit()

		obs, err := ApplySettlement(d, testHash, status, settledAt)
		if err != nil {
			testutil.FatalMsg(t, err)
		}
		testutil.AssertMsg(t, obs.Applied, "first observer should apply")
		testutil.AssertEqual(t, Settled, obs.State)

		testutil.AssertEqual(t, nil, mock.ExpectationsWereMet())
	})

	t.Run("second application rolls back without crediting", func(t *testing.T) {
		d, mock := testutil.NewSqlmockDB(t)

		mock.ExpectBegin()
		mock.ExpectQuery(`UPDATE transactions\s+SET status = 'completed'`).
			WillReturnRows(sqlmock.NewRows(testutil.TxColumns))
		mock.ExpectQuery(`SELECT \* FROM transactions WHERE payment_hash=\$1`).
			WillReturnRows(txRow(1, 1, 500, "completed"))
		mock.ExpectRollback()

		obs, err := ApplySettlement(d, testHash, status, settledAt)
		if err != nil {
			testutil.FatalMsg(t, err)
		}
		testutil.AssertMsg(t, !obs.Applied, "second observer must not apply")

		// no balance UPDATE and no commit happened
		testutil.AssertEqual(t, nil, mock.ExpectationsWereMet())
	})

	t.Run("credit failure rolls everything back", func(t *testing.T) {
		d, mock := testutil.NewSqlmockDB(t)

		mock.ExpectBegin()
		mock.ExpectQuery(`UPDATE transactions\s+SET status = 'completed'`).
			WillReturnRows(txRow(1, 1, 500, "completed"))
		mock.ExpectQuery(`UPDATE accounts\s+SET balance = balance \+ \$1`).
			WillReturnError(errors.New("connection reset"))
		mock.ExpectRollback()

		_, err := ApplySettlement(d, testHash, status, settledAt)
		if err == nil {
			testutil.FatalMsg(t, "expected error")
		}

		testutil.AssertEqual(t, nil, mock.ExpectationsWereMet())
	})
}

func TestObserve(t *testing.T) {
	t.Parallel()

	clock := fixedClock{now: time.Date(2023, 4, 11, 12, 0, 0, 0, time.UTC)}

	t.Run("open invoice changes nothing", func(t *testing.T) {
		d, mock := testutil.NewSqlmockDB(t)
		lncli := &testutil.MockLightningClient{
			Invoices: map[string]ln.InvoiceStatus{
				testHash: {State: "OPEN", ExpiresAt: clock.now.Add(time.Hour)},
			},
		}

		obs, err := Observe(d, lncli, testHash, clock)
		if err != nil {
			testutil.FatalMsg(t, err)
		}
		testutil.AssertEqual(t, Open, obs.State)
		testutil.AssertMsg(t, !obs.Applied, "open invoice must not apply")

		// no DB traffic at all
		testutil.AssertEqual(t, nil, mock.ExpectationsWereMet())
	})

	t.Run("settled invoice is applied", func(t *testing.T) {
		d, mock := testutil.NewSqlmockDB(t)
		lncli := &testutil.MockLightningClient{
			Invoices: map[string]ln.InvoiceStatus{
				testHash: {Settled: true, State: "SETTLED", AmountPaidSat: 500, Preimage: "deadbeef"},
			},
		}

		mock.ExpectBegin()
		mock.ExpectQuery(`UPDATE transactions\s+SET status = 'completed'`).
			WillReturnRows(txRow(1, 1, 500, "completed"))
		mock.ExpectQuery(`UPDATE accounts\s+SET balance = balance \+ \$1`).
			WillReturnRows(accountRow(1, 500))
		mock.ExpectCommit()

		obs, err := Observe(d, lncli, testHash, clock)
		if err != nil {
			testutil.FatalMsg(t, err)
		}
		testutil.AssertMsg(t, obs.Applied, "settled invoice should apply")
	})

	t.Run("canceled invoice is marked failed", func(t *testing.T) {
		d, mock := testutil.NewSqlmockDB(t)
		lncli := &testutil.MockLightningClient{
			Invoices: map[string]ln.InvoiceStatus{
				testHash: {State: "CANCELED"},
			},
		}

		mock.ExpectBegin()
		mock.ExpectQuery(`UPDATE transactions\s+SET status = 'failed'`).
			WillReturnRows(txRow(1, 1, 500, "failed"))
		mock.ExpectCommit()

		obs, err := Observe(d, lncli, testHash, clock)
		if err != nil {
			testutil.FatalMsg(t, err)
		}
		testutil.AssertEqual(t, Canceled, obs.State)
	})

	t.Run("gateway failure surfaces the error", func(t *testing.T) {
		d, _ := testutil.NewSqlmockDB(t)
		lncli := &testutil.MockLightningClient{Err: errors.New("gateway down")}

		if _, err := Observe(d, lncli, testHash, clock); err == nil {
			testutil.FatalMsg(t, "expected error")
		}
	})
}
