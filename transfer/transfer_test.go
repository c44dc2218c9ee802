package transfer

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/satsbank/satsbank/ln"
	"github.com/satsbank/satsbank/models/accounts"
	"github.com/satsbank/satsbank/testutil"
)

// payment requests from the BOLT11 examples, timestamped June 2017. The
// first locks 250000 sat with a 60 second expiry, the second carries no
// amount and gets the one hour default. Both are long expired on the real
// clock; tests that need them payable pin the orchestrator clock inside
// their validity window.
const (
	expiredPayReq   = "lnbc2500u1pvjluezpp5qqqsyqcyq5rqwzqfqqqsyqcyq5rqwzqfqqqsyqcyq5rqwzqfqypqdq5xysxxatsyp3k7enxv4jsxqzpuaztrnwngzn3kdzw5hydlzf03qdgm2hdq27cqv3agm2awhz5se903vruatfhq77w3ls4evs3ch9zw97j25emudupq63nyw24cg27h2rspfj9srp"
	anyAmountPayReq = "lnbc1pvjluezpp5qqqsyqcyq5rqwzqfqqqsyqcyq5rqwzqfqqqsyqcyq5rqwzqfqypqdpl2pkx2ctnv5sxxmmwwd5kgetjypeh2ursdae8g6twvus8g6rfwvs8qun0dfjkxaq8rkx3yf5tcsyz3d73gafnh3cax9rn449d9p5uxz9ezhhypd0elx87sjle52x86fux2ypatgddc6k63n7erqz25le42c4u4ecky03ylcqca784w"

	testPreimage = "aa01020304050607080900010203040506070809000102030405060708090102"
)

// fixedClock always reports the same instant
type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

// bolt11Time is 30 seconds after the example invoices were created, inside
// both of their expiry windows
var bolt11Time = time.Unix(1496314658, 0).Add(30 * time.Second)

func accountRow(id int, username string, balance int64) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(testutil.AccountColumns).
		AddRow(id, username, nil, balance, now, now, nil)
}

func txRow(id int, accountID int, txType string, amount int64,
	status string) *sqlmock.Rows {
	return sqlmock.NewRows(testutil.TxColumns).
		AddRow(id, accountID, txType, amount, status,
			nil, nil, nil, nil, nil, time.Now(), nil)
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, sqlmock.Sqlmock,
	*testutil.MockLightningClient) {
	d, mock := testutil.NewSqlmockDB(t)
	lncli := &testutil.MockLightningClient{}
	return NewOrchestrator(d, lncli, &chaincfg.MainNetParams), mock, lncli
}

func TestInternal(t *testing.T) {
	t.Parallel()

	args := InternalArgs{SenderID: 1, ToUsername: "bob", AmountSat: 500}

	t.Run("rejects non positive amounts", func(t *testing.T) {
		o, _, _ := newTestOrchestrator(t)

		for _, amount := range []int64{0, -1} {
			_, err := o.Internal(InternalArgs{SenderID: 1, ToUsername: "bob", AmountSat: amount})
			if !errors.Is(err, ErrInvalidAmount) {
				testutil.FatalMsgf(t, "expected ErrInvalidAmount for %d, got %v", amount, err)
			}
		}
	})

	t.Run("moves money and writes both ledger rows", func(t *testing.T) {
		o, mock, _ := newTestOrchestrator(t)

		mock.ExpectQuery(`FROM accounts WHERE id=\$1`).
			WithArgs(1).
			WillReturnRows(accountRow(1, "alice", 1000))
		mock.ExpectQuery(`FROM accounts WHERE username=\$1`).
			WithArgs("bob").
			WillReturnRows(accountRow(2, "bob", 0))

		mock.ExpectBegin()
		mock.ExpectQuery(`UPDATE accounts\s+SET balance = balance - \$1`).
			WithArgs(int64(500), 1).
			WillReturnRows(accountRow(1, "alice", 500))
		mock.ExpectQuery(`UPDATE accounts\s+SET balance = balance \+ \$1`).
			WithArgs(int64(500), 2).
			WillReturnRows(accountRow(2, "bob", 500))
		mock.ExpectQuery(`INSERT INTO transactions`).
			WillReturnRows(txRow(1, 1, "withdrawal", 500, "completed"))
		mock.ExpectQuery(`INSERT INTO transactions`).
			WillReturnRows(txRow(2, 2, "internal", 500, "completed"))
		mock.ExpectCommit()

		result, err := o.Internal(args)
		if err != nil {
			testutil.FatalMsg(t, err)
		}
		testutil.AssertEqual(t, 1, result.Sender.AccountID)
		testutil.AssertEqual(t, 2, result.Recipient.AccountID)

		testutil.AssertEqual(t, nil, mock.ExpectationsWereMet())
	})

	t.Run("unknown recipient yields ErrRecipientNotFound", func(t *testing.T) {
		o, mock, _ := newTestOrchestrator(t)

		mock.ExpectQuery(`FROM accounts WHERE id=\$1`).
			WillReturnRows(accountRow(1, "alice", 1000))
		mock.ExpectQuery(`FROM accounts WHERE username=\$1`).
			WillReturnRows(sqlmock.NewRows(testutil.AccountColumns))

		_, err := o.Internal(args)
		if !errors.Is(err, ErrRecipientNotFound) {
			testutil.FatalMsgf(t, "expected ErrRecipientNotFound, got %v", err)
		}
	})

	t.Run("rejects transfers to yourself", func(t *testing.T) {
		o, mock, _ := newTestOrchestrator(t)

		mock.ExpectQuery(`FROM accounts WHERE id=\$1`).
			WillReturnRows(accountRow(1, "alice", 1000))
		mock.ExpectQuery(`FROM accounts WHERE username=\$1`).
			WillReturnRows(accountRow(1, "alice", 1000))

		_, err := o.Internal(InternalArgs{SenderID: 1, ToUsername: "alice", AmountSat: 500})
		if !errors.Is(err, ErrSelfTransfer) {
			testutil.FatalMsgf(t, "expected ErrSelfTransfer, got %v", err)
		}
	})

	t.Run("insufficient balance rolls back", func(t *testing.T) {
		o, mock, _ := newTestOrchestrator(t)

		mock.ExpectQuery(`FROM accounts WHERE id=\$1`).
			WillReturnRows(accountRow(1, "alice", 100))
		mock.ExpectQuery(`FROM accounts WHERE username=\$1`).
			WillReturnRows(accountRow(2, "bob", 0))

		mock.ExpectBegin()
		// the balance guard makes the debit touch zero rows
		mock.ExpectQuery(`UPDATE accounts\s+SET balance = balance - \$1`).
			WillReturnRows(sqlmock.NewRows(testutil.AccountColumns))
		mock.ExpectRollback()

		_, err := o.Internal(args)
		if !errors.Is(err, accounts.ErrBalanceTooLow) {
			testutil.FatalMsgf(t, "expected ErrBalanceTooLow, got %v", err)
		}

		testutil.AssertEqual(t, nil, mock.ExpectationsWereMet())
	})

	t.Run("retries serialization conflicts", func(t *testing.T) {
		o, mock, _ := newTestOrchestrator(t)

		pqConflict := &pq.Error{Code: "40001"}
		for i := 0; i < conflictAttempts; i++ {
			mock.ExpectQuery(`FROM accounts WHERE id=\$1`).
				WillReturnRows(accountRow(1, "alice", 1000))
			mock.ExpectQuery(`FROM accounts WHERE username=\$1`).
				WillReturnRows(accountRow(2, "bob", 0))
			mock.ExpectBegin()
			mock.ExpectQuery(`UPDATE accounts\s+SET balance = balance - \$1`).
				WillReturnError(pqConflict)
			mock.ExpectRollback()
		}

		_, err := o.Internal(args)
		if err == nil {
			testutil.FatalMsg(t, "expected error after exhausted retries")
		}
		testutil.AssertMsg(t, isSerializationFailure(err),
			"final error should still be the serialization failure")

		// all attempts were made
		testutil.AssertEqual(t, nil, mock.ExpectationsWereMet())
	})
}

func TestIsSerializationFailure(t *testing.T) {
	t.Parallel()

	testutil.AssertMsg(t, isSerializationFailure(&pq.Error{Code: "40001"}),
		"serialization_failure should match")
	testutil.AssertMsg(t, isSerializationFailure(&pq.Error{Code: "40P01"}),
		"deadlock_detected should match")
	testutil.AssertMsg(t,
		isSerializationFailure(errors.Wrap(&pq.Error{Code: "40001"}, "wrapped")),
		"wrapped pq errors should match")
	testutil.AssertMsg(t, !isSerializationFailure(&pq.Error{Code: "23505"}),
		"unique_violation should not match")
	testutil.AssertMsg(t, !isSerializationFailure(errors.New("boring")),
		"plain errors should not match")
}

func TestWithdraw(t *testing.T) {
	t.Parallel()

	t.Run("rejects garbage payment requests", func(t *testing.T) {
		o, _, _ := newTestOrchestrator(t)

		if _, err := o.Withdraw(WithdrawArgs{
			AccountID:      1,
			PaymentRequest: "this is not an invoice",
		}); err == nil {
			testutil.FatalMsg(t, "expected decode error")
		}
	})

	t.Run("rejects expired payment requests before touching the DB", func(t *testing.T) {
		o, mock, lncli := newTestOrchestrator(t)

		_, err := o.Withdraw(WithdrawArgs{
			AccountID:      1,
			PaymentRequest: expiredPayReq,
		})
		if !errors.Is(err, ErrExpiredInvoice) {
			testutil.FatalMsgf(t, "expected ErrExpiredInvoice, got %v", err)
		}

		testutil.AssertEqual(t, 0, lncli.PayCalls)
		testutil.AssertEqual(t, nil, mock.ExpectationsWereMet())
	})

	t.Run("rejects routes it doesn't know", func(t *testing.T) {
		o, _, _ := newTestOrchestrator(t)

		_, err := o.Withdraw(WithdrawArgs{
			AccountID:      1,
			PaymentRequest: expiredPayReq,
			Route:          Route("paper"),
		})
		if !errors.Is(err, ErrUnknownRoute) {
			testutil.FatalMsgf(t, "expected ErrUnknownRoute, got %v", err)
		}
	})

	t.Run("linked route requires a linked wallet", func(t *testing.T) {
		o, _, lncli := newTestOrchestrator(t)

		_, err := o.Withdraw(WithdrawArgs{
			AccountID:      1,
			PaymentRequest: expiredPayReq,
			Route:          RouteLinked,
		})
		if !errors.Is(err, ErrNoLinkedWallet) {
			testutil.FatalMsgf(t, "expected ErrNoLinkedWallet, got %v", err)
		}
		testutil.AssertEqual(t, 0, lncli.PayCalls)
	})

	t.Run("linked route never debits the custodial node", func(t *testing.T) {
		o, mock, lncli := newTestOrchestrator(t)
		linked := &testutil.MockLightningClient{}
		o.UseLinkedWallet(linked)

		// the invoice is expired so the withdrawal stops there, but the
		// route validation has already passed and no DB call was scripted
		_, err := o.Withdraw(WithdrawArgs{
			AccountID:      1,
			PaymentRequest: expiredPayReq,
			Route:          RouteLinked,
		})
		if !errors.Is(err, ErrExpiredInvoice) {
			testutil.FatalMsgf(t, "expected ErrExpiredInvoice, got %v", err)
		}
		testutil.AssertEqual(t, 0, lncli.PayCalls)
		testutil.AssertEqual(t, 0, linked.PayCalls)
		testutil.AssertEqual(t, nil, mock.ExpectationsWereMet())
	})

	t.Run("settles a fixed amount invoice without forwarding an amount", func(t *testing.T) {
		o, mock, lncli := newTestOrchestrator(t)
		o.clock = fixedClock{now: bolt11Time}
		lncli.PayInvoiceResult = ln.PayResult{Preimage: testPreimage}

		mock.ExpectBegin()
		mock.ExpectQuery(`UPDATE accounts\s+SET balance = balance - \$1`).
			WithArgs(int64(250000), 1).
			WillReturnRows(accountRow(1, "alice", 750000))
		mock.ExpectQuery(`INSERT INTO transactions`).
			WillReturnRows(txRow(7, 1, "withdrawal", 250000, "pending"))
		mock.ExpectQuery(`UPDATE transactions\s+SET status = 'completed', preimage = \$2`).
			WithArgs(7, testPreimage, sqlmock.AnyArg()).
			WillReturnRows(txRow(7, 1, "withdrawal", 250000, "completed"))
		mock.ExpectCommit()

		row, err := o.Withdraw(WithdrawArgs{
			AccountID:      1,
			PaymentRequest: expiredPayReq,
		})
		if err != nil {
			testutil.FatalMsg(t, err)
		}
		testutil.AssertEqual(t, "completed", string(row.Status))

		// the invoice locks the amount in, so the node gets no explicit amt
		testutil.AssertEqual(t, 1, lncli.PayCalls)
		testutil.AssertEqual(t, int64(0), lncli.PayAmounts[0])

		testutil.AssertEqual(t, nil, mock.ExpectationsWereMet())
	})

	t.Run("forwards the amount for any amount invoices", func(t *testing.T) {
		o, mock, lncli := newTestOrchestrator(t)
		o.clock = fixedClock{now: bolt11Time}
		lncli.PayInvoiceResult = ln.PayResult{Preimage: testPreimage}

		mock.ExpectBegin()
		mock.ExpectQuery(`UPDATE accounts\s+SET balance = balance - \$1`).
			WithArgs(int64(500), 1).
			WillReturnRows(accountRow(1, "alice", 500))
		mock.ExpectQuery(`INSERT INTO transactions`).
			WillReturnRows(txRow(8, 1, "withdrawal", 500, "pending"))
		mock.ExpectQuery(`UPDATE transactions\s+SET status = 'completed', preimage = \$2`).
			WillReturnRows(txRow(8, 1, "withdrawal", 500, "completed"))
		mock.ExpectCommit()

		_, err := o.Withdraw(WithdrawArgs{
			AccountID:      1,
			PaymentRequest: anyAmountPayReq,
			AmountSat:      500,
		})
		if err != nil {
			testutil.FatalMsg(t, err)
		}
		testutil.AssertEqual(t, int64(500), lncli.PayAmounts[0])

		testutil.AssertEqual(t, nil, mock.ExpectationsWereMet())
	})

	t.Run("gateway failure rolls the debit back", func(t *testing.T) {
		o, mock, lncli := newTestOrchestrator(t)
		o.clock = fixedClock{now: bolt11Time}
		lncli.Err = errors.New("gateway down")

		mock.ExpectBegin()
		mock.ExpectQuery(`UPDATE accounts\s+SET balance = balance - \$1`).
			WillReturnRows(accountRow(1, "alice", 750000))
		mock.ExpectQuery(`INSERT INTO transactions`).
			WillReturnRows(txRow(7, 1, "withdrawal", 250000, "pending"))
		mock.ExpectRollback()

		_, err := o.Withdraw(WithdrawArgs{
			AccountID:      1,
			PaymentRequest: expiredPayReq,
		})
		if err == nil {
			testutil.FatalMsg(t, "expected error")
		}

		// the rollback in the script is the proof: no commit, no debit kept
		testutil.AssertEqual(t, nil, mock.ExpectationsWereMet())
	})

	t.Run("payment rejection rolls the debit back", func(t *testing.T) {
		o, mock, lncli := newTestOrchestrator(t)
		o.clock = fixedClock{now: bolt11Time}
		lncli.PayInvoiceResult = ln.PayResult{PaymentError: "no route"}

		mock.ExpectBegin()
		mock.ExpectQuery(`UPDATE accounts\s+SET balance = balance - \$1`).
			WillReturnRows(accountRow(1, "alice", 750000))
		mock.ExpectQuery(`INSERT INTO transactions`).
			WillReturnRows(txRow(7, 1, "withdrawal", 250000, "pending"))
		mock.ExpectRollback()

		_, err := o.Withdraw(WithdrawArgs{
			AccountID:      1,
			PaymentRequest: expiredPayReq,
		})
		if !errors.Is(err, ErrPaymentFailed) {
			testutil.FatalMsgf(t, "expected ErrPaymentFailed, got %v", err)
		}

		testutil.AssertEqual(t, nil, mock.ExpectationsWereMet())
	})
}

func TestNewDeposit(t *testing.T) {
	t.Parallel()

	const hash = "0001020304050607080900010203040506070809000102030405060708090102"

	t.Run("rejects negative amounts", func(t *testing.T) {
		o, _, _ := newTestOrchestrator(t)

		_, err := o.NewDeposit(DepositArgs{AccountID: 1, AmountSat: -1})
		if !errors.Is(err, ErrInvalidAmount) {
			testutil.FatalMsgf(t, "expected ErrInvalidAmount, got %v", err)
		}
	})

	t.Run("creates an invoice and a pending row", func(t *testing.T) {
		o, mock, lncli := newTestOrchestrator(t)
		lncli.AddInvoiceResult = ln.CreatedInvoice{
			PaymentRequest: "lnbc1...",
			PaymentHash:    hash,
		}

		mock.ExpectQuery(`FROM accounts WHERE id=\$1`).
			WithArgs(1).
			WillReturnRows(accountRow(1, "alice", 0))
		mock.ExpectQuery(`INSERT INTO transactions`).
			WillReturnRows(txRow(1, 1, "deposit", 500, "pending"))

		row, err := o.NewDeposit(DepositArgs{AccountID: 1, AmountSat: 500, Memo: "rent"})
		if err != nil {
			testutil.FatalMsg(t, err)
		}
		testutil.AssertEqual(t, 1, lncli.AddCalls)
		testutil.AssertEqual(t, 1, row.AccountID)

		testutil.AssertEqual(t, nil, mock.ExpectationsWereMet())
	})

	t.Run("unknown account means no node invoice", func(t *testing.T) {
		o, mock, lncli := newTestOrchestrator(t)

		mock.ExpectQuery(`FROM accounts WHERE id=\$1`).
			WillReturnRows(sqlmock.NewRows(testutil.AccountColumns))

		_, err := o.NewDeposit(DepositArgs{AccountID: 99, AmountSat: 500})
		if !errors.Is(err, accounts.ErrAccountNotFound) {
			testutil.FatalMsgf(t, "expected ErrAccountNotFound, got %v", err)
		}
		testutil.AssertEqual(t, 0, lncli.AddCalls)
	})
}

func TestSend(t *testing.T) {
	t.Parallel()

	t.Run("routes usernames to internal transfers", func(t *testing.T) {
		o, _, _ := newTestOrchestrator(t)

		// the amount check fires before any DB access, which proves the
		// recipient was classified as a username
		_, err := o.Send(1, "bob", 0, nil)
		if !errors.Is(err, ErrInvalidAmount) {
			testutil.FatalMsgf(t, "expected ErrInvalidAmount, got %v", err)
		}
	})

	t.Run("routes payment requests to withdrawals", func(t *testing.T) {
		o, _, _ := newTestOrchestrator(t)

		_, err := o.Send(1, expiredPayReq, 0, nil)
		if !errors.Is(err, ErrExpiredInvoice) {
			testutil.FatalMsgf(t, "expected ErrExpiredInvoice, got %v", err)
		}
	})
}
