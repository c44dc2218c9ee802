// Package ledger owns the append-only transaction log. Rows are immutable
// once completed; the only permitted transitions are pending to completed
// and pending to failed. The unique payment_hash column is what makes settlement
// idempotent: two observers racing to apply the same settlement serialize on
// a single conditional UPDATE, and the loser sees zero rows.
package ledger

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/satsbank/satsbank/build"
	"github.com/satsbank/satsbank/db"
)

var log = build.AddSubLogger("LDGR")

// TxType says which direction a transaction moves money, as seen from the
// owning account
type TxType string

const (
	// Deposit credits the account from outside (a settled inbound invoice)
	Deposit TxType = "deposit"
	// Withdrawal debits the account, either towards Lightning or as the
	// sending half of an internal transfer
	Withdrawal TxType = "withdrawal"
	// Internal credits the account as the receiving half of an internal
	// transfer
	Internal TxType = "internal"
)

// Status is the lifecycle state of a transaction row
type Status string

const (
	Pending   Status = "pending"
	Completed Status = "completed"
	Failed    Status = "failed"
)

// Exported errors
var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrNonPositiveAmount   = errors.New("transaction amount must be greater than 0")
)

// Transaction is a database table
type Transaction struct {
	ID        int    `db:"id"`
	AccountID int    `db:"account_id"`
	Type      TxType `db:"type"`
	// AmountSat is positive; Type carries the sign
	AmountSat int64  `db:"amount"`
	Status    Status `db:"status"`

	// PaymentHash is set for Lightning backed rows, canonical hex. The DB
	// enforces uniqueness.
	PaymentHash    *string `db:"payment_hash"`
	PaymentRequest *string `db:"payment_request"`
	// Preimage is only set once the payment is settled
	Preimage *string `db:"preimage"`
	Memo     *string `db:"memo"`
	// Counterparty is the username on the other side of an internal
	// transfer
	Counterparty *string `db:"counterparty"`

	CreatedAt time.Time  `db:"created_at"`
	SettledAt *time.Time `db:"settled_at"`
}

const txReturningSQL = ` RETURNING id, account_id, type, amount, status,
	payment_hash, payment_request, preimage, memo, counterparty,
	created_at, settled_at`

// Insert persists the given transaction, returning it as stored in the DB
func Insert(d db.Inserter, t Transaction) (Transaction, error) {
	if t.AmountSat <= 0 {
		return Transaction{}, ErrNonPositiveAmount
	}
	if t.Memo != nil && *t.Memo == "" {
		t.Memo = nil
	}

	createTransactionQuery := `
	INSERT INTO transactions (account_id, type, amount, status, payment_hash,
	                          payment_request, preimage, memo, counterparty, settled_at)
	VALUES (:account_id, :type, :amount, :status, :payment_hash,
	        :payment_request, :preimage, :memo, :counterparty, :settled_at)` +
		txReturningSQL

	rows, err := d.NamedQuery(createTransactionQuery, t)
	if err != nil {
		return Transaction{}, fmt.Errorf("could not insert transaction: %w", err)
	}
	defer db.CloseRows(rows)

	var transaction Transaction
	if rows.Next() {
		if err = rows.StructScan(&transaction); err != nil {
			log.WithError(err).Error("could not scan result into transaction struct")
			return Transaction{}, fmt.Errorf("could not insert transaction: %w", err)
		}
	}

	return transaction, nil
}

// GetByID selects the transaction with the given ID belonging to the given
// account
func GetByID(d db.Getter, id int, accountID int) (Transaction, error) {
	if id < 0 || accountID < 0 {
		return Transaction{}, fmt.Errorf("GetByID(): neither id nor accountID can be less than 0")
	}

	query := `SELECT * FROM transactions WHERE id=$1 AND account_id=$2 LIMIT 1`

	var transaction Transaction
	if err := d.Get(&transaction, query, id, accountID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Transaction{}, ErrTransactionNotFound
		}
		return transaction, errors.Wrap(err, "could not get transaction")
	}

	return transaction, nil
}

// GetByPaymentHash selects the transaction tied to the given canonical hex
// payment hash
func GetByPaymentHash(d db.Getter, paymentHash string) (Transaction, error) {
	query := `SELECT * FROM transactions WHERE payment_hash=$1 LIMIT 1`

	var transaction Transaction
	if err := d.Get(&transaction, query, paymentHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Transaction{}, ErrTransactionNotFound
		}
		return transaction, errors.Wrap(err, "could not get transaction by payment hash")
	}

	return transaction, nil
}

// GetAllForAccount selects all transactions for the given account, newest
// first. Limit 0 means no limit.
func GetAllForAccount(d *db.DB, accountID int, limit int, offset int) (
	[]Transaction, error) {
	// Using OFFSET is not ideal, but until we start seeing
	// performance problems it's fine
	query := `SELECT *
		FROM transactions
		WHERE account_id=$1
		ORDER BY created_at DESC
		LIMIT $2
		OFFSET $3`

	var lim interface{}
	if limit > 0 {
		lim = limit
	}

	transactions := []Transaction{}
	err := d.Select(&transactions, query, accountID, lim, offset)
	if err != nil {
		log.WithError(err).Error("Could not get transactions")
		return transactions, err
	}

	return transactions, nil
}

// SettleInvoice performs the single pending to completed transition for the
// row tied to the given payment hash. The first observer gets the updated
// row and applied=true; every later observer gets the already settled row
// and applied=false, and must not credit again. A hash we have no row for
// is an error: money arrived for an invoice we never issued.
func SettleInvoice(tx *sqlx.Tx, paymentHash string, amountPaidSat int64,
	preimage string, settledAt time.Time) (Transaction, bool, error) {

	if amountPaidSat <= 0 {
		return Transaction{}, false, ErrNonPositiveAmount
	}

	query := `UPDATE transactions
		SET status = 'completed', amount = $2, preimage = $3, settled_at = $4
		WHERE payment_hash = $1 AND status = 'pending'` + txReturningSQL

	rows, err := tx.Queryx(query, paymentHash, amountPaidSat, preimage, settledAt)
	if err != nil {
		return Transaction{}, false, errors.Wrap(err, "could not settle invoice")
	}

	var settled Transaction
	found := false
	if rows.Next() {
		if err := rows.StructScan(&settled); err != nil {
			_ = rows.Close()
			return Transaction{}, false, errors.Wrap(err, "could not scan settled transaction")
		}
		found = true
	}
	if err := rows.Close(); err != nil {
		return Transaction{}, false, err
	}

	if found {
		return settled, true, nil
	}

	// no pending row: either already applied, or the hash is unknown
	existing, err := GetByPaymentHash(tx, paymentHash)
	if err != nil {
		return Transaction{}, false, err
	}

	log.WithField("hash", paymentHash).
		WithField("status", existing.Status).
		Debug("Settlement already applied, skipping")

	return existing, false, nil
}

// SettleOutbound completes a pending withdrawal row by ID, recording the
// preimage the node returned as proof of payment
func SettleOutbound(tx *sqlx.Tx, id int, preimage string,
	settledAt time.Time) (Transaction, error) {

	query := `UPDATE transactions
		SET status = 'completed', preimage = $2, settled_at = $3
		WHERE id = $1 AND status = 'pending'` + txReturningSQL

	rows, err := tx.Queryx(query, id, preimage, settledAt)
	if err != nil {
		return Transaction{}, errors.Wrap(err, "could not settle outbound transaction")
	}
	defer db.CloseRows(rows)

	var settled Transaction
	if !rows.Next() {
		return Transaction{}, ErrTransactionNotFound
	}
	if err := rows.StructScan(&settled); err != nil {
		return Transaction{}, err
	}

	return settled, nil
}

// MarkFailed performs the pending to failed transition for the row tied to
// the given payment hash
func MarkFailed(tx *sqlx.Tx, paymentHash string) (Transaction, error) {
	query := `UPDATE transactions
		SET status = 'failed'
		WHERE payment_hash = $1 AND status = 'pending'` + txReturningSQL

	rows, err := tx.Queryx(query, paymentHash)
	if err != nil {
		return Transaction{}, errors.Wrap(err, "could not mark transaction as failed")
	}
	defer db.CloseRows(rows)

	var failed Transaction
	if !rows.Next() {
		return Transaction{}, ErrTransactionNotFound
	}
	if err := rows.StructScan(&failed); err != nil {
		return Transaction{}, err
	}

	return failed, nil
}

// ComputeBalance recomputes the account's balance from its completed
// transaction history: deposits and internal credits count positive,
// withdrawals negative. This is the authoritative value the stored balance
// is audited against.
func ComputeBalance(d db.Getter, accountID int) (int64, error) {
	var result struct {
		Balance int64 `db:"balance"`
	}

	query := `SELECT COALESCE(SUM(
			CASE WHEN type = 'withdrawal' THEN -amount ELSE amount END
		), 0) AS balance
		FROM transactions
		WHERE account_id = $1 AND status = 'completed'`

	if err := d.Get(&result, query, accountID); err != nil {
		return 0, errors.Wrapf(err, "could not compute balance for account %d", accountID)
	}

	return result.Balance, nil
}

// OpenInboundHashes lists the payment hashes of deposit rows still waiting
// for settlement. The settlement poller sweeps these.
func OpenInboundHashes(d *db.DB) ([]string, error) {
	var hashes []string
	query := `SELECT payment_hash FROM transactions
		WHERE type = 'deposit' AND status = 'pending' AND payment_hash IS NOT NULL
		ORDER BY created_at`

	if err := d.Select(&hashes, query); err != nil {
		return nil, errors.Wrap(err, "could not list open inbound hashes")
	}
	return hashes, nil
}

// TypeActivity aggregates completed transactions of one type over a window
type TypeActivity struct {
	Type      TxType `db:"type"`
	Count     int    `db:"count"`
	AmountSat int64  `db:"amount"`
}

// Activity is a point-in-time aggregate over a reporting window
type Activity struct {
	Since          time.Time
	ByType         []TypeActivity
	ActiveAccounts int
}

// ActivitySince aggregates completed transaction counts and amounts by type,
// plus distinct active accounts, since the given time. Purely informational,
// used by the audit report.
func ActivitySince(d *db.DB, since time.Time) (Activity, error) {
	activity := Activity{Since: since}

	byTypeQuery := `SELECT type, COUNT(*) AS count, COALESCE(SUM(amount), 0) AS amount
		FROM transactions
		WHERE status = 'completed' AND created_at >= $1
		GROUP BY type
		ORDER BY type`

	if err := d.Select(&activity.ByType, byTypeQuery, since); err != nil {
		return Activity{}, errors.Wrap(err, "could not aggregate activity by type")
	}

	activeQuery := `SELECT COUNT(DISTINCT account_id) FROM transactions
		WHERE status = 'completed' AND created_at >= $1`

	if err := d.Get(&activity.ActiveAccounts, activeQuery, since); err != nil {
		return Activity{}, errors.Wrap(err, "could not count active accounts")
	}

	return activity, nil
}

func (t Transaction) String() string {
	fragments := []string{
		fmt.Sprintf("Transaction: {ID: %d", t.ID),
		fmt.Sprintf("AccountID: %d", t.AccountID),
		fmt.Sprintf("Type: %s", t.Type),
		fmt.Sprintf("AmountSat: %d", t.AmountSat),
		fmt.Sprintf("Status: %s", t.Status),
	}

	if t.PaymentHash != nil {
		fragments = append(fragments, fmt.Sprintf("PaymentHash: %s", *t.PaymentHash))
	}
	if t.Memo != nil {
		fragments = append(fragments, fmt.Sprintf("Memo: %s", *t.Memo))
	}
	if t.Counterparty != nil {
		fragments = append(fragments, fmt.Sprintf("Counterparty: %s", *t.Counterparty))
	}
	if t.SettledAt != nil {
		fragments = append(fragments, fmt.Sprintf("SettledAt: %s", *t.SettledAt))
	}
	fragments = append(fragments, fmt.Sprintf("CreatedAt: %s }", t.CreatedAt))

	return strings.Join(fragments, ", ")
}
