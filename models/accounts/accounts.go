package accounts

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/satsbank/satsbank/build"
	"github.com/satsbank/satsbank/db"
)

var log = build.AddSubLogger("ACCT")

// Account is a database table. The balance column is only ever written
// through IncreaseBalance and DecreaseBalance, which the transfer package
// wraps. Nothing else may touch it.
type Account struct {
	ID int `db:"id"`

	// Username identifies the account towards other users, e.g. as a
	// transfer recipient
	Username string `db:"username"`
	// Email is where audit reports and receipts go, if set
	Email *string `db:"email"`
	// BalanceSat is the custodial balance in satoshis. Never negative,
	// enforced both here and by a DB constraint.
	BalanceSat int64 `db:"balance"`

	CreatedAt time.Time  `db:"created_at"`
	UpdatedAt time.Time  `db:"updated_at"`
	DeletedAt *time.Time `db:"deleted_at"`
}

// SQL related constants
const (
	// returningFromAccountsTable is a SQL snippet that returns all the rows
	// needed to scan an account struct
	returningFromAccountsTable = "RETURNING id, username, email, balance, created_at, updated_at, deleted_at"
	// selectFromAccountsTable is a SQL snippet that selects all the rows
	// needed to get a full fledged account struct
	selectFromAccountsTable = "SELECT id, username, email, balance, created_at, updated_at, deleted_at"

	uniqueUsernameConstraint = "accounts_username_key"
	uniqueEmailConstraint    = "accounts_email_key"
)

// Exported errors
var (
	ErrAccountNotFound = errors.New("account not found")
	// ErrBalanceTooLow means a debit would have taken the balance below
	// zero
	ErrBalanceTooLow = errors.New("account balance too low")
	// ErrNonPositiveAmount means a balance change of zero or negative
	// satoshis was requested
	ErrNonPositiveAmount = errors.New("amount must be greater than 0")

	ErrUsernameMustBeUnique = errors.New("account usernames must be unique")
	ErrEmailMustBeUnique    = errors.New("account emails must be unique")
	ErrUsernameMustBeSet    = errors.New("property Username on account must be set")
)

// GetAll reads all accounts from the database
func GetAll(d *db.DB) ([]Account, error) {
	var queryResult []Account
	err := d.Select(&queryResult,
		`SELECT * FROM accounts WHERE deleted_at IS NULL ORDER BY id`)
	if err != nil {
		return queryResult, err
	}

	return queryResult, nil
}

// GetByID selects all columns for the account where id=id
func GetByID(d db.Getter, id int) (Account, error) {
	accountResult := Account{}
	query := fmt.Sprintf(`%s FROM accounts WHERE id=$1 LIMIT 1`,
		selectFromAccountsTable)

	if err := d.Get(&accountResult, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, errors.Wrapf(err, "GetByID(db, %d)", id)
	}

	return accountResult, nil
}

// GetByUsername selects all columns for the account where username=username
func GetByUsername(d db.Getter, username string) (Account, error) {
	accountResult := Account{}
	query := fmt.Sprintf(`%s FROM accounts WHERE username=$1 AND deleted_at IS NULL LIMIT 1`,
		selectFromAccountsTable)

	if err := d.Get(&accountResult, query, username); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, err
	}

	return accountResult, nil
}

// CreateAccountArgs is the struct required to create a new account using
// the Create method
type CreateAccountArgs struct {
	Username string
	Email    *string
}

// Create inserts an account with the given username and email into the db
func Create(d db.Inserter, args CreateAccountArgs) (Account, error) {
	if args.Username == "" {
		return Account{}, ErrUsernameMustBeSet
	}
	// "ln" prefixed usernames would be indistinguishable from payment
	// requests when classifying transfer recipients
	if strings.HasPrefix(strings.ToLower(args.Username), "ln") {
		return Account{}, errors.New(`usernames cannot start with "ln"`)
	}

	accountCreateQuery := `INSERT INTO accounts (username, email)
		VALUES (:username, :email) ` + returningFromAccountsTable

	account := Account{
		Username: args.Username,
		Email:    args.Email,
	}

	rows, err := d.NamedQuery(accountCreateQuery, account)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok {
			switch pqErr.Constraint {
			case uniqueUsernameConstraint:
				err = ErrUsernameMustBeUnique
			case uniqueEmailConstraint:
				err = ErrEmailMustBeUnique
			}
		}
		return Account{}, fmt.Errorf("could not insert account: %w", err)
	}

	created, err := scanAccount(rows)
	if err != nil {
		return Account{}, fmt.Errorf("could not scan account: %w", err)
	}
	return created, nil
}

// ChangeBalance is the argument for IncreaseBalance and DecreaseBalance
type ChangeBalance struct {
	AccountID int
	AmountSat int64
}

// IncreaseBalance credits the account by the given amount of satoshis. Must
// run inside the same DB transaction as the ledger row recording the credit.
func IncreaseBalance(tx *sqlx.Tx, cb ChangeBalance) (Account, error) {
	if cb.AmountSat <= 0 {
		return Account{}, ErrNonPositiveAmount
	}

	query := `UPDATE accounts
		SET balance = balance + $1, updated_at = now()
		WHERE id = $2 ` + returningFromAccountsTable

	rows, err := tx.Queryx(query, cb.AmountSat, cb.AccountID)
	if err != nil {
		return Account{}, errors.Wrap(err, "could not increase balance")
	}

	account, err := scanAccount(rows)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, err
	}

	log.WithField("accountId", account.ID).
		WithField("amountSat", cb.AmountSat).
		Debug("Increased balance")

	return account, nil
}

// DecreaseBalance debits the account by the given amount of satoshis. The
// balance check and the debit are one atomic statement, so two concurrent
// debits cannot both pass the check against a stale read. Must run inside
// the same DB transaction as the ledger row recording the debit.
func DecreaseBalance(tx *sqlx.Tx, cb ChangeBalance) (Account, error) {
	if cb.AmountSat <= 0 {
		return Account{}, ErrNonPositiveAmount
	}

	query := `UPDATE accounts
		SET balance = balance - $1, updated_at = now()
		WHERE id = $2 AND balance >= $1 ` + returningFromAccountsTable

	rows, err := tx.Queryx(query, cb.AmountSat, cb.AccountID)
	if err != nil {
		return Account{}, errors.Wrap(err, "could not decrease balance")
	}

	account, err := scanAccount(rows)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// either the account doesn't exist or the guard failed;
			// distinguishing the two costs another query, and callers
			// have already resolved the account
			return Account{}, ErrBalanceTooLow
		}
		return Account{}, err
	}

	log.WithField("accountId", account.ID).
		WithField("amountSat", cb.AmountSat).
		Debug("Decreased balance")

	return account, nil
}

// TotalBalance sums the stored balance over all accounts
func TotalBalance(d db.Getter) (int64, error) {
	var result struct {
		Total int64 `db:"total"`
	}
	err := d.Get(&result,
		`SELECT COALESCE(SUM(balance), 0) AS total FROM accounts WHERE deleted_at IS NULL`)
	if err != nil {
		return 0, errors.Wrap(err, "could not sum account balances")
	}
	return result.Total, nil
}

func (a Account) String() string {
	fragments := []string{
		fmt.Sprintf("ID: %d", a.ID),
		fmt.Sprintf("Username: %s", a.Username),
		fmt.Sprintf("BalanceSat: %d", a.BalanceSat),
		fmt.Sprintf("CreatedAt: %s", a.CreatedAt),
	}

	if a.Email != nil {
		fragments = append(fragments, fmt.Sprintf("Email: %s", *a.Email))
	} else {
		fragments = append(fragments, "Email: <nil>")
	}

	return strings.Join(fragments, ", ")
}

type dbScanner interface {
	Next() bool
	Scan(dest ...interface{}) error
	Close() error
	Err() error
}

// scanAccount tries to scan an Account struct from the given scannable
// interface
func scanAccount(rows dbScanner) (Account, error) {
	defer db.CloseRows(rows)
	account := Account{}

	if err := rows.Err(); err != nil {
		return account, err
	}

	if rows.Next() {
		if err := rows.Scan(
			&account.ID,
			&account.Username,
			&account.Email,
			&account.BalanceSat,
			&account.CreatedAt,
			&account.UpdatedAt,
			&account.DeletedAt,
		); err != nil {
			return account, errors.Wrap(
				err, "could not scan account returned from DB")
		}
	} else {
		return account, sql.ErrNoRows
	}

	return account, nil
}
