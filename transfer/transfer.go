// Package transfer moves money: between accounts, out over Lightning, and
// in via new invoices. Every operation here either fully happens or leaves
// no trace; the DB transaction is the unit of atomicity, and the custodial
// balance is only touched through the guarded mutations in the accounts
// package.
package transfer

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/satsbank/satsbank/async"
	"github.com/satsbank/satsbank/build"
	"github.com/satsbank/satsbank/db"
	"github.com/satsbank/satsbank/invoice"
	"github.com/satsbank/satsbank/ln"
	"github.com/satsbank/satsbank/models/accounts"
	"github.com/satsbank/satsbank/models/ledger"
	"github.com/satsbank/satsbank/payments"
)

var log = build.AddSubLogger("TRNS")

// Exported errors
var (
	// ErrInvalidAmount means the requested amount was zero, negative, or
	// missing where one was required
	ErrInvalidAmount = errors.New("invalid transfer amount")
	// ErrRecipientNotFound means the named recipient doesn't exist
	ErrRecipientNotFound = errors.New("recipient not found")
	// ErrSelfTransfer means sender and recipient are the same account
	ErrSelfTransfer = errors.New("cannot transfer to yourself")
	// ErrAmountMismatch means the requested amount contradicts the amount
	// locked into the payment request
	ErrAmountMismatch = errors.New("amount does not match payment request")
	// ErrExpiredInvoice means the payment request can no longer be paid
	ErrExpiredInvoice = errors.New("payment request has expired")
	// ErrPaymentFailed means the node tried to pay and could not find a
	// route or was rejected. The sender was not debited.
	ErrPaymentFailed = errors.New("payment failed")
	// ErrUnknownRoute means the withdrawal route wasn't recognized
	ErrUnknownRoute = errors.New("unknown withdrawal route")
	// ErrNoLinkedWallet means a linked wallet route was requested but no
	// linked wallet gateway is configured
	ErrNoLinkedWallet = errors.New("no linked wallet configured")
)

// Route selects which wallet an outbound Lightning payment draws from
type Route string

const (
	// RouteCustodial pays out of the account's stored balance. This is the
	// default when no route is given.
	RouteCustodial Route = "custodial"
	// RouteLinked forwards the payment request to the user's own linked
	// wallet. The custodial balance and ledger are never touched.
	RouteLinked Route = "linked"
)

// serialization conflict retry bounds
const (
	conflictAttempts = 3
	conflictSleep    = 50 * time.Millisecond
)

// isSerializationFailure matches the Postgres error concurrent transfers
// produce when their row lock ordering collides
func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	// 40001 serialization_failure, 40P01 deadlock_detected
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}

// Orchestrator executes transfers. It owns no state beyond its handles.
type Orchestrator struct {
	database *db.DB
	lncli    ln.Client
	network  *chaincfg.Params
	clock    payments.Clock

	// linked pays invoices through the user-linked wallet gateway, nil
	// when no linked wallet is configured
	linked ln.InvoicePayer
}

// NewOrchestrator wires a transfer orchestrator
func NewOrchestrator(database *db.DB, lncli ln.Client,
	network *chaincfg.Params) *Orchestrator {
	return &Orchestrator{
		database: database,
		lncli:    lncli,
		network:  network,
		clock:    payments.SystemClock(),
	}
}

// UseLinkedWallet enables the linked wallet withdrawal route, paying through
// the given gateway instead of the custodial node
func (o *Orchestrator) UseLinkedWallet(payer ln.InvoicePayer) {
	o.linked = payer
}

// InternalArgs describes an account-to-account transfer
type InternalArgs struct {
	SenderID int
	// ToUsername names the recipient
	ToUsername string
	AmountSat  int64
	Memo       *string
}

// InternalResult is both halves of a completed internal transfer
type InternalResult struct {
	Sender    ledger.Transaction
	Recipient ledger.Transaction
}

// Internal moves satoshis from one account to another without touching the
// Lightning Network. The debit, the credit and both ledger rows commit
// atomically; the debit's balance guard is what prevents overdrafts under
// concurrency. Serialization conflicts are retried a bounded number of
// times.
func (o *Orchestrator) Internal(args InternalArgs) (InternalResult, error) {
	if args.AmountSat <= 0 {
		return InternalResult{}, ErrInvalidAmount
	}

	var result InternalResult
	err := async.RetryIf(conflictAttempts, conflictSleep, isSerializationFailure,
		func() error {
			var err error
			result, err = o.internalOnce(args)
			return err
		})
	return result, err
}

func (o *Orchestrator) internalOnce(args InternalArgs) (InternalResult, error) {
	sender, err := accounts.GetByID(o.database, args.SenderID)
	if err != nil {
		return InternalResult{}, err
	}

	recipient, err := accounts.GetByUsername(o.database, args.ToUsername)
	if err != nil {
		if errors.Is(err, accounts.ErrAccountNotFound) {
			return InternalResult{}, ErrRecipientNotFound
		}
		return InternalResult{}, err
	}
	if recipient.ID == sender.ID {
		return InternalResult{}, ErrSelfTransfer
	}

	tx := o.database.MustBegin()

	if _, err := accounts.DecreaseBalance(tx, accounts.ChangeBalance{
		AccountID: sender.ID,
		AmountSat: args.AmountSat,
	}); err != nil {
		_ = tx.Rollback()
		return InternalResult{}, err
	}

	if _, err := accounts.IncreaseBalance(tx, accounts.ChangeBalance{
		AccountID: recipient.ID,
		AmountSat: args.AmountSat,
	}); err != nil {
		_ = tx.Rollback()
		return InternalResult{}, err
	}

	now := time.Now()
	senderRow, err := ledger.Insert(tx, ledger.Transaction{
		AccountID:    sender.ID,
		Type:         ledger.Withdrawal,
		AmountSat:    args.AmountSat,
		Status:       ledger.Completed,
		Memo:         args.Memo,
		Counterparty: &recipient.Username,
		SettledAt:    &now,
	})
	if err != nil {
		_ = tx.Rollback()
		return InternalResult{}, err
	}

	recipientRow, err := ledger.Insert(tx, ledger.Transaction{
		AccountID:    recipient.ID,
		Type:         ledger.Internal,
		AmountSat:    args.AmountSat,
		Status:       ledger.Completed,
		Memo:         args.Memo,
		Counterparty: &sender.Username,
		SettledAt:    &now,
	})
	if err != nil {
		_ = tx.Rollback()
		return InternalResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return InternalResult{}, errors.Wrap(err, "could not commit internal transfer")
	}

	log.WithField("from", sender.Username).
		WithField("to", recipient.Username).
		WithField("amountSat", args.AmountSat).
		Info("Completed internal transfer")

	return InternalResult{Sender: senderRow, Recipient: recipientRow}, nil
}

// WithdrawArgs describes an outbound Lightning payment
type WithdrawArgs struct {
	AccountID int
	// PaymentRequest is the BOLT11 invoice to pay
	PaymentRequest string
	// AmountSat must be set when the payment request doesn't lock an
	// amount, and must match it (or be zero) when it does
	AmountSat int64
	Memo      *string
	// Route picks the wallet that pays. Empty means RouteCustodial.
	Route Route
}

// Withdraw pays a Lightning invoice. On the custodial route the debit and
// the ledger row commit only if the node reports the payment as settled; a
// routing failure or gateway rejection rolls both back, leaving the balance
// untouched. On the linked route the payment is forwarded to the user's own
// wallet and the custodial ledger is never involved.
func (o *Orchestrator) Withdraw(args WithdrawArgs) (ledger.Transaction, error) {
	decoded, err := invoice.Decode(args.PaymentRequest, o.network)
	if err != nil {
		return ledger.Transaction{}, err
	}

	switch args.Route {
	case "", RouteCustodial, RouteLinked:
	default:
		return ledger.Transaction{}, errors.Wrapf(ErrUnknownRoute, "%q", args.Route)
	}
	if args.Route == RouteLinked && o.linked == nil {
		return ledger.Transaction{}, ErrNoLinkedWallet
	}

	if decoded.IsExpired(o.clock.Now()) {
		return ledger.Transaction{}, ErrExpiredInvoice
	}

	// nodeAmount is what goes to the node: lnd rejects an explicit amt for
	// invoices that already lock one in
	amountSat := args.AmountSat
	nodeAmount := args.AmountSat
	if fixed, ok := decoded.FixedSats(); ok {
		if amountSat != 0 && amountSat != fixed {
			return ledger.Transaction{}, ErrAmountMismatch
		}
		amountSat = fixed
		nodeAmount = 0
	}
	if amountSat <= 0 {
		return ledger.Transaction{}, ErrInvalidAmount
	}

	memo := args.Memo
	if memo == nil {
		memo = decoded.Description
	}

	if args.Route == RouteLinked {
		return o.withdrawLinked(args, decoded.PaymentHash, amountSat, nodeAmount, memo)
	}

	tx := o.database.MustBegin()

	if _, err := accounts.DecreaseBalance(tx, accounts.ChangeBalance{
		AccountID: args.AccountID,
		AmountSat: amountSat,
	}); err != nil {
		_ = tx.Rollback()
		return ledger.Transaction{}, err
	}

	row, err := ledger.Insert(tx, ledger.Transaction{
		AccountID:      args.AccountID,
		Type:           ledger.Withdrawal,
		AmountSat:      amountSat,
		Status:         ledger.Pending,
		PaymentHash:    &decoded.PaymentHash,
		PaymentRequest: &args.PaymentRequest,
		Memo:           memo,
	})
	if err != nil {
		_ = tx.Rollback()
		return ledger.Transaction{}, err
	}

	// the node call happens inside the DB transaction on purpose: if the
	// payment fails we roll the debit back, and if it succeeds we can
	// still mark the row completed before anyone else sees it
	paid, err := o.lncli.PayInvoice(args.PaymentRequest, nodeAmount)
	if err != nil {
		_ = tx.Rollback()
		return ledger.Transaction{}, errors.Wrap(err, "could not reach gateway, withdrawal rolled back")
	}
	if paid.PaymentError != "" {
		_ = tx.Rollback()
		log.WithField("hash", decoded.PaymentHash).
			WithField("paymentError", paid.PaymentError).
			Info("Withdrawal rejected by node")
		return ledger.Transaction{}, errors.Wrap(ErrPaymentFailed, paid.PaymentError)
	}

	settled, err := ledger.SettleOutbound(tx, row.ID, paid.Preimage, o.clock.Now())
	if err != nil {
		_ = tx.Rollback()
		return ledger.Transaction{}, err
	}

	if err := tx.Commit(); err != nil {
		return ledger.Transaction{}, errors.Wrap(err, "could not commit withdrawal")
	}

	log.WithField("accountId", args.AccountID).
		WithField("hash", decoded.PaymentHash).
		WithField("amountSat", amountSat).
		Info("Completed withdrawal")

	return settled, nil
}

// withdrawLinked pays through the user's linked wallet. That wallet carries
// its own balance, so nothing is debited and no ledger row is written; the
// returned transaction is a snapshot of the payment with no ID.
func (o *Orchestrator) withdrawLinked(args WithdrawArgs, paymentHash string,
	amountSat int64, nodeAmount int64, memo *string) (ledger.Transaction, error) {
	paid, err := o.linked.PayInvoice(args.PaymentRequest, nodeAmount)
	if err != nil {
		return ledger.Transaction{}, errors.Wrap(err, "could not reach linked wallet")
	}
	if paid.PaymentError != "" {
		log.WithField("hash", paymentHash).
			WithField("paymentError", paid.PaymentError).
			Info("Linked wallet withdrawal rejected")
		return ledger.Transaction{}, errors.Wrap(ErrPaymentFailed, paid.PaymentError)
	}

	log.WithField("accountId", args.AccountID).
		WithField("hash", paymentHash).
		WithField("amountSat", amountSat).
		Info("Completed linked wallet withdrawal")

	settledAt := o.clock.Now()
	snapshot := ledger.Transaction{
		AccountID:      args.AccountID,
		Type:           ledger.Withdrawal,
		AmountSat:      amountSat,
		Status:         ledger.Completed,
		PaymentHash:    &paymentHash,
		PaymentRequest: &args.PaymentRequest,
		Memo:           memo,
		SettledAt:      &settledAt,
	}
	if paid.Preimage != "" {
		snapshot.Preimage = &paid.Preimage
	}
	return snapshot, nil
}

// DepositArgs describes a new inbound invoice
type DepositArgs struct {
	AccountID int
	// AmountSat of 0 creates an any-amount invoice
	AmountSat int64
	Memo      string
}

// NewDeposit creates an invoice on the node and records a pending deposit
// row for it. The account is only credited once the settlement poller or an
// on-demand observation sees the invoice settle.
func (o *Orchestrator) NewDeposit(args DepositArgs) (ledger.Transaction, error) {
	if args.AmountSat < 0 {
		return ledger.Transaction{}, ErrInvalidAmount
	}
	if _, err := accounts.GetByID(o.database, args.AccountID); err != nil {
		return ledger.Transaction{}, err
	}

	created, err := o.lncli.AddInvoice(args.AmountSat, args.Memo)
	if err != nil {
		return ledger.Transaction{}, err
	}

	memo := &args.Memo
	if args.Memo == "" {
		memo = nil
	}

	amountSat := args.AmountSat
	if amountSat == 0 {
		// any-amount invoices get their real amount at settlement; the
		// row needs a positive placeholder until then
		amountSat = 1
	}

	row, err := ledger.Insert(o.database, ledger.Transaction{
		AccountID:      args.AccountID,
		Type:           ledger.Deposit,
		AmountSat:      amountSat,
		Status:         ledger.Pending,
		PaymentHash:    &created.PaymentHash,
		PaymentRequest: &created.PaymentRequest,
		Memo:           memo,
	})
	if err != nil {
		return ledger.Transaction{}, err
	}

	log.WithField("accountId", args.AccountID).
		WithField("hash", created.PaymentHash).
		Info("Created deposit invoice")

	return row, nil
}

// Send resolves a recipient string (payment request or username) and routes
// to the matching operation
func (o *Orchestrator) Send(senderID int, to string, amountSat int64,
	memo *string) (ledger.Transaction, error) {

	switch recipient := invoice.ClassifyRecipient(to).(type) {
	case invoice.PayReqRecipient:
		return o.Withdraw(WithdrawArgs{
			AccountID:      senderID,
			PaymentRequest: recipient.PayReq,
			AmountSat:      amountSat,
			Memo:           memo,
		})
	case invoice.UsernameRecipient:
		result, err := o.Internal(InternalArgs{
			SenderID:   senderID,
			ToUsername: recipient.Username,
			AmountSat:  amountSat,
			Memo:       memo,
		})
		if err != nil {
			return ledger.Transaction{}, err
		}
		return result.Sender, nil
	default:
		return ledger.Transaction{}, errors.New("unhandled recipient type")
	}
}
