// Package payments tracks inbound Lightning payments from invoice creation
// to settlement. The node is the source of truth for whether an invoice was
// paid; this package translates the node's view into ledger state, exactly
// once per payment.
package payments

import (
	"time"

	"github.com/pkg/errors"

	"github.com/satsbank/satsbank/build"
	"github.com/satsbank/satsbank/db"
	"github.com/satsbank/satsbank/ln"
	"github.com/satsbank/satsbank/models/accounts"
	"github.com/satsbank/satsbank/models/ledger"
)

var log = build.AddSubLogger("PAYM")

// State is where a payment is in its lifecycle
type State string

const (
	// Open means the invoice exists and nobody has paid it yet
	Open State = "OPEN"
	// Accepted means the node holds an HTLC for the invoice but has not
	// settled it
	Accepted State = "ACCEPTED"
	// Settled means the payment went through and the preimage is known
	Settled State = "SETTLED"
	// Canceled means the node gave up on the invoice
	Canceled State = "CANCELED"
	// Expired means the invoice's expiry passed without settlement. The
	// node reports expired invoices as open or canceled depending on
	// version, so we derive this state ourselves.
	Expired State = "EXPIRED"
)

// ErrUnknownState means the gateway reported an invoice state we don't
// recognize
var ErrUnknownState = errors.New("unknown invoice state")

// FromLookup maps the node's view of an invoice to a payment state. Expiry
// wins over Open and Accepted: an invoice past its expiry can no longer be
// settled even if the node still lists it as open.
func FromLookup(status ln.InvoiceStatus, now time.Time) (State, error) {
	if status.Settled {
		return Settled, nil
	}

	var state State
	switch status.State {
	case "OPEN":
		state = Open
	case "ACCEPTED":
		state = Accepted
	case "SETTLED":
		// settlement is terminal no matter what the expiry says
		return Settled, nil
	case "CANCELED":
		return Canceled, nil
	default:
		return "", errors.Wrapf(ErrUnknownState, "%q", status.State)
	}

	if !status.ExpiresAt.IsZero() && status.ExpiresAt.Before(now) {
		return Expired, nil
	}
	return state, nil
}

// IsFinal reports whether a payment in this state can still change
func (s State) IsFinal() bool {
	return s == Settled || s == Canceled || s == Expired
}

// Clock lets tests control time. The system clock is used everywhere
// outside tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now
func SystemClock() Clock { return systemClock{} }

// Observation is the result of reconciling one payment hash against the node
type Observation struct {
	Hash  string
	State State
	// Applied is true if this observation was the one that credited the
	// recipient
	Applied bool
}

// ApplySettlement credits the recipient of a settled invoice. The ledger row
// transition and the balance credit run in one DB transaction, and the
// conditional update on the ledger row makes the whole thing idempotent:
// calling this twice for the same hash credits exactly once.
func ApplySettlement(d *db.DB, hash string, status ln.InvoiceStatus,
	settledAt time.Time) (Observation, error) {

	obs := Observation{Hash: hash, State: Settled}

	tx := d.MustBegin()
	settled, applied, err := ledger.SettleInvoice(
		tx, hash, status.AmountPaidSat, status.Preimage, settledAt)
	if err != nil {
		_ = tx.Rollback()
		return Observation{}, errors.Wrap(err, "could not settle ledger row")
	}

	if !applied {
		_ = tx.Rollback()
		return obs, nil
	}

	if _, err := accounts.IncreaseBalance(tx, accounts.ChangeBalance{
		AccountID: settled.AccountID,
		AmountSat: settled.AmountSat,
	}); err != nil {
		_ = tx.Rollback()
		return Observation{}, errors.Wrap(err, "could not credit recipient")
	}

	if err := tx.Commit(); err != nil {
		return Observation{}, errors.Wrap(err, "could not commit settlement")
	}

	log.WithField("hash", hash).
		WithField("accountId", settled.AccountID).
		WithField("amountSat", settled.AmountSat).
		Info("Applied settlement")

	obs.Applied = true
	return obs, nil
}

// Observe reconciles one payment hash against the node: it looks the invoice
// up, derives the payment state, and applies the settlement or failure to
// the ledger if there is anything to apply
func Observe(d *db.DB, lncli ln.InvoiceLookuper, hash string,
	clock Clock) (Observation, error) {

	status, err := lncli.LookupInvoice(hash)
	if err != nil {
		return Observation{}, errors.Wrapf(err, "could not look up invoice %s", hash)
	}

	now := clock.Now()
	state, err := FromLookup(status, now)
	if err != nil {
		return Observation{}, err
	}

	switch state {
	case Settled:
		return ApplySettlement(d, hash, status, now)

	case Canceled, Expired:
		tx := d.MustBegin()
		if _, err := ledger.MarkFailed(tx, hash); err != nil {
			_ = tx.Rollback()
			if errors.Is(err, ledger.ErrTransactionNotFound) {
				// already failed or settled, nothing to do
				return Observation{Hash: hash, State: state}, nil
			}
			return Observation{}, err
		}
		if err := tx.Commit(); err != nil {
			return Observation{}, err
		}
		log.WithField("hash", hash).WithField("state", state).
			Info("Marked payment as failed")
		return Observation{Hash: hash, State: state}, nil

	default:
		return Observation{Hash: hash, State: state}, nil
	}
}
