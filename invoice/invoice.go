// Package invoice decodes BOLT11 payment requests into the fields the rest
// of the application cares about. Everything in here is pure: no network
// calls, no DB access.
package invoice

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/pkg/errors"
)

// ErrMalformedInvoice means the given string was not a well formed payment
// request for the configured network
var ErrMalformedInvoice = errors.New("malformed payment request")

// Amount is the amount encoded into an invoice. An invoice either locks the
// payer to a fixed amount, or lets the payer choose one. Callers should
// switch on the concrete type.
type Amount interface {
	amount()
}

// FixedAmount is an invoice amount the payer cannot change
type FixedAmount struct {
	Sats int64
}

// AnyAmount means the invoice doesn't specify an amount, and the payer
// chooses one
type AnyAmount struct{}

func (FixedAmount) amount() {}
func (AnyAmount) amount()   {}

// Invoice is a decoded payment request
type Invoice struct {
	// Raw is the payment request string the invoice was decoded from
	Raw string
	// PaymentHash is the canonical (lowercase hex) encoding of the payment
	// hash
	PaymentHash string
	Amount      Amount
	Description *string
	ExpiresAt   time.Time
}

// Decode decodes the given payment request for the given network. It fails
// with a wrapped ErrMalformedInvoice if the string is not a valid BOLT11
// payment request.
func Decode(payReq string, net *chaincfg.Params) (Invoice, error) {
	decoded, err := zpay32.Decode(strings.TrimSpace(payReq), net)
	if err != nil {
		return Invoice{}, errors.Wrap(ErrMalformedInvoice, err.Error())
	}

	if decoded.PaymentHash == nil {
		return Invoice{}, errors.Wrap(ErrMalformedInvoice, "no payment hash")
	}

	inv := Invoice{
		Raw:         payReq,
		PaymentHash: hex.EncodeToString(decoded.PaymentHash[:]),
		Description: decoded.Description,
		ExpiresAt:   decoded.Timestamp.Add(decoded.Expiry()),
	}

	// a zero or absent amount field means the payer picks the amount,
	// which is distinct from a malformed amount (zpay32 rejects those)
	if decoded.MilliSat == nil || *decoded.MilliSat == 0 {
		inv.Amount = AnyAmount{}
	} else {
		inv.Amount = FixedAmount{Sats: int64(decoded.MilliSat.ToSatoshis())}
	}

	return inv, nil
}

// FixedSats returns the invoice amount and true if the invoice locks the
// payer to an amount
func (i Invoice) FixedSats() (int64, bool) {
	fixed, ok := i.Amount.(FixedAmount)
	if !ok {
		return 0, false
	}
	return fixed.Sats, true
}

// IsExpired reports whether the invoice had expired at the given time
func (i Invoice) IsExpired(now time.Time) bool {
	return i.ExpiresAt.Before(now)
}

const (
	truncateHead = 16
	truncateTail = 8
)

// Truncate shortens a payment request for display. It has no correctness
// obligation, and is stable: truncating an already truncated request is a
// no-op.
func Truncate(payReq string) string {
	if len(payReq) <= truncateHead+truncateTail+3 {
		return payReq
	}
	return payReq[:truncateHead] + "..." + payReq[len(payReq)-truncateTail:]
}

// NormalizeHash converts a payment hash in either hex or base64 encoding to
// the canonical lowercase hex form. Both encodings show up in the wild:
// lnd's REST gateway returns base64, while most tooling passes hex.
func NormalizeHash(hash string) (string, error) {
	trimmed := strings.TrimSpace(hash)

	if raw, err := hex.DecodeString(trimmed); err == nil {
		if len(raw) != 32 {
			return "", fmt.Errorf("payment hash has %d bytes, want 32", len(raw))
		}
		return strings.ToLower(trimmed), nil
	}

	raw, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		// base64 produced by HTTP clients is sometimes URL encoded
		raw, err = base64.URLEncoding.DecodeString(trimmed)
	}
	if err != nil {
		return "", fmt.Errorf("payment hash %q is neither hex nor base64", hash)
	}
	if len(raw) != 32 {
		return "", fmt.Errorf("payment hash has %d bytes, want 32", len(raw))
	}

	return hex.EncodeToString(raw), nil
}

// Recipient is what a withdrawal request points at: either a payment request
// to send over Lightning, or a username to transfer to internally. Callers
// should switch on the concrete type instead of sniffing string prefixes.
type Recipient interface {
	recipient()
}

// PayReqRecipient is a Lightning payment request destination
type PayReqRecipient struct {
	PayReq string
}

// UsernameRecipient is an internal account destination
type UsernameRecipient struct {
	Username string
}

func (PayReqRecipient) recipient()   {}
func (UsernameRecipient) recipient() {}

// ClassifyRecipient decides whether the given string is a payment request or
// a username. All human readable parts of BOLT11 invoices start with "ln",
// and usernames with that prefix are rejected at signup.
func ClassifyRecipient(s string) Recipient {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(strings.ToLower(trimmed), "ln") {
		return PayReqRecipient{PayReq: trimmed}
	}
	return UsernameRecipient{Username: trimmed}
}
