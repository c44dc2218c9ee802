// Package ln talks to the Lightning node through its REST gateway. The rest
// of the application never sees HTTP: it consumes the narrow interfaces
// defined here, which also keeps the mocking surface small in tests.
package ln

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"github.com/satsbank/satsbank/build"
)

var log = build.AddSubLogger("LGHT")

// ErrGateway means the Lightning gateway was unreachable or returned a
// response we couldn't make sense of. It is never a statement about the
// underlying payment: a payment behind an ErrGateway may well have gone
// through, and must be reconciled by a later poll.
var ErrGateway = errors.New("lightning gateway error")

// DefaultTimeout bounds every call to the gateway
const DefaultTimeout = 30 * time.Second

// MaxAmountSatPerInvoice is the maximum amount of satoshis an invoice can
// be for
const MaxAmountSatPerInvoice = 4294967295 / 1000

// CreatedInvoice is the result of adding an invoice to the node
type CreatedInvoice struct {
	PaymentRequest string
	// PaymentHash is hex encoded
	PaymentHash string
}

// InvoiceStatus is the node's view of an invoice, keyed by payment hash
type InvoiceStatus struct {
	Settled bool
	// State is the raw state string reported by the gateway, one of
	// OPEN, ACCEPTED, SETTLED, CANCELED
	State         string
	AmountPaidSat int64
	// Preimage is hex encoded, empty until settled
	Preimage  string
	ExpiresAt time.Time
}

// PayResult is the result of a synchronous outbound payment
type PayResult struct {
	// PaymentError is empty on success
	PaymentError string
	// Preimage is hex encoded
	Preimage    string
	PaymentHash string
}

// NodeBalance is the aggregate balance held by the node
type NodeBalance struct {
	ChannelSat int64
	PendingSat int64
	OnchainSat int64
}

// TotalSat sums all components of the node balance
func (b NodeBalance) TotalSat() int64 {
	return b.ChannelSat + b.PendingSat + b.OnchainSat
}

// InvoiceAdder can create invoices on the node
type InvoiceAdder interface {
	AddInvoice(amountSat int64, memo string) (CreatedInvoice, error)
}

// InvoiceLookuper can look up an invoice by its hex payment hash
type InvoiceLookuper interface {
	LookupInvoice(paymentHash string) (InvoiceStatus, error)
}

// InvoicePayer can pay an invoice
type InvoicePayer interface {
	PayInvoice(paymentRequest string, amountSat int64) (PayResult, error)
}

// BalanceFetcher can fetch the node's aggregate balance
type BalanceFetcher interface {
	NodeBalance() (NodeBalance, error)
}

// Pinger can check whether the node is reachable
type Pinger interface {
	Ping() error
}

// Client is the full set of gateway operations
type Client interface {
	InvoiceAdder
	InvoiceLookuper
	InvoicePayer
	BalanceFetcher
	Pinger
}

// GatewayConfig is all we need to reach the REST gateway
type GatewayConfig struct {
	// URL is the base URL of the gateway, e.g. https://localhost:8080
	URL string
	// MacaroonHex authenticates us towards the node
	MacaroonHex string
	Timeout     time.Duration
}

// RestClient implements Client against an lnd style REST gateway
type RestClient struct {
	http *resty.Client
}

var _ Client = &RestClient{}

// NewRestClient creates a gateway client with bounded request timeouts
func NewRestClient(conf GatewayConfig) *RestClient {
	timeout := conf.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	client := resty.New().
		SetBaseURL(conf.URL).
		SetTimeout(timeout).
		SetHeader("Grpc-Metadata-macaroon", conf.MacaroonHex)

	log.WithField("url", conf.URL).Info("Created Lightning gateway client")

	return &RestClient{http: client}
}

type addInvoiceRequest struct {
	Memo  string `json:"memo,omitempty"`
	Value int64  `json:"value"`
}

type addInvoiceResponse struct {
	RHash          string `json:"r_hash"`
	PaymentRequest string `json:"payment_request"`
}

// AddInvoice creates an invoice on the node. An amount of 0 creates an
// any-amount invoice.
func (c *RestClient) AddInvoice(amountSat int64, memo string) (CreatedInvoice, error) {
	if amountSat < 0 || amountSat > MaxAmountSatPerInvoice {
		return CreatedInvoice{}, fmt.Errorf(
			"amount (%d) out of range, max: %d", amountSat, MaxAmountSatPerInvoice)
	}

	var body addInvoiceResponse
	resp, err := c.http.R().
		SetBody(addInvoiceRequest{Memo: memo, Value: amountSat}).
		SetResult(&body).
		Post("/v1/invoices")
	if err := gatewayErr(resp, err); err != nil {
		return CreatedInvoice{}, err
	}

	hash, err := decodeRestHash(body.RHash)
	if err != nil {
		return CreatedInvoice{}, errors.Wrap(ErrGateway, err.Error())
	}

	log.WithField("hash", hash).Debug("Added invoice")

	return CreatedInvoice{
		PaymentRequest: body.PaymentRequest,
		PaymentHash:    hash,
	}, nil
}

type lookupInvoiceResponse struct {
	Settled      bool   `json:"settled"`
	State        string `json:"state"`
	AmtPaidSat   string `json:"amt_paid_sat"`
	RPreimage    string `json:"r_preimage"`
	CreationDate string `json:"creation_date"`
	Expiry       string `json:"expiry"`
}

// LookupInvoice fetches the node's view of the invoice with the given hex
// payment hash
func (c *RestClient) LookupInvoice(paymentHash string) (InvoiceStatus, error) {
	var body lookupInvoiceResponse
	resp, err := c.http.R().
		SetResult(&body).
		Get("/v1/invoice/" + paymentHash)
	if err := gatewayErr(resp, err); err != nil {
		return InvoiceStatus{}, err
	}

	status := InvoiceStatus{
		Settled: body.Settled,
		State:   body.State,
	}

	if body.AmtPaidSat != "" {
		amt, err := strconv.ParseInt(body.AmtPaidSat, 10, 64)
		if err != nil {
			return InvoiceStatus{}, errors.Wrapf(ErrGateway,
				"bad amt_paid_sat %q", body.AmtPaidSat)
		}
		status.AmountPaidSat = amt
	}

	if body.RPreimage != "" {
		preimage, err := decodeRestHash(body.RPreimage)
		if err != nil {
			return InvoiceStatus{}, errors.Wrap(ErrGateway, err.Error())
		}
		status.Preimage = preimage
	}

	created, expiry, err := parseUnixPair(body.CreationDate, body.Expiry)
	if err != nil {
		return InvoiceStatus{}, errors.Wrap(ErrGateway, err.Error())
	}
	status.ExpiresAt = created.Add(expiry)

	return status, nil
}

type sendPaymentRequest struct {
	PaymentRequest string `json:"payment_request"`
	Amt            int64  `json:"amt,omitempty"`
}

type sendPaymentResponse struct {
	PaymentError    string `json:"payment_error"`
	PaymentPreimage string `json:"payment_preimage"`
	PaymentHash     string `json:"payment_hash"`
}

// PayInvoice submits an outbound payment and waits for the node to report
// the result. amountSat is only needed for any-amount invoices.
func (c *RestClient) PayInvoice(paymentRequest string, amountSat int64) (PayResult, error) {
	var body sendPaymentResponse
	resp, err := c.http.R().
		SetBody(sendPaymentRequest{PaymentRequest: paymentRequest, Amt: amountSat}).
		SetResult(&body).
		Post("/v1/channels/transactions")
	if err := gatewayErr(resp, err); err != nil {
		return PayResult{}, err
	}

	result := PayResult{PaymentError: body.PaymentError}
	if body.PaymentPreimage != "" {
		preimage, err := decodeRestHash(body.PaymentPreimage)
		if err != nil {
			return PayResult{}, errors.Wrap(ErrGateway, err.Error())
		}
		result.Preimage = preimage
	}
	if body.PaymentHash != "" {
		hash, err := decodeRestHash(body.PaymentHash)
		if err != nil {
			return PayResult{}, errors.Wrap(ErrGateway, err.Error())
		}
		result.PaymentHash = hash
	}

	return result, nil
}

type channelBalanceResponse struct {
	Balance            string `json:"balance"`
	PendingOpenBalance string `json:"pending_open_balance"`
}

type blockchainBalanceResponse struct {
	TotalBalance string `json:"total_balance"`
}

// NodeBalance fetches the aggregate channel, pending and onchain balance of
// the node
func (c *RestClient) NodeBalance() (NodeBalance, error) {
	var channels channelBalanceResponse
	resp, err := c.http.R().
		SetResult(&channels).
		Get("/v1/balance/channels")
	if err := gatewayErr(resp, err); err != nil {
		return NodeBalance{}, err
	}

	var chain blockchainBalanceResponse
	resp, err = c.http.R().
		SetResult(&chain).
		Get("/v1/balance/blockchain")
	if err := gatewayErr(resp, err); err != nil {
		return NodeBalance{}, err
	}

	channelSat, err := parseOptInt(channels.Balance)
	if err != nil {
		return NodeBalance{}, errors.Wrap(ErrGateway, err.Error())
	}
	pendingSat, err := parseOptInt(channels.PendingOpenBalance)
	if err != nil {
		return NodeBalance{}, errors.Wrap(ErrGateway, err.Error())
	}
	onchainSat, err := parseOptInt(chain.TotalBalance)
	if err != nil {
		return NodeBalance{}, errors.Wrap(ErrGateway, err.Error())
	}

	return NodeBalance{
		ChannelSat: channelSat,
		PendingSat: pendingSat,
		OnchainSat: onchainSat,
	}, nil
}

// Ping checks that the gateway responds at all
func (c *RestClient) Ping() error {
	resp, err := c.http.R().Get("/v1/getinfo")
	return gatewayErr(resp, err)
}

// gatewayErr folds transport errors and non-2xx statuses into ErrGateway
func gatewayErr(resp *resty.Response, err error) error {
	if err != nil {
		return errors.Wrap(ErrGateway, err.Error())
	}
	if resp.IsError() {
		return errors.Wrapf(ErrGateway, "gateway returned %s: %s",
			resp.Status(), resp.String())
	}
	return nil
}

// decodeRestHash converts the gateway's base64 hash/preimage encoding to
// canonical hex. Some gateway implementations already return hex, which we
// pass through.
func decodeRestHash(s string) (string, error) {
	if raw, err := hex.DecodeString(s); err == nil && len(raw) == 32 {
		return strings.ToLower(s), nil
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("hash %q is neither hex nor base64", s)
	}
	return hex.EncodeToString(raw), nil
}

func parseUnixPair(creation, expiry string) (time.Time, time.Duration, error) {
	createdUnix, err := parseOptInt(creation)
	if err != nil {
		return time.Time{}, 0, err
	}
	expirySecs, err := parseOptInt(expiry)
	if err != nil {
		return time.Time{}, 0, err
	}
	if expirySecs == 0 {
		// BOLT11 default
		expirySecs = 3600
	}
	return time.Unix(createdUnix, 0), time.Duration(expirySecs) * time.Second, nil
}

// parseOptInt parses the string encoded int64s the gateway uses, treating
// the empty string as 0
func parseOptInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
