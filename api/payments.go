package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/satsbank/satsbank/api/apierr"
	"github.com/satsbank/satsbank/invoice"
	"github.com/satsbank/satsbank/ln"
	"github.com/satsbank/satsbank/models/accounts"
	"github.com/satsbank/satsbank/models/ledger"
	"github.com/satsbank/satsbank/payments"
	"github.com/satsbank/satsbank/transfer"
)

// transactionResponse is the JSON rendering of a ledger transaction
type transactionResponse struct {
	ID             int        `json:"id"`
	AccountID      int        `json:"accountId"`
	Type           string     `json:"type"`
	AmountSat      int64      `json:"amountSat"`
	Status         string     `json:"status"`
	PaymentHash    *string    `json:"paymentHash,omitempty"`
	PaymentRequest *string    `json:"paymentRequest,omitempty"`
	Preimage       *string    `json:"preimage,omitempty"`
	Memo           *string    `json:"memo,omitempty"`
	Counterparty   *string    `json:"counterparty,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	SettledAt      *time.Time `json:"settledAt,omitempty"`
}

func toTransactionResponse(t ledger.Transaction) transactionResponse {
	return transactionResponse{
		ID:             t.ID,
		AccountID:      t.AccountID,
		Type:           string(t.Type),
		AmountSat:      t.AmountSat,
		Status:         string(t.Status),
		PaymentHash:    t.PaymentHash,
		PaymentRequest: t.PaymentRequest,
		Preimage:       t.Preimage,
		Memo:           t.Memo,
		Counterparty:   t.Counterparty,
		CreatedAt:      t.CreatedAt,
		SettledAt:      t.SettledAt,
	}
}

// createInvoice creates a new deposit invoice
func (r *RestServer) createInvoice() gin.HandlerFunc {
	type createInvoiceRequest struct {
		AccountID int    `json:"accountId" binding:"required,gt=0"`
		AmountSat int64  `json:"amountSat" binding:"gte=0,lte=4294967"`
		Memo      string `json:"memo" binding:"max=256"`
	}

	return func(c *gin.Context) {
		var req createInvoiceRequest
		if c.BindJSON(&req) != nil {
			return
		}

		t, err := r.orchestrator.NewDeposit(transfer.DepositArgs{
			AccountID: req.AccountID,
			AmountSat: req.AmountSat,
			Memo:      req.Memo,
		})
		if err != nil {
			switch {
			case errors.Is(err, accounts.ErrAccountNotFound):
				apierr.Public(c, http.StatusNotFound, apierr.ErrAccountNotFound)
			case errors.Is(err, ln.ErrGateway):
				apierr.Public(c, http.StatusBadGateway, apierr.ErrGatewayUnavailable)
			default:
				log.WithError(err).Error("Could not create invoice")
				_ = c.Error(err)
			}
			return
		}

		c.JSONP(http.StatusOK, toTransactionResponse(t))
	}
}

// getPaymentByHash returns the payment tied to the given payment hash. The
// hash can be given as hex or base64. Looking a payment up also reconciles
// it against the node, so a caller polling this endpoint sees the settlement
// as soon as the node does.
func (r *RestServer) getPaymentByHash() gin.HandlerFunc {
	return func(c *gin.Context) {
		hash, err := invoice.NormalizeHash(c.Param("hash"))
		if err != nil {
			apierr.Public(c, http.StatusBadRequest, apierr.ErrInvalidPaymentHash)
			return
		}

		t, err := ledger.GetByPaymentHash(r.db, hash)
		if err != nil {
			if errors.Is(err, ledger.ErrTransactionNotFound) {
				apierr.Public(c, http.StatusNotFound, apierr.ErrTransactionNotFound)
				return
			}
			_ = c.Error(err)
			return
		}

		if t.Status == ledger.Pending && t.Type == ledger.Deposit {
			if _, err := payments.Observe(r.db, r.lncli, hash, r.clock); err != nil {
				// a flaky gateway must not hide the row we already have
				log.WithError(err).WithField("hash", hash).
					Error("Could not observe payment")
			} else if t, err = ledger.GetByPaymentHash(r.db, hash); err != nil {
				_ = c.Error(err)
				return
			}
		}

		c.JSONP(http.StatusOK, toTransactionResponse(t))
	}
}

// withdraw pays a Lightning invoice from an account's balance
func (r *RestServer) withdraw() gin.HandlerFunc {
	type withdrawRequest struct {
		AccountID      int     `json:"accountId" binding:"required,gt=0"`
		PaymentRequest string  `json:"paymentRequest" binding:"required,paymentrequest"`
		AmountSat      int64   `json:"amountSat" binding:"gte=0"`
		Memo           *string `json:"memo" binding:"omitempty,max=256"`
		// Route is "custodial" (default) or "linked"
		Route string `json:"route" binding:"omitempty,max=16"`
	}

	return func(c *gin.Context) {
		var req withdrawRequest
		if c.BindJSON(&req) != nil {
			return
		}

		t, err := r.orchestrator.Withdraw(transfer.WithdrawArgs{
			AccountID:      req.AccountID,
			PaymentRequest: req.PaymentRequest,
			AmountSat:      req.AmountSat,
			Memo:           req.Memo,
			Route:          transfer.Route(req.Route),
		})
		if err != nil {
			rejectTransferError(c, err)
			return
		}

		c.JSONP(http.StatusOK, toTransactionResponse(t))
	}
}

// internalTransfer moves money between two accounts
func (r *RestServer) internalTransfer() gin.HandlerFunc {
	type transferRequest struct {
		FromAccountID int     `json:"fromAccountId" binding:"required,gt=0"`
		ToUsername    string  `json:"toUsername" binding:"required,max=64"`
		AmountSat     int64   `json:"amountSat" binding:"required,gt=0"`
		Memo          *string `json:"memo" binding:"omitempty,max=256"`
	}

	return func(c *gin.Context) {
		var req transferRequest
		if c.BindJSON(&req) != nil {
			return
		}

		result, err := r.orchestrator.Internal(transfer.InternalArgs{
			SenderID:   req.FromAccountID,
			ToUsername: req.ToUsername,
			AmountSat:  req.AmountSat,
			Memo:       req.Memo,
		})
		if err != nil {
			rejectTransferError(c, err)
			return
		}

		c.JSONP(http.StatusOK, gin.H{
			"sender":    toTransactionResponse(result.Sender),
			"recipient": toTransactionResponse(result.Recipient),
		})
	}
}

// rejectTransferError translates transfer errors into public API errors
func rejectTransferError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, accounts.ErrBalanceTooLow):
		apierr.Public(c, http.StatusBadRequest, apierr.ErrBalanceTooLow)
	case errors.Is(err, accounts.ErrAccountNotFound):
		apierr.Public(c, http.StatusNotFound, apierr.ErrAccountNotFound)
	case errors.Is(err, transfer.ErrRecipientNotFound):
		apierr.Public(c, http.StatusNotFound, apierr.ErrRecipientNotFound)
	case errors.Is(err, transfer.ErrSelfTransfer):
		apierr.Public(c, http.StatusBadRequest, apierr.ErrSelfTransfer)
	case errors.Is(err, transfer.ErrInvalidAmount),
		errors.Is(err, transfer.ErrAmountMismatch),
		errors.Is(err, transfer.ErrUnknownRoute):
		apierr.Public(c, http.StatusBadRequest, apierr.ErrBadRequest)
	case errors.Is(err, transfer.ErrNoLinkedWallet):
		apierr.Public(c, http.StatusBadRequest, apierr.ErrNoLinkedWallet)
	case errors.Is(err, transfer.ErrExpiredInvoice):
		apierr.Public(c, http.StatusBadRequest, apierr.ErrExpiredPaymentRequest)
	case errors.Is(err, invoice.ErrMalformedInvoice):
		apierr.Public(c, http.StatusBadRequest, apierr.ErrMalformedPaymentRequest)
	case errors.Is(err, transfer.ErrPaymentFailed):
		apierr.Public(c, http.StatusBadRequest, apierr.ErrPaymentFailed)
	case errors.Is(err, ln.ErrGateway):
		apierr.Public(c, http.StatusBadGateway, apierr.ErrGatewayUnavailable)
	default:
		log.WithError(err).Error("Could not execute transfer")
		_ = c.Error(err)
	}
}
