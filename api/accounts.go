package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/satsbank/satsbank/api/apierr"
	"github.com/satsbank/satsbank/models/accounts"
	"github.com/satsbank/satsbank/models/ledger"
)

// accountResponse is the JSON rendering of an account
type accountResponse struct {
	ID         int     `json:"id"`
	Username   string  `json:"username"`
	Email      *string `json:"email"`
	BalanceSat int64   `json:"balanceSat"`
}

func toAccountResponse(a accounts.Account) accountResponse {
	return accountResponse{
		ID:         a.ID,
		Username:   a.Username,
		Email:      a.Email,
		BalanceSat: a.BalanceSat,
	}
}

// createAccount creates a new account
func (r *RestServer) createAccount() gin.HandlerFunc {
	type createAccountRequest struct {
		Username string  `json:"username" binding:"required,max=64"`
		Email    *string `json:"email" binding:"omitempty,email"`
	}

	return func(c *gin.Context) {
		var req createAccountRequest
		if c.BindJSON(&req) != nil {
			return
		}

		account, err := accounts.Create(r.db, accounts.CreateAccountArgs{
			Username: req.Username,
			Email:    req.Email,
		})
		if err != nil {
			if errors.Is(err, accounts.ErrUsernameMustBeUnique) ||
				errors.Is(err, accounts.ErrEmailMustBeUnique) {
				apierr.Public(c, http.StatusConflict, apierr.ErrBadRequest)
				return
			}
			log.WithError(err).Error("Could not create account")
			_ = c.Error(err)
			return
		}

		c.JSONP(http.StatusCreated, toAccountResponse(account))
	}
}

// getAccount returns the account with the ID in the URL
func (r *RestServer) getAccount() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramInt(c, "id")
		if !ok {
			return
		}

		account, err := accounts.GetByID(r.db, id)
		if err != nil {
			if errors.Is(err, accounts.ErrAccountNotFound) {
				apierr.Public(c, http.StatusNotFound, apierr.ErrAccountNotFound)
				return
			}
			_ = c.Error(err)
			return
		}

		c.JSONP(http.StatusOK, toAccountResponse(account))
	}
}

// getAccountTransactions lists the account's transactions, newest first.
// Takes two URL parameters, `limit` and `offset`.
func (r *RestServer) getAccountTransactions() gin.HandlerFunc {
	type params struct {
		Limit  int `form:"limit" binding:"gte=0"`
		Offset int `form:"offset" binding:"gte=0"`
	}

	return func(c *gin.Context) {
		id, ok := paramInt(c, "id")
		if !ok {
			return
		}

		var p params
		if c.BindQuery(&p) != nil {
			return
		}

		if _, err := accounts.GetByID(r.db, id); err != nil {
			if errors.Is(err, accounts.ErrAccountNotFound) {
				apierr.Public(c, http.StatusNotFound, apierr.ErrAccountNotFound)
				return
			}
			_ = c.Error(err)
			return
		}

		transactions, err := ledger.GetAllForAccount(r.db, id, p.Limit, p.Offset)
		if err != nil {
			log.WithError(err).Error("Could not get transactions")
			_ = c.Error(err)
			return
		}

		response := make([]transactionResponse, len(transactions))
		for i, t := range transactions {
			response[i] = toTransactionResponse(t)
		}
		c.JSONP(http.StatusOK, response)
	}
}

// paramInt parses the given URL parameter as an int, rejecting the request
// if it isn't one
func paramInt(c *gin.Context, name string) (int, bool) {
	parsed, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		apierr.Public(c, http.StatusBadRequest, apierr.ErrBadRequest)
		return 0, false
	}
	return int(parsed), true
}
