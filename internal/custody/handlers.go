package custody

import (
	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-lend/internal/lending"
	"github.com/ksred/klear-lend/pkg/response"
)

// FundRequest credits a custody account from outside the ledger.
type FundRequest struct {
	Account string `json:"account" binding:"required"`
	Amount  uint64 `json:"amount" binding:"required"`
}

// BalanceResponse reports a custody account balance.
type BalanceResponse struct {
	Account string `json:"account"`
	Balance uint64 `json:"balance"`
}

// GinHandlers exposes the custody book on the internal API.
type GinHandlers struct {
	book *Book
}

func NewGinHandlers(book *Book) *GinHandlers {
	return &GinHandlers{book: book}
}

// FundHandler handles POST requests crediting a custody account
func (h *GinHandlers) FundHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req FundRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		account := lending.Account(req.Account)
		if err := h.book.Credit(account, req.Amount); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		response.Success(c, BalanceResponse{Account: req.Account, Balance: h.book.Balance(account)})
	}
}

// BalanceHandler handles GET requests for a custody account balance
func (h *GinHandlers) BalanceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		account := c.Param("account")
		response.Success(c, BalanceResponse{Account: account, Balance: h.book.Balance(lending.Account(account))})
	}
}
