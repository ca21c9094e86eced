package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	balancedomain "github.com/meterline/meterline/internal/balance/domain"
	"github.com/meterline/meterline/pkg/db/pagination"
)

func (s *Server) GetBalance(c *gin.Context) {
	userID, err := parseUserID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	balance, err := s.balanceSvc.GetBalance(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, balance)
}

func (s *Server) Deposit(c *gin.Context) {
	var req balancedomain.DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	txn, err := s.balanceSvc.Deposit(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, txn)
}

func (s *Server) Refund(c *gin.Context) {
	var req balancedomain.RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	txn, err := s.balanceSvc.Refund(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, txn)
}

func (s *Server) ListTransactions(c *gin.Context) {
	userID, err := parseUserID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	req := balancedomain.ListTransactionsRequest{
		UserID:     userID,
		Type:       balancedomain.TransactionType(strings.TrimSpace(c.Query("type"))),
		Pagination: page,
	}

	resp, err := s.balanceSvc.ListTransactions(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
