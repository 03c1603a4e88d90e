package server

import (
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	invoicedomain "github.com/fleetgrid/fincore/internal/invoice/domain"
	"github.com/shopspring/decimal"
)

type ensureInvoiceRequest struct {
	Amount  decimal.Decimal `json:"amount"`
	DueDate time.Time       `json:"due_date" binding:"required"`
}

type ensureInvoiceResponse struct {
	Invoice invoicedomain.Invoice `json:"invoice"`
	Created bool                  `json:"created"`
}

// EnsureMonthlyInvoice is the single sanctioned invoice-creation entry
// point. Duplicate requests for the same contract and month return the
// existing invoice with created=false.
func (s *Server) EnsureMonthlyInvoice(c *gin.Context) {
	contractID, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req ensureInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	companyID, err := s.contractCompany(c, contractID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	invoice, created, err := s.invoiceSvc.EnsureMonthlyInvoice(c.Request.Context(), invoicedomain.EnsureInvoiceRequest{
		CompanyID:  companyID,
		ContractID: contractID,
		Amount:     req.Amount,
		DueDate:    req.DueDate,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, ensureInvoiceResponse{Invoice: invoice, Created: created})
}

func (s *Server) ListContractInvoices(c *gin.Context) {
	contractID, ok := parseID(c, "id")
	if !ok {
		return
	}
	invoices, err := s.invoiceSvc.ListByContract(c.Request.Context(), contractID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoices": invoices})
}

func (s *Server) GetInvoice(c *gin.Context) {
	invoiceID, ok := parseID(c, "id")
	if !ok {
		return
	}
	invoice, err := s.invoiceSvc.GetByID(c.Request.Context(), invoiceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, invoice)
}

func (s *Server) IssueInvoice(c *gin.Context) {
	invoiceID, ok := parseID(c, "id")
	if !ok {
		return
	}
	invoice, err := s.invoiceSvc.IssueInvoice(c.Request.Context(), invoiceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, invoice)
}

type voidInvoiceRequest struct {
	KeepInvoiceID string `json:"keep_invoice_id" binding:"required"`
	Reason        string `json:"reason" binding:"required"`
	OperatorID    string `json:"operator_id" binding:"required"`
}

func (s *Server) VoidDuplicateInvoice(c *gin.Context) {
	duplicateID, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req voidInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	keepID, err := snowflake.ParseString(req.KeepInvoiceID)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	invoice, err := s.invoiceSvc.VoidDuplicate(c.Request.Context(), duplicateID, keepID, req.Reason, req.OperatorID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, invoice)
}

func (s *Server) contractCompany(c *gin.Context, contractID snowflake.ID) (snowflake.ID, error) {
	contract, err := s.loadContract(c, contractID)
	if err != nil {
		return 0, err
	}
	return contract.CompanyID, nil
}
