package server

import (
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	paymentdomain "github.com/fleetgrid/fincore/internal/payment/domain"
	"github.com/fleetgrid/fincore/internal/payment/guard"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func parseID(c *gin.Context, param string) (snowflake.ID, bool) {
	id, err := snowflake.ParseString(c.Param(param))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return 0, false
	}
	return id, true
}

type createPaymentRequest struct {
	ContractID    string          `json:"contract_id" binding:"required"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentDate   *time.Time      `json:"payment_date,omitempty"`
	PaymentMethod string          `json:"payment_method"`
	PaymentType   string          `json:"payment_type"`
	Note          string          `json:"note"`
}

func (s *Server) CreatePayment(c *gin.Context) {
	var req createPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	contractID, err := snowflake.ParseString(req.ContractID)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	create := paymentdomain.CreatePaymentRequest{
		ContractID:    contractID,
		Amount:        req.Amount,
		PaymentMethod: req.PaymentMethod,
		PaymentType:   req.PaymentType,
		Note:          req.Note,
	}
	if req.PaymentDate != nil {
		create.PaymentDate = *req.PaymentDate
	}

	payment, err := s.paymentSvc.CreatePayment(c.Request.Context(), create)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, payment)
}

func (s *Server) GetPayment(c *gin.Context) {
	paymentID, ok := parseID(c, "id")
	if !ok {
		return
	}
	payment, err := s.paymentSvc.GetByID(c.Request.Context(), paymentID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

type transitionRequest struct {
	PaymentStatus    *string `json:"payment_status"`
	ProcessingStatus *string `json:"processing_status"`
	Note             string  `json:"note"`
}

func (s *Server) TransitionPayment(c *gin.Context) {
	paymentID, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	domainReq := paymentdomain.TransitionRequest{Note: req.Note}
	if req.PaymentStatus != nil {
		status := paymentdomain.PaymentStatus(*req.PaymentStatus)
		domainReq.PaymentStatus = &status
	}
	if req.ProcessingStatus != nil {
		status := paymentdomain.ProcessingStatus(*req.ProcessingStatus)
		domainReq.ProcessingStatus = &status
	}

	payment, err := s.paymentSvc.Transition(c.Request.Context(), paymentID, domainReq)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func (s *Server) MarkPaymentProcessing(c *gin.Context) {
	paymentID, ok := parseID(c, "id")
	if !ok {
		return
	}
	payment, err := s.paymentSvc.MarkAsProcessing(c.Request.Context(), paymentID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

type bypassRequest struct {
	Reason     string `json:"reason"`
	OperatorID string `json:"operator_id"`
}

type completePaymentRequest struct {
	Bypass *bypassRequest `json:"bypass,omitempty"`
}

// CompletePayment settles a payment. A corrective call may carry a bypass
// token; bypassed completions are reconciled in the same request so the
// cached totals match the ledger before the caller sees the response.
func (s *Server) CompletePayment(c *gin.Context) {
	paymentID, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req completePaymentRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
	}

	ctx := c.Request.Context()
	bypassed := false
	if req.Bypass != nil {
		token, err := guard.NewBypass(req.Bypass.Reason, req.Bypass.OperatorID)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		ctx = guard.WithBypass(ctx, token)
		bypassed = true
	}

	payment, err := s.paymentSvc.MarkAsCompleted(ctx, paymentID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if bypassed {
		if err := s.reconcileSvc.ReconcileContract(ctx, payment.ContractID); err != nil {
			s.log.Error("reconciliation after bypass failed",
				zap.String("contract_id", payment.ContractID.String()),
				zap.Error(err),
			)
			AbortWithError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, payment)
}

type failPaymentRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) FailPayment(c *gin.Context) {
	paymentID, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req failPaymentRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
	}
	payment, err := s.paymentSvc.MarkAsFailed(c.Request.Context(), paymentID, req.Reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func (s *Server) RetryPayment(c *gin.Context) {
	paymentID, ok := parseID(c, "id")
	if !ok {
		return
	}
	payment, err := s.paymentSvc.MarkForRetry(c.Request.Context(), paymentID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func (s *Server) CancelPayment(c *gin.Context) {
	paymentID, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req failPaymentRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
	}
	payment, err := s.paymentSvc.MarkAsCancelled(c.Request.Context(), paymentID, req.Reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

type cancelCompletedRequest struct {
	Reason     string `json:"reason" binding:"required"`
	OperatorID string `json:"operator_id" binding:"required"`
}

// CancelCompletedPayment is the audited exit from the completed state. The
// owning contract is reconciled in the same request.
func (s *Server) CancelCompletedPayment(c *gin.Context) {
	paymentID, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req cancelCompletedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	ctx := c.Request.Context()
	payment, err := s.paymentSvc.CancelCompleted(ctx, paymentID, req.Reason, req.OperatorID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if err := s.reconcileSvc.ReconcileContract(ctx, payment.ContractID); err != nil {
		s.log.Error("reconciliation after administrative cancellation failed",
			zap.String("contract_id", payment.ContractID.String()),
			zap.Error(err),
		)
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}
