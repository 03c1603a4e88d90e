package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/fleetgrid/fincore/internal/reconcile"
)

type reconcileResponse struct {
	Updated int      `json:"updated"`
	Errors  []string `json:"errors,omitempty"`
}

func toReconcileResponse(result reconcile.Result) reconcileResponse {
	resp := reconcileResponse{Updated: result.Updated}
	for _, contractErr := range result.Errors {
		resp.Errors = append(resp.Errors, contractErr.ContractID.String())
	}
	return resp
}

// ReconcileContract is the on-demand reconciliation hook for one contract,
// used right after corrective scripts.
func (s *Server) ReconcileContract(c *gin.Context) {
	contractID, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := s.reconcileSvc.ReconcileContract(c.Request.Context(), contractID); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, reconcileResponse{Updated: 1})
}

func (s *Server) ReconcileCompany(c *gin.Context) {
	companyID, ok := parseID(c, "id")
	if !ok {
		return
	}
	result, err := s.reconcileSvc.ReconcileCompany(c.Request.Context(), companyID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, toReconcileResponse(result))
}

func (s *Server) CalculateCompanyFines(c *gin.Context) {
	companyID, ok := parseID(c, "id")
	if !ok {
		return
	}
	result, err := s.lateFineSvc.CalculateFines(c.Request.Context(), companyID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated_contracts": result.UpdatedContracts})
}
