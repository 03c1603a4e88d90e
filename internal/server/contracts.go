package server

import (
	"errors"
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	contractdomain "github.com/fleetgrid/fincore/internal/contract/domain"
	"gorm.io/gorm"
)

// GetContract returns the contract with its cached financial totals. The
// totals are as fresh as the last reconciliation run.
func (s *Server) GetContract(c *gin.Context) {
	contractID, ok := parseID(c, "id")
	if !ok {
		return
	}

	contract, err := s.loadContract(c, contractID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, contract)
}

func (s *Server) loadContract(c *gin.Context, contractID snowflake.ID) (contractdomain.Contract, error) {
	var contract contractdomain.Contract
	err := s.db.WithContext(c.Request.Context()).
		Where("id = ?", contractID).
		First(&contract).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return contractdomain.Contract{}, ErrNotFound
	}
	return contract, err
}
