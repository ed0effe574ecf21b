package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	usagedomain "github.com/smallbiznis/medibill/internal/usage/domain"
	"github.com/smallbiznis/medibill/pkg/db/pagination"
)

// RecordUsage accepts one event from the inventory or service feed. Replays
// carrying the same idempotency key return the original transaction.
func (s *Server) RecordUsage(c *gin.Context) {
	var req usagedomain.RecordUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.usageSvc.Record(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListPatientUsage(c *gin.Context) {
	var query struct {
		pagination.Pagination
		Settled string `form:"settled"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	settled, err := parseOptionalBool(query.Settled)
	if err != nil {
		AbortWithError(c, newValidationError("settled", "invalid_settled", "invalid settled"))
		return
	}

	resp, err := s.usageSvc.ListByPatient(c.Request.Context(), usagedomain.ListUsageRequest{
		PatientID: strings.TrimSpace(c.Param("id")),
		Settled:   settled,
		PageToken: query.PageToken,
		PageSize:  query.PageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
