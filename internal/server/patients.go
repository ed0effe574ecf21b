package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	patientdomain "github.com/smallbiznis/medibill/internal/patient/domain"
)

func (s *Server) RegisterPatient(c *gin.Context) {
	var req patientdomain.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.patientSvc.Register(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetPatient(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	resp, err := s.patientSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
