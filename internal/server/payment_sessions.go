package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/medibill/internal/payment/domain"
)

func (s *Server) StartPaymentSession(c *gin.Context) {
	billID := strings.TrimSpace(c.Param("id"))
	resp, err := s.paymentSvc.Start(c.Request.Context(), billID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetPaymentSession(c *gin.Context) {
	resp, err := s.paymentSvc.Get(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// AdvancePaymentSession moves the payer from the instructions screen to proof
// entry.
func (s *Server) AdvancePaymentSession(c *gin.Context) {
	resp, err := s.paymentSvc.Advance(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// SubmitPaymentProof only answers 200 once the bill is durably paid.
func (s *Server) SubmitPaymentProof(c *gin.Context) {
	var req paymentdomain.SubmitProofRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.paymentSvc.SubmitProof(c.Request.Context(), strings.TrimSpace(c.Param("id")), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) CancelPaymentSession(c *gin.Context) {
	resp, err := s.paymentSvc.Cancel(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
