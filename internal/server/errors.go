package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	billingdomain "github.com/smallbiznis/medibill/internal/billing/domain"
	patientdomain "github.com/smallbiznis/medibill/internal/patient/domain"
	paymentdomain "github.com/smallbiznis/medibill/internal/payment/domain"
	paymentservice "github.com/smallbiznis/medibill/internal/payment/service"
	"github.com/smallbiznis/medibill/internal/receipt"
	settlementdomain "github.com/smallbiznis/medibill/internal/settlement/domain"
	usagedomain "github.com/smallbiznis/medibill/internal/usage/domain"
	"github.com/smallbiznis/medibill/pkg/db/pagination"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
	ErrInternal       = errors.New("internal_error")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

// classifyErrorForLog feeds the request logger the same type the client sees.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	if status >= http.StatusInternalServerError {
		return "server", payload.Type
	}
	return "client", payload.Type
}

func errorTypeOf(err error) string {
	_, payload := mapError(err)
	return payload.Type
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, paymentdomain.ErrSessionExpired):
		return http.StatusGone, errorPayload{
			Type:    "session_expired",
			Message: "payment window has closed",
		}
	case errors.Is(err, paymentdomain.ErrSessionCancelled):
		return http.StatusGone, errorPayload{
			Type:    "session_cancelled",
			Message: "payment session was cancelled",
		}
	case errors.Is(err, paymentdomain.ErrInvalidProof):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "invalid_proof",
			Message: "reference or amount was rejected",
		}
	case errors.Is(err, billingdomain.ErrNoBillableItems):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "no_billable_items",
			Message: "patient has no unsettled usage",
		}
	case errors.Is(err, receipt.ErrBillNotPaid):
		return http.StatusConflict, errorPayload{
			Type:    "bill_not_paid",
			Message: "receipt is only available for paid bills",
		}
	case errors.Is(err, paymentdomain.ErrSessionSettling):
		return http.StatusConflict, errorPayload{
			Type:    "session_settling",
			Message: "payment is being settled, check the session again shortly",
		}
	case errors.Is(err, paymentdomain.ErrAlreadyPaid),
		errors.Is(err, paymentdomain.ErrSessionSettled):
		return http.StatusConflict, errorPayload{
			Type:    "already_paid",
			Message: "bill is already paid",
		}
	case errors.Is(err, paymentdomain.ErrBillSuperseded):
		return http.StatusConflict, errorPayload{
			Type:    "bill_superseded",
			Message: "bill was replaced by a newer bill",
		}
	case errors.Is(err, paymentdomain.ErrSessionAlreadyActive):
		return http.StatusConflict, errorPayload{
			Type:    "session_already_active",
			Message: "bill already has an active payment session",
		}
	case errors.Is(err, paymentdomain.ErrConcurrentSettlement),
		errors.Is(err, settlementdomain.ErrLineItemAlreadySettled):
		return http.StatusConflict, errorPayload{
			Type:    "concurrent_settlement",
			Message: "bill was settled concurrently",
		}
	case errors.Is(err, billingdomain.ErrConcurrentBillUpdate):
		return http.StatusConflict, errorPayload{
			Type:    "concurrent_bill_update",
			Message: "bill was regenerated concurrently, retry",
		}
	case errors.Is(err, settlementdomain.ErrAmountMismatch):
		return http.StatusConflict, errorPayload{
			Type:    "amount_mismatch",
			Message: "bill amount changed since the session started",
		}
	case errors.Is(err, paymentdomain.ErrInvalidPhase):
		return http.StatusConflict, errorPayload{
			Type:    "invalid_phase",
			Message: "operation not allowed in the current phase",
		}
	case errors.Is(err, paymentservice.ErrTooManyAttempts):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "too_many_attempts",
			Message: "too many proof submissions",
		}
	case errors.Is(err, billingdomain.ErrAmountOverflow):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "amount_overflow",
			Message: "bill total exceeds the supported range",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, pagination.ErrInvalidPageToken),
		errors.Is(err, patientdomain.ErrInvalidPatient),
		errors.Is(err, usagedomain.ErrInvalidKind),
		errors.Is(err, usagedomain.ErrInvalidName),
		errors.Is(err, usagedomain.ErrInvalidUnitCost),
		errors.Is(err, usagedomain.ErrInvalidQuantity),
		errors.Is(err, usagedomain.ErrInvalidOccurredAt),
		errors.Is(err, usagedomain.ErrInvalidUsage),
		errors.Is(err, billingdomain.ErrInvalidBill),
		errors.Is(err, billingdomain.ErrInvalidStatus),
		errors.Is(err, paymentdomain.ErrInvalidSession),
		errors.Is(err, settlementdomain.ErrInvalidReference):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, patientdomain.ErrPatientNotFound),
		errors.Is(err, billingdomain.ErrBillNotFound),
		errors.Is(err, paymentdomain.ErrSessionNotFound),
		errors.Is(err, settlementdomain.ErrPaymentNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	if errors.Is(err, ErrInvalidRequest) {
		return "invalid_request"
	}
	return err.Error()
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	default:
		return "invalid value"
	}
}
