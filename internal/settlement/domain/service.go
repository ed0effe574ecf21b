package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/medibill/internal/billing/domain"
	"gorm.io/gorm"
)

type SettleRequest struct {
	BillID    snowflake.ID
	Reference string
	Amount    int64
	SessionID string
}

// Service moves a bill from unpaid to paid at most once and marks every
// line item settled in the same transaction.
type Service interface {
	Settle(ctx context.Context, req SettleRequest) (*Settlement, error)
	GetPayment(ctx context.Context, billID snowflake.ID) (*Payment, error)
}

type Repository interface {
	InsertPayment(ctx context.Context, db *gorm.DB, payment *Payment) error
	FindByBill(ctx context.Context, db *gorm.DB, billID snowflake.ID) (*Payment, error)
}

var (
	ErrBillNotFound   = billingdomain.ErrBillNotFound
	ErrBillSuperseded = billingdomain.ErrBillSuperseded

	ErrInvalidBill            = errors.New("invalid_bill")
	ErrInvalidReference       = errors.New("invalid_reference")
	ErrConcurrentSettlement   = errors.New("concurrent_settlement")
	ErrLineItemAlreadySettled = errors.New("line_item_already_settled")
	ErrAmountMismatch         = errors.New("amount_mismatch")
	ErrPaymentNotFound        = errors.New("payment_not_found")
)
