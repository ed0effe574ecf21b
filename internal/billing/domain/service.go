package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/medibill/pkg/db/pagination"
	"gorm.io/gorm"
)

type ListBillsRequest struct {
	PatientID string `json:"patient_id"`
	Status    string `json:"status"`
	PageToken string `json:"page_token"`
	PageSize  int    `json:"page_size"`
}

type ListBillsResponse struct {
	pagination.PageInfo
	Bills []BillingRecord `json:"bills"`
}

type Service interface {
	// GenerateBill folds the patient's unsettled usage into a new unpaid bill,
	// superseding the previous unpaid bill if there is one.
	GenerateBill(ctx context.Context, patientID string) (*BillingRecord, error)
	GetBill(ctx context.Context, id string) (*BillingRecord, error)
	GetStatement(ctx context.Context, id string) (*Statement, error)
	ListBills(ctx context.Context, req ListBillsRequest) (ListBillsResponse, error)
	CurrentUnpaidBill(ctx context.Context, patientID string) (*BillingRecord, error)
}

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*BillingRecord, error)
	FindUnpaidByPatient(ctx context.Context, db *gorm.DB, patientID snowflake.ID) (*BillingRecord, error)
	Insert(ctx context.Context, db *gorm.DB, bill *BillingRecord, items []BillingRecordItem) error
	Supersede(ctx context.Context, db *gorm.DB, id, by snowflake.ID, at time.Time) (int64, error)
	MarkPaid(ctx context.Context, db *gorm.DB, id snowflake.ID, amount int64, reference string, at time.Time) (int64, error)
	ListItems(ctx context.Context, db *gorm.DB, billID snowflake.ID) ([]BillingRecordItem, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]BillingRecord, error)
}

type ListFilter struct {
	PatientID snowflake.ID
	Status    BillStatus
	BeforeID  snowflake.ID
	Limit     int
}

var (
	ErrInvalidBill          = errors.New("invalid_bill")
	ErrInvalidStatus        = errors.New("invalid_status")
	ErrBillNotFound         = errors.New("bill_not_found")
	ErrNoBillableItems      = errors.New("no_billable_items")
	ErrAlreadyPaid          = errors.New("already_paid")
	ErrBillSuperseded       = errors.New("bill_superseded")
	ErrConcurrentBillUpdate = errors.New("concurrent_bill_update")
	ErrAmountOverflow       = errors.New("amount_overflow")
)
