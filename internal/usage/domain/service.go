package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	patientdomain "github.com/smallbiznis/medibill/internal/patient/domain"
	"github.com/smallbiznis/medibill/pkg/db/pagination"
	"gorm.io/gorm"
)

// RecordUsageRequest is one event from the inventory or service feed.
type RecordUsageRequest struct {
	PatientID      string    `json:"patient_id" validate:"required,snowflake"`
	Kind           string    `json:"kind" validate:"required,oneof=item service"`
	Name           string    `json:"name" validate:"required,max=255"`
	UnitCost       string    `json:"unit_cost" validate:"required,money"`
	Quantity       int64     `json:"quantity" validate:"gt=0"`
	OccurredAt     time.Time `json:"occurred_at" validate:"required"`
	IdempotencyKey *string   `json:"idempotency_key" validate:"omitempty,max=128"`
}

type ListUsageRequest struct {
	PatientID string `json:"patient_id"`
	Settled   *bool  `json:"settled"`
	PageToken string `json:"page_token"`
	PageSize  int    `json:"page_size"`
}

type ListUsageResponse struct {
	pagination.PageInfo
	Transactions []UsageTransaction `json:"transactions"`
}

type Service interface {
	Record(ctx context.Context, req RecordUsageRequest) (*UsageTransaction, error)
	// CandidateTransactions returns the patient's unsettled transactions
	// ordered by OccurredAt then ID. It never caches.
	CandidateTransactions(ctx context.Context, patientID string) ([]UsageTransaction, error)
	ListByPatient(ctx context.Context, req ListUsageRequest) (ListUsageResponse, error)
	GetByIDs(ctx context.Context, ids []snowflake.ID) ([]UsageTransaction, error)
}

// Repository methods take the handle to run on so callers can enlist them in
// their own transaction.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, item *UsageTransaction) (bool, error)
	FindByIdempotencyKey(ctx context.Context, db *gorm.DB, patientID snowflake.ID, key string) (*UsageTransaction, error)
	ListUnsettled(ctx context.Context, db *gorm.DB, patientID snowflake.ID) ([]UsageTransaction, error)
	ListByPatient(ctx context.Context, db *gorm.DB, filter ListFilter) ([]UsageTransaction, error)
	FindByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]UsageTransaction, error)
	CountUnsettled(ctx context.Context, db *gorm.DB, ids []snowflake.ID) (int64, error)
	MarkSettled(ctx context.Context, db *gorm.DB, ids []snowflake.ID, billID snowflake.ID, at time.Time) (int64, error)
}

type ListFilter struct {
	PatientID snowflake.ID
	Settled   *bool
	AfterID   snowflake.ID
	Limit     int
}

var (
	ErrPatientNotFound   = patientdomain.ErrPatientNotFound
	ErrInvalidPatient    = patientdomain.ErrInvalidPatient
	ErrInvalidKind       = errors.New("invalid_kind")
	ErrInvalidName       = errors.New("invalid_name")
	ErrInvalidUnitCost   = errors.New("invalid_unit_cost")
	ErrInvalidQuantity   = errors.New("invalid_quantity")
	ErrInvalidOccurredAt = errors.New("invalid_occurred_at")
	ErrInvalidUsage      = errors.New("invalid_usage")
)
