package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/medibill/internal/billing/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() billingdomain.Repository {
	return &repo{}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*billingdomain.BillingRecord, error) {
	var bill billingdomain.BillingRecord
	err := db.WithContext(ctx).Where("id = ?", id).First(&bill).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &bill, nil
}

func (r *repo) FindUnpaidByPatient(ctx context.Context, db *gorm.DB, patientID snowflake.ID) (*billingdomain.BillingRecord, error) {
	var bill billingdomain.BillingRecord
	err := db.WithContext(ctx).
		Where("patient_id = ? AND status = ?", patientID, billingdomain.BillStatusUnpaid).
		Order("created_at DESC, id DESC").
		First(&bill).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &bill, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, bill *billingdomain.BillingRecord, items []billingdomain.BillingRecordItem) error {
	if bill == nil {
		return errors.New("missing_billing_record")
	}
	if err := db.WithContext(ctx).Create(bill).Error; err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	return db.WithContext(ctx).CreateInBatches(&items, 200).Error
}

func (r *repo) Supersede(ctx context.Context, db *gorm.DB, id, by snowflake.ID, at time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE billing_records
		 SET status = ?, superseded_at = ?, superseded_by = ?
		 WHERE id = ? AND status = ?`,
		billingdomain.BillStatusSuperseded,
		at.UTC(),
		by,
		id,
		billingdomain.BillStatusUnpaid,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *repo) MarkPaid(ctx context.Context, db *gorm.DB, id snowflake.ID, amount int64, reference string, at time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE billing_records
		 SET status = ?, paid_at = ?, payment_reference = ?
		 WHERE id = ? AND status = ? AND amount = ?`,
		billingdomain.BillStatusPaid,
		at.UTC(),
		reference,
		id,
		billingdomain.BillStatusUnpaid,
		amount,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *repo) ListItems(ctx context.Context, db *gorm.DB, billID snowflake.ID) ([]billingdomain.BillingRecordItem, error) {
	var items []billingdomain.BillingRecordItem
	err := db.WithContext(ctx).
		Where("billing_record_id = ?", billID).
		Order("occurred_at ASC, usage_transaction_id ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter billingdomain.ListFilter) ([]billingdomain.BillingRecord, error) {
	stmt := db.WithContext(ctx).
		Model(&billingdomain.BillingRecord{}).
		Where("patient_id = ?", filter.PatientID)
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	if filter.BeforeID != 0 {
		stmt = stmt.Where("id < ?", filter.BeforeID)
	}
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit)
	}

	var bills []billingdomain.BillingRecord
	if err := stmt.Order("id DESC").Find(&bills).Error; err != nil {
		return nil, err
	}
	return bills, nil
}
