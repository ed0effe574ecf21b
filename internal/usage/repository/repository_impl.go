package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	usagedomain "github.com/smallbiznis/medibill/internal/usage/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() usagedomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, item *usagedomain.UsageTransaction) (bool, error) {
	if item == nil {
		return false, errors.New("missing_usage_transaction")
	}
	stmt := db.WithContext(ctx)
	if item.IdempotencyKey != nil {
		stmt = stmt.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "patient_id"}, {Name: "idempotency_key"}},
			DoNothing: true,
		})
	}
	result := stmt.Create(item)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindByIdempotencyKey(ctx context.Context, db *gorm.DB, patientID snowflake.ID, key string) (*usagedomain.UsageTransaction, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, nil
	}
	var item usagedomain.UsageTransaction
	err := db.WithContext(ctx).
		Where("patient_id = ? AND idempotency_key = ?", patientID, key).
		First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

func (r *repo) ListUnsettled(ctx context.Context, db *gorm.DB, patientID snowflake.ID) ([]usagedomain.UsageTransaction, error) {
	var items []usagedomain.UsageTransaction
	err := db.WithContext(ctx).Raw(
		`SELECT id, patient_id, kind, name, unit_cost, quantity, occurred_at,
		        settled, settled_at, settled_bill_id, idempotency_key, created_at
		 FROM usage_transactions
		 WHERE patient_id = ? AND settled = ?
		 ORDER BY occurred_at ASC, id ASC`,
		patientID,
		false,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListByPatient(ctx context.Context, db *gorm.DB, filter usagedomain.ListFilter) ([]usagedomain.UsageTransaction, error) {
	stmt := db.WithContext(ctx).
		Model(&usagedomain.UsageTransaction{}).
		Where("patient_id = ?", filter.PatientID)
	if filter.Settled != nil {
		stmt = stmt.Where("settled = ?", *filter.Settled)
	}
	if filter.AfterID != 0 {
		stmt = stmt.Where("id > ?", filter.AfterID)
	}
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit)
	}

	var items []usagedomain.UsageTransaction
	if err := stmt.Order("id ASC").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) FindByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]usagedomain.UsageTransaction, error) {
	if len(ids) == 0 {
		return []usagedomain.UsageTransaction{}, nil
	}
	var items []usagedomain.UsageTransaction
	err := db.WithContext(ctx).
		Where("id IN ?", ids).
		Order("occurred_at ASC, id ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) CountUnsettled(ctx context.Context, db *gorm.DB, ids []snowflake.ID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var count int64
	err := db.WithContext(ctx).
		Model(&usagedomain.UsageTransaction{}).
		Where("id IN ? AND settled = ?", ids, false).
		Count(&count).Error
	return count, err
}

func (r *repo) MarkSettled(ctx context.Context, db *gorm.DB, ids []snowflake.ID, billID snowflake.ID, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result := db.WithContext(ctx).Exec(
		`UPDATE usage_transactions
		 SET settled = ?, settled_at = ?, settled_bill_id = ?
		 WHERE id IN ? AND settled = ?`,
		true,
		at.UTC(),
		billID,
		ids,
		false,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
