package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	settlementdomain "github.com/smallbiznis/medibill/internal/settlement/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() settlementdomain.Repository {
	return &repo{}
}

func (r *repo) InsertPayment(ctx context.Context, db *gorm.DB, payment *settlementdomain.Payment) error {
	if payment == nil {
		return errors.New("missing_payment")
	}
	return db.WithContext(ctx).Create(payment).Error
}

func (r *repo) FindByBill(ctx context.Context, db *gorm.DB, billID snowflake.ID) (*settlementdomain.Payment, error) {
	var payment settlementdomain.Payment
	err := db.WithContext(ctx).
		Where("billing_record_id = ?", billID).
		First(&payment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &payment, nil
}
