package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type BillStatus string

const (
	BillStatusUnpaid     BillStatus = "unpaid"
	BillStatusPaid       BillStatus = "paid"
	BillStatusSuperseded BillStatus = "superseded"
)

// BillingRecord is one computed bill for a patient. Once paid or superseded
// it is never modified again.
type BillingRecord struct {
	ID               snowflake.ID  `gorm:"primaryKey" json:"id"`
	PatientID        snowflake.ID  `gorm:"not null;index" json:"patient_id"`
	Amount           int64         `gorm:"not null" json:"amount"`
	Currency         string        `gorm:"type:text;not null" json:"currency"`
	Status           BillStatus    `gorm:"type:varchar(16);not null;index" json:"status"`
	ItemCount        int           `gorm:"not null" json:"item_count"`
	PaidAt           *time.Time    `json:"paid_at,omitempty"`
	PaymentReference *string       `gorm:"type:text" json:"payment_reference,omitempty"`
	SupersededAt     *time.Time    `json:"superseded_at,omitempty"`
	SupersededBy     *snowflake.ID `json:"superseded_by,omitempty"`
	CreatedAt        time.Time     `gorm:"not null" json:"created_at"`
}

func (BillingRecord) TableName() string { return "billing_records" }

func (b BillingRecord) IsPayable() bool {
	return b.Status == BillStatusUnpaid
}

// BillingRecordItem links a bill to one usage transaction and snapshots the
// values the amount was computed from.
type BillingRecordItem struct {
	BillingRecordID    snowflake.ID `gorm:"primaryKey" json:"billing_record_id"`
	UsageTransactionID snowflake.ID `gorm:"primaryKey;index" json:"usage_transaction_id"`
	Kind               string       `gorm:"type:text;not null" json:"kind"`
	Name               string       `gorm:"type:text;not null" json:"name"`
	UnitCost           int64        `gorm:"not null" json:"unit_cost"`
	Quantity           int64        `gorm:"not null" json:"quantity"`
	Amount             int64        `gorm:"not null" json:"amount"`
	OccurredAt         time.Time    `gorm:"not null" json:"occurred_at"`
}

func (BillingRecordItem) TableName() string { return "billing_record_items" }

// Statement is a bill together with its line items, as rendered on receipts.
type Statement struct {
	Bill  BillingRecord       `json:"bill"`
	Items []BillingRecordItem `json:"items"`
}

// ItemIDs returns the usage transaction ids covered by the statement.
func (s Statement) ItemIDs() []snowflake.ID {
	ids := make([]snowflake.ID, 0, len(s.Items))
	for _, item := range s.Items {
		ids = append(ids, item.UsageTransactionID)
	}
	return ids
}
