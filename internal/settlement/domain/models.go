package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/medibill/internal/billing/domain"
)

// Payment records the proof a bill was settled with. There is exactly one
// per paid bill.
type Payment struct {
	ID              snowflake.ID `gorm:"primaryKey" json:"id"`
	BillingRecordID snowflake.ID `gorm:"not null;uniqueIndex:ux_payments_billing_record" json:"billing_record_id"`
	PatientID       snowflake.ID `gorm:"not null;index" json:"patient_id"`
	SessionID       *string      `gorm:"type:varchar(64)" json:"session_id,omitempty"`
	Reference       string       `gorm:"type:text;not null" json:"reference"`
	Amount          int64        `gorm:"not null" json:"amount"`
	Currency        string       `gorm:"type:text;not null" json:"currency"`
	PaidAt          time.Time    `gorm:"not null" json:"paid_at"`
	CreatedAt       time.Time    `gorm:"not null" json:"created_at"`
}

func (Payment) TableName() string { return "payments" }

// Settlement is the outcome of a successful settle.
type Settlement struct {
	Bill           billingdomain.BillingRecord `json:"bill"`
	Payment        Payment                     `json:"payment"`
	SettledItemIDs []snowflake.ID              `json:"settled_item_ids"`
	LedgerEntryID  *snowflake.ID               `json:"ledger_entry_id,omitempty"`
}
