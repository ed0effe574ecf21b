// Package domain contains the persisted usage ledger that bills are built from.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Kind string

const (
	KindItem    Kind = "item"
	KindService Kind = "service"
)

// UsageTransaction is one consumed inventory item or rendered service.
// Settled only ever moves from false to true, and rows are never deleted.
type UsageTransaction struct {
	ID             snowflake.ID  `gorm:"primaryKey" json:"id"`
	PatientID      snowflake.ID  `gorm:"not null;index:idx_usage_patient_settled,priority:1;uniqueIndex:ux_usage_patient_idempotency,priority:1" json:"patient_id"`
	Kind           Kind          `gorm:"type:text;not null" json:"kind"`
	Name           string        `gorm:"type:text;not null" json:"name"`
	UnitCost       int64         `gorm:"not null" json:"unit_cost"`
	Quantity       int64         `gorm:"not null" json:"quantity"`
	OccurredAt     time.Time     `gorm:"not null" json:"occurred_at"`
	Settled        bool          `gorm:"not null;default:false;index:idx_usage_patient_settled,priority:2" json:"settled"`
	SettledAt      *time.Time    `json:"settled_at,omitempty"`
	SettledBillID  *snowflake.ID `json:"settled_bill_id,omitempty"`
	IdempotencyKey *string       `gorm:"type:varchar(128);uniqueIndex:ux_usage_patient_idempotency,priority:2" json:"idempotency_key,omitempty"`
	CreatedAt      time.Time     `gorm:"not null" json:"created_at"`
}

func (UsageTransaction) TableName() string { return "usage_transactions" }

// Amount returns UnitCost * Quantity in minor units.
func (u UsageTransaction) Amount() int64 {
	return u.UnitCost * u.Quantity
}
