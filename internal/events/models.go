package events

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

const (
	EventBillGenerated = "bill.generated"
	EventBillSettled   = "bill.settled"
)

// OutboxEvent is a domain event waiting to be relayed to the broker.
type OutboxEvent struct {
	ID          snowflake.ID      `gorm:"primaryKey" json:"id"`
	EventType   string            `gorm:"type:varchar(64);not null;index" json:"event_type"`
	Payload     datatypes.JSONMap `gorm:"not null" json:"payload"`
	DedupeKey   *string           `gorm:"type:varchar(191);uniqueIndex:ux_outbox_events_dedupe" json:"dedupe_key,omitempty"`
	Published   bool              `gorm:"not null;default:false;index" json:"published"`
	PublishedAt *time.Time        `json:"published_at,omitempty"`
	Attempts    int               `gorm:"not null;default:0" json:"attempts"`
	LastError   *string           `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt   time.Time         `gorm:"not null" json:"created_at"`
}

func (OutboxEvent) TableName() string { return "outbox_events" }
