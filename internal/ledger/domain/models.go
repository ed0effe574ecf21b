package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// LedgerEntryDirection represents debit or credit postings.
type LedgerEntryDirection string

const (
	LedgerEntryDirectionDebit  LedgerEntryDirection = "debit"
	LedgerEntryDirectionCredit LedgerEntryDirection = "credit"
)

type LedgerSourceType string

const (
	SourceTypeBillSettlement LedgerSourceType = "bill_settlement"
)

type LedgerAccountCode string

const (
	// Assets
	AccountCodeCash LedgerAccountCode = "cash"

	// Revenue
	AccountCodeRevenueItems    LedgerAccountCode = "revenue_items"
	AccountCodeRevenueServices LedgerAccountCode = "revenue_services"
)

var accountNames = map[LedgerAccountCode]string{
	AccountCodeCash:            "Cash",
	AccountCodeRevenueItems:    "Revenue - Items",
	AccountCodeRevenueServices: "Revenue - Services",
}

// AccountName returns the display name for a known account code.
func AccountName(code LedgerAccountCode) string {
	if name, ok := accountNames[code]; ok {
		return name
	}
	return string(code)
}

// LedgerAccount defines a chart-of-accounts entry.
type LedgerAccount struct {
	ID        snowflake.ID      `gorm:"primaryKey" json:"id"`
	Code      LedgerAccountCode `gorm:"type:varchar(64);not null;uniqueIndex:ux_ledger_accounts_code" json:"code"`
	Name      string            `gorm:"type:text;not null" json:"name"`
	CreatedAt time.Time         `gorm:"not null" json:"created_at"`
}

func (LedgerAccount) TableName() string { return "ledger_accounts" }

// LedgerEntry is the immutable header for one financial event. There is at
// most one entry per source.
type LedgerEntry struct {
	ID         snowflake.ID     `gorm:"primaryKey" json:"id"`
	SourceType LedgerSourceType `gorm:"type:varchar(64);not null;uniqueIndex:ux_ledger_entries_source,priority:1" json:"source_type"`
	SourceID   snowflake.ID     `gorm:"not null;uniqueIndex:ux_ledger_entries_source,priority:2" json:"source_id"`
	Currency   string           `gorm:"type:text;not null" json:"currency"`
	OccurredAt time.Time        `gorm:"not null" json:"occurred_at"`
	CreatedAt  time.Time        `gorm:"not null" json:"created_at"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

// LedgerEntryLine is a double-entry posting line.
type LedgerEntryLine struct {
	ID            snowflake.ID         `gorm:"primaryKey" json:"id"`
	LedgerEntryID snowflake.ID         `gorm:"not null;index" json:"ledger_entry_id"`
	AccountID     snowflake.ID         `gorm:"not null;index" json:"account_id"`
	Direction     LedgerEntryDirection `gorm:"type:text;not null" json:"direction"`
	Amount        int64                `gorm:"not null" json:"amount"`
	CreatedAt     time.Time            `gorm:"not null" json:"created_at"`
}

func (LedgerEntryLine) TableName() string { return "ledger_entry_lines" }

// PostingLine is a line as submitted by a caller, addressed by account code.
type PostingLine struct {
	Account   LedgerAccountCode
	Direction LedgerEntryDirection
	Amount    int64
}
