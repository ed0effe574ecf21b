package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type PostEntryRequest struct {
	SourceType LedgerSourceType
	SourceID   snowflake.ID
	Currency   string
	OccurredAt time.Time
	Lines      []PostingLine
}

// Service writes balanced entries. PostTx runs on the caller's transaction so
// the posting commits or rolls back with the business change it records.
type Service interface {
	PostTx(ctx context.Context, tx *gorm.DB, req PostEntryRequest) (*LedgerEntry, error)
	EntryForSource(ctx context.Context, sourceType LedgerSourceType, sourceID snowflake.ID) (*LedgerEntry, []LedgerEntryLine, error)
	Balance(ctx context.Context, code LedgerAccountCode) (int64, error)
}

type Repository interface {
	EnsureAccount(ctx context.Context, db *gorm.DB, account *LedgerAccount) (*LedgerAccount, error)
	InsertEntry(ctx context.Context, db *gorm.DB, entry *LedgerEntry, lines []LedgerEntryLine) (bool, error)
	FindEntry(ctx context.Context, db *gorm.DB, sourceType LedgerSourceType, sourceID snowflake.ID) (*LedgerEntry, error)
	ListLines(ctx context.Context, db *gorm.DB, entryID snowflake.ID) ([]LedgerEntryLine, error)
	SumByAccount(ctx context.Context, db *gorm.DB, code LedgerAccountCode) (debits int64, credits int64, err error)
}

var (
	ErrInvalidSourceType    = errors.New("invalid_source_type")
	ErrInvalidSourceID      = errors.New("invalid_source_id")
	ErrInvalidCurrency      = errors.New("invalid_currency")
	ErrInvalidOccurredAt    = errors.New("invalid_occurred_at")
	ErrInvalidEntryLines    = errors.New("invalid_entry_lines")
	ErrInvalidLineAmount    = errors.New("invalid_line_amount")
	ErrInvalidLineDirection = errors.New("invalid_line_direction")
	ErrInvalidAccount       = errors.New("invalid_account")
	ErrUnbalancedEntry      = errors.New("unbalanced_entry")
	ErrEntryNotFound        = errors.New("ledger_entry_not_found")
)
