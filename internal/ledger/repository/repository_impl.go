package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/medibill/internal/ledger/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() ledgerdomain.Repository {
	return &repo{}
}

func (r *repo) EnsureAccount(ctx context.Context, db *gorm.DB, account *ledgerdomain.LedgerAccount) (*ledgerdomain.LedgerAccount, error) {
	if account == nil {
		return nil, errors.New("missing_ledger_account")
	}
	err := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "code"}}, DoNothing: true}).
		Create(account).Error
	if err != nil {
		return nil, err
	}

	var existing ledgerdomain.LedgerAccount
	if err := db.WithContext(ctx).Where("code = ?", account.Code).First(&existing).Error; err != nil {
		return nil, err
	}
	return &existing, nil
}

func (r *repo) InsertEntry(ctx context.Context, db *gorm.DB, entry *ledgerdomain.LedgerEntry, lines []ledgerdomain.LedgerEntryLine) (bool, error) {
	if entry == nil {
		return false, errors.New("missing_ledger_entry")
	}
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "source_type"}, {Name: "source_id"}},
			DoNothing: true,
		}).
		Create(entry)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	if len(lines) == 0 {
		return true, nil
	}
	if err := db.WithContext(ctx).Create(&lines).Error; err != nil {
		return false, err
	}
	return true, nil
}

func (r *repo) FindEntry(ctx context.Context, db *gorm.DB, sourceType ledgerdomain.LedgerSourceType, sourceID snowflake.ID) (*ledgerdomain.LedgerEntry, error) {
	var entry ledgerdomain.LedgerEntry
	err := db.WithContext(ctx).
		Where("source_type = ? AND source_id = ?", sourceType, sourceID).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (r *repo) ListLines(ctx context.Context, db *gorm.DB, entryID snowflake.ID) ([]ledgerdomain.LedgerEntryLine, error) {
	var lines []ledgerdomain.LedgerEntryLine
	err := db.WithContext(ctx).
		Where("ledger_entry_id = ?", entryID).
		Order("id ASC").
		Find(&lines).Error
	if err != nil {
		return nil, err
	}
	return lines, nil
}

func (r *repo) SumByAccount(ctx context.Context, db *gorm.DB, code ledgerdomain.LedgerAccountCode) (int64, int64, error) {
	var row struct {
		Debits  int64
		Credits int64
	}
	err := db.WithContext(ctx).Raw(
		`SELECT
			COALESCE(SUM(CASE WHEN l.direction = ? THEN l.amount ELSE 0 END), 0) AS debits,
			COALESCE(SUM(CASE WHEN l.direction = ? THEN l.amount ELSE 0 END), 0) AS credits
		 FROM ledger_entry_lines l
		 JOIN ledger_accounts a ON a.id = l.account_id
		 WHERE a.code = ?`,
		ledgerdomain.LedgerEntryDirectionDebit,
		ledgerdomain.LedgerEntryDirectionCredit,
		code,
	).Scan(&row).Error
	if err != nil {
		return 0, 0, err
	}
	return row.Debits, row.Credits, nil
}
