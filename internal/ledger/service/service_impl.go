package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/medibill/internal/clock"
	ledgerdomain "github.com/smallbiznis/medibill/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/medibill/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       ledgerdomain.Repository
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       ledgerdomain.Repository
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		obsMetrics: p.ObsMetrics,
	}
}

// PostTx writes the entry on tx. Posting the same source twice returns the
// existing entry without adding lines.
func (s *Service) PostTx(ctx context.Context, tx *gorm.DB, req ledgerdomain.PostEntryRequest) (*ledgerdomain.LedgerEntry, error) {
	sourceType := ledgerdomain.LedgerSourceType(strings.TrimSpace(string(req.SourceType)))
	if sourceType == "" {
		return nil, ledgerdomain.ErrInvalidSourceType
	}
	if req.SourceID == 0 {
		return nil, ledgerdomain.ErrInvalidSourceID
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		return nil, ledgerdomain.ErrInvalidCurrency
	}
	if req.OccurredAt.IsZero() {
		return nil, ledgerdomain.ErrInvalidOccurredAt
	}

	normalized := make([]ledgerdomain.PostingLine, 0, len(req.Lines))
	for _, line := range req.Lines {
		code := ledgerdomain.LedgerAccountCode(strings.TrimSpace(string(line.Account)))
		if code == "" {
			return nil, ledgerdomain.ErrInvalidAccount
		}
		direction, err := normalizeDirection(line.Direction)
		if err != nil {
			return nil, err
		}
		if line.Amount == 0 {
			continue
		}
		normalized = append(normalized, ledgerdomain.PostingLine{
			Account:   code,
			Direction: direction,
			Amount:    line.Amount,
		})
	}
	if err := ledgerdomain.ValidateBalanced(normalized); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	entry := &ledgerdomain.LedgerEntry{
		ID:         s.genID.Generate(),
		SourceType: sourceType,
		SourceID:   req.SourceID,
		Currency:   currency,
		OccurredAt: req.OccurredAt.UTC(),
		CreatedAt:  now,
	}

	accounts := make(map[ledgerdomain.LedgerAccountCode]snowflake.ID, len(normalized))
	lines := make([]ledgerdomain.LedgerEntryLine, 0, len(normalized))
	for _, line := range normalized {
		accountID, ok := accounts[line.Account]
		if !ok {
			account, err := s.repo.EnsureAccount(ctx, tx, &ledgerdomain.LedgerAccount{
				ID:        s.genID.Generate(),
				Code:      line.Account,
				Name:      ledgerdomain.AccountName(line.Account),
				CreatedAt: now,
			})
			if err != nil {
				return nil, err
			}
			accountID = account.ID
			accounts[line.Account] = accountID
		}
		lines = append(lines, ledgerdomain.LedgerEntryLine{
			ID:            s.genID.Generate(),
			LedgerEntryID: entry.ID,
			AccountID:     accountID,
			Direction:     line.Direction,
			Amount:        line.Amount,
			CreatedAt:     now,
		})
	}

	inserted, err := s.repo.InsertEntry(ctx, tx, entry, lines)
	if err != nil {
		return nil, err
	}
	if !inserted {
		s.log.Info("ledger entry already posted",
			zap.String("source_type", string(sourceType)),
			zap.String("source_id", req.SourceID.String()),
		)
		return s.repo.FindEntry(ctx, tx, sourceType, req.SourceID)
	}

	s.obsMetrics.RecordLedgerEntry(ctx, string(sourceType))
	return entry, nil
}

func (s *Service) EntryForSource(ctx context.Context, sourceType ledgerdomain.LedgerSourceType, sourceID snowflake.ID) (*ledgerdomain.LedgerEntry, []ledgerdomain.LedgerEntryLine, error) {
	entry, err := s.repo.FindEntry(ctx, s.db, sourceType, sourceID)
	if err != nil {
		return nil, nil, err
	}
	if entry == nil {
		return nil, nil, ledgerdomain.ErrEntryNotFound
	}
	lines, err := s.repo.ListLines(ctx, s.db, entry.ID)
	if err != nil {
		return nil, nil, err
	}
	return entry, lines, nil
}

// Balance returns debits minus credits for the account.
func (s *Service) Balance(ctx context.Context, code ledgerdomain.LedgerAccountCode) (int64, error) {
	debits, credits, err := s.repo.SumByAccount(ctx, s.db, code)
	if err != nil {
		return 0, err
	}
	return debits - credits, nil
}

func normalizeDirection(direction ledgerdomain.LedgerEntryDirection) (ledgerdomain.LedgerEntryDirection, error) {
	normalized := strings.ToLower(strings.TrimSpace(string(direction)))
	switch normalized {
	case string(ledgerdomain.LedgerEntryDirectionDebit):
		return ledgerdomain.LedgerEntryDirectionDebit, nil
	case string(ledgerdomain.LedgerEntryDirectionCredit):
		return ledgerdomain.LedgerEntryDirectionCredit, nil
	default:
		return "", ledgerdomain.ErrInvalidLineDirection
	}
}
