package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/medibill/internal/billing/domain"
	"github.com/smallbiznis/medibill/internal/clock"
	"github.com/smallbiznis/medibill/internal/events"
	ledgerdomain "github.com/smallbiznis/medibill/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/medibill/internal/observability/metrics"
	settlementdomain "github.com/smallbiznis/medibill/internal/settlement/domain"
	usagedomain "github.com/smallbiznis/medibill/internal/usage/domain"
	"github.com/smallbiznis/medibill/pkg/db"
	"github.com/smallbiznis/medibill/pkg/log/ctxlogger"
	"github.com/smallbiznis/medibill/pkg/money"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	outcomeSettled    = "settled"
	outcomeConcurrent = "concurrent"
	outcomeSuperseded = "superseded"
	outcomeRejected   = "rejected"
	outcomeError      = "error"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       settlementdomain.Repository
	BillRepo   billingdomain.Repository
	UsageRepo  usagedomain.Repository
	LedgerSvc  ledgerdomain.Service
	Outbox     *events.Outbox      `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       settlementdomain.Repository
	billRepo   billingdomain.Repository
	usageRepo  usagedomain.Repository
	ledgerSvc  ledgerdomain.Service
	outbox     *events.Outbox
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) settlementdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("settlement.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		billRepo:   p.BillRepo,
		usageRepo:  p.UsageRepo,
		ledgerSvc:  p.LedgerSvc,
		outbox:     p.Outbox,
		obsMetrics: p.ObsMetrics,
	}
}

// Settle applies every effect in one transaction. When the bill is no longer
// unpaid nothing is written.
func (s *Service) Settle(ctx context.Context, req settlementdomain.SettleRequest) (*settlementdomain.Settlement, error) {
	started := time.Now()
	if req.BillID == 0 {
		return nil, settlementdomain.ErrInvalidBill
	}
	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		return nil, settlementdomain.ErrInvalidReference
	}

	ctx = ctxlogger.ContextWithBillID(ctx, req.BillID.String())
	log := ctxlogger.WithContext(ctx, s.log)

	now := s.clock.Now()
	var result settlementdomain.Settlement
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		affected, err := s.billRepo.MarkPaid(ctx, tx, req.BillID, req.Amount, reference, now)
		if err != nil {
			return err
		}
		if affected == 0 {
			return s.classifyLostTransition(ctx, tx, req)
		}

		bill, err := s.billRepo.FindByID(ctx, tx, req.BillID)
		if err != nil {
			return err
		}
		if bill == nil {
			return settlementdomain.ErrBillNotFound
		}
		items, err := s.billRepo.ListItems(ctx, tx, bill.ID)
		if err != nil {
			return err
		}

		ids := make([]snowflake.ID, 0, len(items))
		for _, item := range items {
			ids = append(ids, item.UsageTransactionID)
		}
		settled, err := s.usageRepo.MarkSettled(ctx, tx, ids, bill.ID, now)
		if err != nil {
			return err
		}
		if settled != int64(len(ids)) {
			return settlementdomain.ErrLineItemAlreadySettled
		}

		payment := settlementdomain.Payment{
			ID:              s.genID.Generate(),
			BillingRecordID: bill.ID,
			PatientID:       bill.PatientID,
			Reference:       reference,
			Amount:          bill.Amount,
			Currency:        bill.Currency,
			PaidAt:          now,
			CreatedAt:       now,
		}
		if sid := strings.TrimSpace(req.SessionID); sid != "" {
			payment.SessionID = &sid
		}
		if err := s.repo.InsertPayment(ctx, tx, &payment); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return settlementdomain.ErrConcurrentSettlement
			}
			return err
		}

		var entryID *snowflake.ID
		if bill.Amount > 0 {
			entry, err := s.ledgerSvc.PostTx(ctx, tx, ledgerdomain.PostEntryRequest{
				SourceType: ledgerdomain.SourceTypeBillSettlement,
				SourceID:   bill.ID,
				Currency:   bill.Currency,
				OccurredAt: now,
				Lines:      settlementLines(bill.Amount, items),
			})
			if err != nil {
				return err
			}
			entryID = &entry.ID
		}

		if s.outbox != nil {
			if err := s.outbox.PublishTx(ctx, tx, events.Event{
				Type: events.EventBillSettled,
				Payload: map[string]any{
					"billing_record_id": bill.ID.String(),
					"patient_id":        bill.PatientID.String(),
					"amount":            money.Format(bill.Amount),
					"currency":          bill.Currency,
					"reference":         reference,
				},
				DedupeKey: events.EventBillSettled + ":" + bill.ID.String(),
			}); err != nil {
				return err
			}
		}

		result = settlementdomain.Settlement{
			Bill:           *bill,
			Payment:        payment,
			SettledItemIDs: ids,
			LedgerEntryID:  entryID,
		}
		return nil
	})

	outcome := outcomeFor(err)
	s.obsMetrics.RecordSettlement(ctx, outcome, time.Since(started))
	if err != nil {
		if outcome == outcomeError {
			log.Error("settlement failed", zap.Error(err))
		} else {
			log.Info("settlement not applied", zap.String("outcome", outcome), zap.Error(err))
		}
		return nil, err
	}

	log.Info("bill settled",
		zap.Int64("amount", result.Bill.Amount),
		zap.Int("item_count", len(result.SettledItemIDs)),
	)
	return &result, nil
}

func (s *Service) GetPayment(ctx context.Context, billID snowflake.ID) (*settlementdomain.Payment, error) {
	payment, err := s.repo.FindByBill(ctx, s.db, billID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, settlementdomain.ErrPaymentNotFound
	}
	return payment, nil
}

// classifyLostTransition explains why the unpaid->paid update matched no row.
func (s *Service) classifyLostTransition(ctx context.Context, tx *gorm.DB, req settlementdomain.SettleRequest) error {
	bill, err := s.billRepo.FindByID(ctx, tx, req.BillID)
	if err != nil {
		return err
	}
	switch {
	case bill == nil:
		return settlementdomain.ErrBillNotFound
	case bill.Status == billingdomain.BillStatusPaid:
		return settlementdomain.ErrConcurrentSettlement
	case bill.Status == billingdomain.BillStatusSuperseded:
		return settlementdomain.ErrBillSuperseded
	case bill.Amount != req.Amount:
		return settlementdomain.ErrAmountMismatch
	default:
		return settlementdomain.ErrConcurrentSettlement
	}
}

// settlementLines debits cash for the bill total and credits revenue split by
// line kind.
func settlementLines(total int64, items []billingdomain.BillingRecordItem) []ledgerdomain.PostingLine {
	var itemRevenue, serviceRevenue int64
	for _, item := range items {
		if item.Kind == string(usagedomain.KindService) {
			serviceRevenue += item.Amount
		} else {
			itemRevenue += item.Amount
		}
	}
	return []ledgerdomain.PostingLine{
		{Account: ledgerdomain.AccountCodeCash, Direction: ledgerdomain.LedgerEntryDirectionDebit, Amount: total},
		{Account: ledgerdomain.AccountCodeRevenueItems, Direction: ledgerdomain.LedgerEntryDirectionCredit, Amount: itemRevenue},
		{Account: ledgerdomain.AccountCodeRevenueServices, Direction: ledgerdomain.LedgerEntryDirectionCredit, Amount: serviceRevenue},
	}
}

func outcomeFor(err error) string {
	switch {
	case err == nil:
		return outcomeSettled
	case errors.Is(err, settlementdomain.ErrConcurrentSettlement):
		return outcomeConcurrent
	case errors.Is(err, settlementdomain.ErrBillSuperseded):
		return outcomeSuperseded
	case errors.Is(err, settlementdomain.ErrBillNotFound),
		errors.Is(err, settlementdomain.ErrAmountMismatch),
		errors.Is(err, settlementdomain.ErrLineItemAlreadySettled):
		return outcomeRejected
	default:
		return outcomeError
	}
}
