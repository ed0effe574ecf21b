package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/medibill/internal/billing/domain"
	"github.com/smallbiznis/medibill/internal/clock"
	"github.com/smallbiznis/medibill/internal/config"
	"github.com/smallbiznis/medibill/internal/events"
	obsmetrics "github.com/smallbiznis/medibill/internal/observability/metrics"
	patientdomain "github.com/smallbiznis/medibill/internal/patient/domain"
	usagedomain "github.com/smallbiznis/medibill/internal/usage/domain"
	"github.com/smallbiznis/medibill/pkg/db"
	"github.com/smallbiznis/medibill/pkg/db/pagination"
	"github.com/smallbiznis/medibill/pkg/log/ctxlogger"
	"github.com/smallbiznis/medibill/pkg/money"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// generateAttempts bounds GenerateBill to one retry after losing a race.
	generateAttempts = 2
	defaultPageSize  = 20
	maxPageSize      = 100
)

// errStaleCandidates means the candidate set changed between the read and the
// write transaction, usually because the prior bill was settled concurrently.
var errStaleCandidates = errors.New("stale_candidates")

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	PaymentConfig *config.PaymentConfigHolder
	Repo          billingdomain.Repository
	PatientSvc    patientdomain.Service
	UsageSvc      usagedomain.Service
	UsageRepo     usagedomain.Repository
	Outbox        *events.Outbox      `optional:"true"`
	ObsMetrics    *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	paymentConfig *config.PaymentConfigHolder
	repo          billingdomain.Repository
	patientSvc    patientdomain.Service
	usageSvc      usagedomain.Service
	usageRepo     usagedomain.Repository
	outbox        *events.Outbox
	obsMetrics    *obsmetrics.Metrics
}

func NewService(p Params) billingdomain.Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("billing.service"),
		genID:         p.GenID,
		clock:         p.Clock,
		paymentConfig: p.PaymentConfig,
		repo:          p.Repo,
		patientSvc:    p.PatientSvc,
		usageSvc:      p.UsageSvc,
		usageRepo:     p.UsageRepo,
		outbox:        p.Outbox,
		obsMetrics:    p.ObsMetrics,
	}
}

func (s *Service) GenerateBill(ctx context.Context, patientID string) (*billingdomain.BillingRecord, error) {
	ctx = ctxlogger.ContextWithPatientID(ctx, patientID)
	log := ctxlogger.WithContext(ctx, s.log)

	for attempt := 1; attempt <= generateAttempts; attempt++ {
		candidates, err := s.usageSvc.CandidateTransactions(ctx, patientID)
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			return nil, billingdomain.ErrNoBillableItems
		}

		bill, items, err := s.buildBill(candidates)
		if err != nil {
			return nil, err
		}
		ids := make([]snowflake.ID, 0, len(items))
		for _, item := range items {
			ids = append(ids, item.UsageTransactionID)
		}

		var supersededID snowflake.ID
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			current, err := s.repo.FindUnpaidByPatient(ctx, tx, bill.PatientID)
			if err != nil {
				return err
			}
			if current != nil {
				affected, err := s.repo.Supersede(ctx, tx, current.ID, bill.ID, bill.CreatedAt)
				if err != nil {
					return err
				}
				if affected == 0 {
					return errStaleCandidates
				}
				supersededID = current.ID
			}

			unsettled, err := s.usageRepo.CountUnsettled(ctx, tx, ids)
			if err != nil {
				return err
			}
			if unsettled != int64(len(ids)) {
				return errStaleCandidates
			}

			if err := s.repo.Insert(ctx, tx, bill, items); err != nil {
				if db.IsDuplicateKeyErr(err) {
					return errStaleCandidates
				}
				return err
			}

			if s.outbox == nil {
				return nil
			}
			payload := map[string]any{
				"billing_record_id": bill.ID.String(),
				"patient_id":        bill.PatientID.String(),
				"amount":            money.Format(bill.Amount),
				"currency":          bill.Currency,
				"item_count":        bill.ItemCount,
			}
			if supersededID != 0 {
				payload["superseded_billing_record_id"] = supersededID.String()
			}
			return s.outbox.PublishTx(ctx, tx, events.Event{
				Type:      events.EventBillGenerated,
				Payload:   payload,
				DedupeKey: events.EventBillGenerated + ":" + bill.ID.String(),
			})
		})

		switch {
		case err == nil:
			s.obsMetrics.RecordBillGenerated(ctx, supersededID != 0)
			fields := []zap.Field{
				zap.String("billing_record_id", bill.ID.String()),
				zap.Int64("amount", bill.Amount),
				zap.Int("item_count", bill.ItemCount),
			}
			if supersededID != 0 {
				fields = append(fields, zap.String("superseded_billing_record_id", supersededID.String()))
			}
			log.Info("bill generated", fields...)
			return bill, nil
		case errors.Is(err, errStaleCandidates), db.IsRetryableTxErr(err):
			log.Warn("bill generation raced with another writer, re-reading candidates", zap.Int("attempt", attempt))
			continue
		default:
			return nil, err
		}
	}

	return nil, billingdomain.ErrConcurrentBillUpdate
}

func (s *Service) GetBill(ctx context.Context, id string) (*billingdomain.BillingRecord, error) {
	billID, err := parseID(id, billingdomain.ErrInvalidBill)
	if err != nil {
		return nil, err
	}
	bill, err := s.repo.FindByID(ctx, s.db, billID)
	if err != nil {
		return nil, err
	}
	if bill == nil {
		return nil, billingdomain.ErrBillNotFound
	}
	return bill, nil
}

func (s *Service) GetStatement(ctx context.Context, id string) (*billingdomain.Statement, error) {
	bill, err := s.GetBill(ctx, id)
	if err != nil {
		return nil, err
	}
	items, err := s.repo.ListItems(ctx, s.db, bill.ID)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []billingdomain.BillingRecordItem{}
	}
	return &billingdomain.Statement{Bill: *bill, Items: items}, nil
}

func (s *Service) ListBills(ctx context.Context, req billingdomain.ListBillsRequest) (billingdomain.ListBillsResponse, error) {
	patientID, err := parseID(req.PatientID, usagedomain.ErrInvalidPatient)
	if err != nil {
		return billingdomain.ListBillsResponse{}, err
	}
	exists, err := s.patientSvc.Exists(ctx, patientID.String())
	if err != nil {
		return billingdomain.ListBillsResponse{}, err
	}
	if !exists {
		return billingdomain.ListBillsResponse{}, patientdomain.ErrPatientNotFound
	}

	status := billingdomain.BillStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	switch status {
	case "", billingdomain.BillStatusUnpaid, billingdomain.BillStatusPaid, billingdomain.BillStatusSuperseded:
	default:
		return billingdomain.ListBillsResponse{}, billingdomain.ErrInvalidStatus
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	pageSize = min(pageSize, maxPageSize)

	filter := billingdomain.ListFilter{
		PatientID: patientID,
		Status:    status,
		Limit:     pageSize + 1,
	}
	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return billingdomain.ListBillsResponse{}, err
		}
		beforeID, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return billingdomain.ListBillsResponse{}, pagination.ErrInvalidPageToken
		}
		filter.BeforeID = beforeID
	}

	bills, err := s.repo.List(ctx, s.db, filter)
	if err != nil {
		return billingdomain.ListBillsResponse{}, err
	}
	bills, pageInfo, err := pagination.Trim(bills, pageSize, func(bill billingdomain.BillingRecord) pagination.Cursor {
		return pagination.Cursor{ID: bill.ID.String(), CreatedAt: bill.CreatedAt.Format(time.RFC3339)}
	})
	if err != nil {
		return billingdomain.ListBillsResponse{}, err
	}
	if bills == nil {
		bills = []billingdomain.BillingRecord{}
	}
	return billingdomain.ListBillsResponse{PageInfo: pageInfo, Bills: bills}, nil
}

func (s *Service) CurrentUnpaidBill(ctx context.Context, patientID string) (*billingdomain.BillingRecord, error) {
	id, err := parseID(patientID, usagedomain.ErrInvalidPatient)
	if err != nil {
		return nil, err
	}
	bill, err := s.repo.FindUnpaidByPatient(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if bill == nil {
		return nil, billingdomain.ErrBillNotFound
	}
	return bill, nil
}

func (s *Service) buildBill(candidates []usagedomain.UsageTransaction) (*billingdomain.BillingRecord, []billingdomain.BillingRecordItem, error) {
	bill := &billingdomain.BillingRecord{
		ID:        s.genID.Generate(),
		PatientID: candidates[0].PatientID,
		Currency:  s.paymentConfig.Get().Currency,
		Status:    billingdomain.BillStatusUnpaid,
		ItemCount: len(candidates),
		CreatedAt: s.clock.Now(),
	}

	items := make([]billingdomain.BillingRecordItem, 0, len(candidates))
	var total int64
	for _, tx := range candidates {
		amount, err := money.LineAmount(tx.UnitCost, tx.Quantity)
		if err != nil {
			return nil, nil, billingdomain.ErrAmountOverflow
		}
		total, err = money.Add(total, amount)
		if err != nil {
			return nil, nil, billingdomain.ErrAmountOverflow
		}
		items = append(items, billingdomain.BillingRecordItem{
			BillingRecordID:    bill.ID,
			UsageTransactionID: tx.ID,
			Kind:               string(tx.Kind),
			Name:               tx.Name,
			UnitCost:           tx.UnitCost,
			Quantity:           tx.Quantity,
			Amount:             amount,
			OccurredAt:         tx.OccurredAt,
		})
	}
	bill.Amount = total
	return bill, items, nil
}

func parseID(value string, invalidErr error) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, invalidErr
	}
	return id, nil
}
