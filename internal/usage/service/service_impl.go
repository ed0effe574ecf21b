package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	"github.com/smallbiznis/medibill/internal/clock"
	obsmetrics "github.com/smallbiznis/medibill/internal/observability/metrics"
	patientdomain "github.com/smallbiznis/medibill/internal/patient/domain"
	usagedomain "github.com/smallbiznis/medibill/internal/usage/domain"
	"github.com/smallbiznis/medibill/pkg/db/pagination"
	"github.com/smallbiznis/medibill/pkg/log/ctxlogger"
	"github.com/smallbiznis/medibill/pkg/money"
	"github.com/smallbiznis/medibill/pkg/validation"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Validate   *validator.Validate
	Repo       usagedomain.Repository
	PatientSvc patientdomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID      *snowflake.Node
	clock      clock.Clock
	validate   *validator.Validate
	repo       usagedomain.Repository
	patientSvc patientdomain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewService(p ServiceParam) usagedomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("usage.service"),

		genID:      p.GenID,
		clock:      p.Clock,
		validate:   p.Validate,
		repo:       p.Repo,
		patientSvc: p.PatientSvc,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Record(ctx context.Context, req usagedomain.RecordUsageRequest) (*usagedomain.UsageTransaction, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Kind = strings.ToLower(strings.TrimSpace(req.Kind))
	if err := s.validate.StructCtx(ctx, req); err != nil {
		return nil, mapValidationError(err)
	}

	patientID, err := s.ensurePatient(ctx, req.PatientID)
	if err != nil {
		return nil, err
	}

	unitCost, err := money.ParseRounded(req.UnitCost)
	if err != nil {
		return nil, usagedomain.ErrInvalidUnitCost
	}
	if _, err := money.LineAmount(unitCost, req.Quantity); err != nil {
		return nil, usagedomain.ErrInvalidQuantity
	}

	idempotencyKey := normalizeIdempotencyKey(req.IdempotencyKey)
	if idempotencyKey != nil {
		existing, err := s.repo.FindByIdempotencyKey(ctx, s.db, patientID, *idempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			s.obsMetrics.RecordUsage(ctx, string(existing.Kind), true)
			return existing, nil
		}
	}

	now := s.clock.Now()
	item := &usagedomain.UsageTransaction{
		ID:             s.genID.Generate(),
		PatientID:      patientID,
		Kind:           usagedomain.Kind(req.Kind),
		Name:           req.Name,
		UnitCost:       unitCost,
		Quantity:       req.Quantity,
		OccurredAt:     req.OccurredAt.UTC(),
		Settled:        false,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
	}

	inserted, err := s.repo.Insert(ctx, s.db, item)
	if err != nil {
		return nil, err
	}
	if !inserted && idempotencyKey != nil {
		existing, err := s.repo.FindByIdempotencyKey(ctx, s.db, patientID, *idempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			s.obsMetrics.RecordUsage(ctx, string(existing.Kind), true)
			return existing, nil
		}
		return nil, errors.New("usage_idempotency_conflict")
	}

	s.obsMetrics.RecordUsage(ctx, req.Kind, false)
	ctxlogger.WithContext(ctx, s.log).Debug("usage recorded",
		zap.String("usage_transaction_id", item.ID.String()),
		zap.String("patient_id", patientID.String()),
		zap.String("kind", req.Kind),
	)
	return item, nil
}

func (s *Service) CandidateTransactions(ctx context.Context, patientID string) ([]usagedomain.UsageTransaction, error) {
	id, err := s.ensurePatient(ctx, patientID)
	if err != nil {
		return nil, err
	}

	items, err := s.repo.ListUnsettled(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []usagedomain.UsageTransaction{}
	}
	return items, nil
}

func (s *Service) ListByPatient(ctx context.Context, req usagedomain.ListUsageRequest) (usagedomain.ListUsageResponse, error) {
	patientID, err := s.ensurePatient(ctx, req.PatientID)
	if err != nil {
		return usagedomain.ListUsageResponse{}, err
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	pageSize = min(pageSize, maxPageSize)

	filter := usagedomain.ListFilter{
		PatientID: patientID,
		Settled:   req.Settled,
		Limit:     pageSize + 1,
	}
	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return usagedomain.ListUsageResponse{}, err
		}
		afterID, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return usagedomain.ListUsageResponse{}, pagination.ErrInvalidPageToken
		}
		filter.AfterID = afterID
	}

	items, err := s.repo.ListByPatient(ctx, s.db, filter)
	if err != nil {
		return usagedomain.ListUsageResponse{}, err
	}

	items, pageInfo, err := pagination.Trim(items, pageSize, func(item usagedomain.UsageTransaction) pagination.Cursor {
		return pagination.Cursor{ID: item.ID.String(), CreatedAt: item.CreatedAt.Format(time.RFC3339)}
	})
	if err != nil {
		return usagedomain.ListUsageResponse{}, err
	}
	if items == nil {
		items = []usagedomain.UsageTransaction{}
	}

	return usagedomain.ListUsageResponse{PageInfo: pageInfo, Transactions: items}, nil
}

func (s *Service) GetByIDs(ctx context.Context, ids []snowflake.ID) ([]usagedomain.UsageTransaction, error) {
	return s.repo.FindByIDs(ctx, s.db, ids)
}

func (s *Service) ensurePatient(ctx context.Context, value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, usagedomain.ErrInvalidPatient
	}
	exists, err := s.patientSvc.Exists(ctx, value)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, usagedomain.ErrPatientNotFound
	}
	return id, nil
}

func mapValidationError(err error) error {
	field, _, ok := validation.FirstViolation(err)
	if !ok {
		return usagedomain.ErrInvalidUsage
	}
	switch field {
	case "patient_id":
		return usagedomain.ErrInvalidPatient
	case "kind":
		return usagedomain.ErrInvalidKind
	case "name":
		return usagedomain.ErrInvalidName
	case "unit_cost":
		return usagedomain.ErrInvalidUnitCost
	case "quantity":
		return usagedomain.ErrInvalidQuantity
	case "occurred_at":
		return usagedomain.ErrInvalidOccurredAt
	default:
		return usagedomain.ErrInvalidUsage
	}
}

func normalizeIdempotencyKey(key *string) *string {
	if key == nil {
		return nil
	}
	value := strings.TrimSpace(*key)
	if value == "" {
		return nil
	}
	return &value
}
