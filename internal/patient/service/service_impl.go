package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	"github.com/smallbiznis/medibill/internal/clock"
	patientdomain "github.com/smallbiznis/medibill/internal/patient/domain"
	"github.com/smallbiznis/medibill/pkg/db"
	"github.com/smallbiznis/medibill/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Validate *validator.Validate
}

type Service struct {
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	validate *validator.Validate
	repo     repository.Repository[patientdomain.Patient]
}

func NewService(p Params) patientdomain.Service {
	return &Service{
		log:      p.Log.Named("patient.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		validate: p.Validate,
		repo:     repository.ProvideStore[patientdomain.Patient](p.DB),
	}
}

func (s *Service) Get(ctx context.Context, id string) (*patientdomain.Patient, error) {
	patientID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil || patientID == 0 {
		return nil, patientdomain.ErrInvalidPatient
	}

	item, err := s.repo.FindOne(ctx, &patientdomain.Patient{ID: patientID})
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, patientdomain.ErrPatientNotFound
	}
	return item, nil
}

func (s *Service) Exists(ctx context.Context, id string) (bool, error) {
	patientID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil || patientID == 0 {
		return false, patientdomain.ErrInvalidPatient
	}

	count, err := s.repo.Count(ctx, &patientdomain.Patient{ID: patientID})
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Service) Register(ctx context.Context, req patientdomain.RegisterRequest) (*patientdomain.Patient, error) {
	req.MedicalRecordNo = strings.TrimSpace(req.MedicalRecordNo)
	req.FullName = strings.TrimSpace(req.FullName)
	if err := s.validate.StructCtx(ctx, req); err != nil {
		return nil, patientdomain.ErrInvalidPatient
	}

	item := &patientdomain.Patient{
		ID:              s.genID.Generate(),
		MedicalRecordNo: req.MedicalRecordNo,
		FullName:        req.FullName,
		CreatedAt:       s.clock.Now(),
	}
	if err := s.repo.Create(ctx, item); err != nil {
		if db.IsDuplicateKeyErr(err) {
			existing, findErr := s.repo.FindOne(ctx, &patientdomain.Patient{MedicalRecordNo: req.MedicalRecordNo})
			if findErr != nil {
				return nil, findErr
			}
			if existing != nil {
				return existing, nil
			}
		}
		return nil, err
	}

	s.log.Info("patient registered", zap.String("patient_id", item.ID.String()))
	return item, nil
}
