package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/medibill/internal/clock"
	patientdomain "github.com/smallbiznis/medibill/internal/patient/domain"
	patientservice "github.com/smallbiznis/medibill/internal/patient/service"
	"github.com/smallbiznis/medibill/internal/testutil"
	usagedomain "github.com/smallbiznis/medibill/internal/usage/domain"
	"github.com/smallbiznis/medibill/internal/usage/repository"
	"github.com/smallbiznis/medibill/pkg/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type usageFixture struct {
	db      *gorm.DB
	clock   *clock.FakeClock
	svc     usagedomain.Service
	repo    usagedomain.Repository
	patient *patientdomain.Patient
}

func newUsageFixture(t *testing.T) usageFixture {
	t.Helper()
	db := testutil.OpenDB(t)
	node := testutil.MustNode(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	validate := validation.New()

	patientSvc := patientservice.NewService(patientservice.Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		Validate: validate,
	})
	patient, err := patientSvc.Register(context.Background(), patientdomain.RegisterRequest{
		MedicalRecordNo: "MRN-0001",
		FullName:        "Juan Dela Cruz",
	})
	require.NoError(t, err)

	repo := repository.Provide()
	svc := NewService(ServiceParam{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      clk,
		Validate:   validate,
		Repo:       repo,
		PatientSvc: patientSvc,
	})
	return usageFixture{db: db, clock: clk, svc: svc, repo: repo, patient: patient}
}

func (f usageFixture) record(t *testing.T, kind, name, unitCost string, qty int64, at time.Time) *usagedomain.UsageTransaction {
	t.Helper()
	item, err := f.svc.Record(context.Background(), usagedomain.RecordUsageRequest{
		PatientID:  f.patient.ID.String(),
		Kind:       kind,
		Name:       name,
		UnitCost:   unitCost,
		Quantity:   qty,
		OccurredAt: at,
	})
	require.NoError(t, err)
	return item
}

func TestRecordParsesUnitCostIntoMinorUnits(t *testing.T) {
	f := newUsageFixture(t)

	item := f.record(t, "item", "Paracetamol 500mg", "12.505", 4, f.clock.Now())

	assert.Equal(t, int64(1251), item.UnitCost)
	assert.Equal(t, int64(5004), item.Amount())
	assert.Equal(t, usagedomain.KindItem, item.Kind)
	assert.False(t, item.Settled)
}

func TestRecordIsIdempotentOnKey(t *testing.T) {
	f := newUsageFixture(t)
	key := "inv-123"
	req := usagedomain.RecordUsageRequest{
		PatientID:      f.patient.ID.String(),
		Kind:           "service",
		Name:           "Consultation",
		UnitCost:       "200",
		Quantity:       1,
		OccurredAt:     f.clock.Now(),
		IdempotencyKey: &key,
	}

	first, err := f.svc.Record(context.Background(), req)
	require.NoError(t, err)
	second, err := f.svc.Record(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	candidates, err := f.svc.CandidateTransactions(context.Background(), f.patient.ID.String())
	require.NoError(t, err)
	assert.Len(t, candidates, 1)
}

func TestRecordRejectsInvalidInput(t *testing.T) {
	f := newUsageFixture(t)
	base := usagedomain.RecordUsageRequest{
		PatientID:  f.patient.ID.String(),
		Kind:       "item",
		Name:       "Gauze",
		UnitCost:   "10.00",
		Quantity:   1,
		OccurredAt: f.clock.Now(),
	}

	cases := []struct {
		name   string
		mutate func(*usagedomain.RecordUsageRequest)
		want   error
	}{
		{"unknown kind", func(r *usagedomain.RecordUsageRequest) { r.Kind = "room" }, usagedomain.ErrInvalidKind},
		{"blank name", func(r *usagedomain.RecordUsageRequest) { r.Name = "  " }, usagedomain.ErrInvalidName},
		{"negative cost", func(r *usagedomain.RecordUsageRequest) { r.UnitCost = "-1" }, usagedomain.ErrInvalidUnitCost},
		{"zero quantity", func(r *usagedomain.RecordUsageRequest) { r.Quantity = 0 }, usagedomain.ErrInvalidQuantity},
		{"missing timestamp", func(r *usagedomain.RecordUsageRequest) { r.OccurredAt = time.Time{} }, usagedomain.ErrInvalidOccurredAt},
		{"malformed patient", func(r *usagedomain.RecordUsageRequest) { r.PatientID = "abc" }, usagedomain.ErrInvalidPatient},
		{"unknown patient", func(r *usagedomain.RecordUsageRequest) { r.PatientID = "42" }, usagedomain.ErrPatientNotFound},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := base
			tc.mutate(&req)
			_, err := f.svc.Record(context.Background(), req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestCandidateTransactionsOrderAndExclusion(t *testing.T) {
	f := newUsageFixture(t)
	start := f.clock.Now()

	late := f.record(t, "service", "X-ray", "800", 1, start.Add(2*time.Hour))
	early := f.record(t, "item", "Syringe", "15", 3, start)
	middle := f.record(t, "item", "Saline", "120", 1, start.Add(time.Hour))

	candidates, err := f.svc.CandidateTransactions(context.Background(), f.patient.ID.String())
	require.NoError(t, err)
	require.Len(t, candidates, 3)
	assert.Equal(t, early.ID, candidates[0].ID)
	assert.Equal(t, middle.ID, candidates[1].ID)
	assert.Equal(t, late.ID, candidates[2].ID)

	affected, err := f.repo.MarkSettled(context.Background(), f.db, []snowflake.ID{early.ID}, 99, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)

	candidates, err = f.svc.CandidateTransactions(context.Background(), f.patient.ID.String())
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	for _, c := range candidates {
		assert.NotEqual(t, early.ID, c.ID)
	}

	again, err := f.repo.MarkSettled(context.Background(), f.db, []snowflake.ID{early.ID}, 100, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(0), again, "settled never flips twice")
}

func TestCandidateTransactionsEmptyAndUnknownPatient(t *testing.T) {
	f := newUsageFixture(t)

	candidates, err := f.svc.CandidateTransactions(context.Background(), f.patient.ID.String())
	require.NoError(t, err)
	assert.NotNil(t, candidates)
	assert.Empty(t, candidates)

	_, err = f.svc.CandidateTransactions(context.Background(), "123456")
	assert.ErrorIs(t, err, usagedomain.ErrPatientNotFound)
}

func TestListByPatientPaginates(t *testing.T) {
	f := newUsageFixture(t)
	for i := 0; i < 5; i++ {
		f.record(t, "item", "Cotton", "1", 1, f.clock.Now().Add(time.Duration(i)*time.Minute))
	}

	first, err := f.svc.ListByPatient(context.Background(), usagedomain.ListUsageRequest{
		PatientID: f.patient.ID.String(),
		PageSize:  3,
	})
	require.NoError(t, err)
	assert.Len(t, first.Transactions, 3)
	assert.True(t, first.HasMore)
	require.NotEmpty(t, first.NextPageToken)

	second, err := f.svc.ListByPatient(context.Background(), usagedomain.ListUsageRequest{
		PatientID: f.patient.ID.String(),
		PageSize:  3,
		PageToken: first.NextPageToken,
	})
	require.NoError(t, err)
	assert.Len(t, second.Transactions, 2)
	assert.False(t, second.HasMore)
}
