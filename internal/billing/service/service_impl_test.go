package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/medibill/internal/billing/domain"
	"github.com/smallbiznis/medibill/internal/billing/repository"
	"github.com/smallbiznis/medibill/internal/clock"
	"github.com/smallbiznis/medibill/internal/config"
	"github.com/smallbiznis/medibill/internal/events"
	patientdomain "github.com/smallbiznis/medibill/internal/patient/domain"
	patientservice "github.com/smallbiznis/medibill/internal/patient/service"
	"github.com/smallbiznis/medibill/internal/testutil"
	usagedomain "github.com/smallbiznis/medibill/internal/usage/domain"
	usagerepository "github.com/smallbiznis/medibill/internal/usage/repository"
	usageservice "github.com/smallbiznis/medibill/internal/usage/service"
	"github.com/smallbiznis/medibill/pkg/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type billingFixture struct {
	db        *gorm.DB
	clock     *clock.FakeClock
	usageSvc  usagedomain.Service
	usageRepo usagedomain.Repository
	repo      billingdomain.Repository
	svc       billingdomain.Service
	patient   *patientdomain.Patient
}

func newBillingFixture(t *testing.T, repo billingdomain.Repository) billingFixture {
	t.Helper()
	db := testutil.OpenDB(t)
	node := testutil.MustNode(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	validate := validation.New()

	patientSvc := patientservice.NewService(patientservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: clk, Validate: validate,
	})
	patient, err := patientSvc.Register(context.Background(), patientdomain.RegisterRequest{
		MedicalRecordNo: "MRN-2001",
		FullName:        "Maria Santos",
	})
	require.NoError(t, err)

	usageRepo := usagerepository.Provide()
	usageSvc := usageservice.NewService(usageservice.ServiceParam{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: clk, Validate: validate,
		Repo: usageRepo, PatientSvc: patientSvc,
	})

	if repo == nil {
		repo = repository.Provide()
	}
	svc := NewService(Params{
		DB:            db,
		Log:           zap.NewNop(),
		GenID:         node,
		Clock:         clk,
		PaymentConfig: config.NewStaticPaymentConfigHolder(config.DefaultPaymentConfig()),
		Repo:          repo,
		PatientSvc:    patientSvc,
		UsageSvc:      usageSvc,
		UsageRepo:     usageRepo,
		Outbox:        events.NewOutbox(db, node, clk),
	})

	return billingFixture{
		db: db, clock: clk, usageSvc: usageSvc, usageRepo: usageRepo,
		repo: repo, svc: svc, patient: patient,
	}
}

func (f billingFixture) record(t *testing.T, kind, name, unitCost string, qty int64) *usagedomain.UsageTransaction {
	t.Helper()
	f.clock.Advance(time.Minute)
	item, err := f.usageSvc.Record(context.Background(), usagedomain.RecordUsageRequest{
		PatientID:  f.patient.ID.String(),
		Kind:       kind,
		Name:       name,
		UnitCost:   unitCost,
		Quantity:   qty,
		OccurredAt: f.clock.Now(),
	})
	require.NoError(t, err)
	return item
}

func (f billingFixture) pay(t *testing.T, bill *billingdomain.BillingRecord) {
	t.Helper()
	ctx := context.Background()
	items, err := f.repo.ListItems(ctx, f.db, bill.ID)
	require.NoError(t, err)
	ids := make([]snowflake.ID, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.UsageTransactionID)
	}
	affected, err := f.repo.MarkPaid(ctx, f.db, bill.ID, bill.Amount, "REF", f.clock.Now())
	require.NoError(t, err)
	require.Equal(t, int64(1), affected)
	settled, err := f.usageRepo.MarkSettled(ctx, f.db, ids, bill.ID, f.clock.Now())
	require.NoError(t, err)
	require.Equal(t, int64(len(ids)), settled)
}

func TestGenerateBillSumsCandidates(t *testing.T) {
	f := newBillingFixture(t, nil)
	f.record(t, "item", "IV set", "300", 1)
	f.record(t, "service", "Consultation", "200", 1)

	bill, err := f.svc.GenerateBill(context.Background(), f.patient.ID.String())
	require.NoError(t, err)

	assert.Equal(t, int64(50000), bill.Amount)
	assert.Equal(t, billingdomain.BillStatusUnpaid, bill.Status)
	assert.Equal(t, 2, bill.ItemCount)
	assert.Equal(t, "PHP", bill.Currency)

	statement, err := f.svc.GetStatement(context.Background(), bill.ID.String())
	require.NoError(t, err)
	require.Len(t, statement.Items, 2)

	var sum int64
	for _, item := range statement.Items {
		sum += item.Amount
		assert.Equal(t, item.UnitCost*item.Quantity, item.Amount)
	}
	assert.Equal(t, statement.Bill.Amount, sum)

	candidates, err := f.usageSvc.CandidateTransactions(context.Background(), f.patient.ID.String())
	require.NoError(t, err)
	assert.Len(t, candidates, 2, "generation never settles usage")
}

func TestGenerateBillWithoutCandidates(t *testing.T) {
	f := newBillingFixture(t, nil)

	_, err := f.svc.GenerateBill(context.Background(), f.patient.ID.String())
	assert.ErrorIs(t, err, billingdomain.ErrNoBillableItems)

	_, err = f.svc.GenerateBill(context.Background(), "987654321")
	assert.ErrorIs(t, err, usagedomain.ErrPatientNotFound)
}

func TestRegenerationSupersedesUnpaidBill(t *testing.T) {
	f := newBillingFixture(t, nil)
	ctx := context.Background()

	f.record(t, "item", "Bandage", "50", 2)
	first, err := f.svc.GenerateBill(ctx, f.patient.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(10000), first.Amount)

	f.record(t, "service", "Wound care", "250", 1)
	second, err := f.svc.GenerateBill(ctx, f.patient.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(35000), second.Amount)
	assert.Equal(t, 2, second.ItemCount)

	old, err := f.svc.GetBill(ctx, first.ID.String())
	require.NoError(t, err)
	assert.Equal(t, billingdomain.BillStatusSuperseded, old.Status)
	require.NotNil(t, old.SupersededBy)
	assert.Equal(t, second.ID, *old.SupersededBy)
	assert.Equal(t, int64(10000), old.Amount, "superseded bills keep their amount")

	current, err := f.svc.CurrentUnpaidBill(ctx, f.patient.ID.String())
	require.NoError(t, err)
	assert.Equal(t, second.ID, current.ID)

	unpaid, err := f.svc.ListBills(ctx, billingdomain.ListBillsRequest{
		PatientID: f.patient.ID.String(),
		Status:    string(billingdomain.BillStatusUnpaid),
	})
	require.NoError(t, err)
	assert.Len(t, unpaid.Bills, 1)
}

func TestRegenerationNeverTouchesPaidBill(t *testing.T) {
	f := newBillingFixture(t, nil)
	ctx := context.Background()

	f.record(t, "item", "Oxygen", "300", 1)
	paid, err := f.svc.GenerateBill(ctx, f.patient.ID.String())
	require.NoError(t, err)
	f.pay(t, paid)

	_, err = f.svc.GenerateBill(ctx, f.patient.ID.String())
	assert.ErrorIs(t, err, billingdomain.ErrNoBillableItems)

	fresh := f.record(t, "service", "Nebulization", "150", 1)
	next, err := f.svc.GenerateBill(ctx, f.patient.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(15000), next.Amount)

	statement, err := f.svc.GetStatement(ctx, next.ID.String())
	require.NoError(t, err)
	require.Len(t, statement.Items, 1)
	assert.Equal(t, fresh.ID, statement.Items[0].UsageTransactionID)

	reloaded, err := f.svc.GetBill(ctx, paid.ID.String())
	require.NoError(t, err)
	assert.Equal(t, billingdomain.BillStatusPaid, reloaded.Status)
	assert.Nil(t, reloaded.SupersededBy)
}

func TestGenerateBillDetectsOverflow(t *testing.T) {
	f := newBillingFixture(t, nil)
	f.record(t, "item", "Implant", "60000000000000000", 1)
	f.record(t, "item", "Implant", "60000000000000000", 1)

	_, err := f.svc.GenerateBill(context.Background(), f.patient.ID.String())
	assert.ErrorIs(t, err, billingdomain.ErrAmountOverflow)
}

// racingRepo reports the first n supersede attempts as lost, as if a payment
// had committed between the read and the compare-and-set.
type racingRepo struct {
	billingdomain.Repository
	lose int
}

func (r *racingRepo) Supersede(ctx context.Context, db *gorm.DB, id, by snowflake.ID, at time.Time) (int64, error) {
	if r.lose > 0 {
		r.lose--
		return 0, nil
	}
	return r.Repository.Supersede(ctx, db, id, by, at)
}

func TestGenerateBillRetriesOnceAfterLostRace(t *testing.T) {
	racing := &racingRepo{Repository: repository.Provide(), lose: 1}
	f := newBillingFixture(t, racing)
	ctx := context.Background()

	f.record(t, "item", "Catheter", "75", 1)
	_, err := f.svc.GenerateBill(ctx, f.patient.ID.String())
	require.NoError(t, err)

	f.record(t, "item", "Catheter", "75", 1)
	racing.lose = 1
	bill, err := f.svc.GenerateBill(ctx, f.patient.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(15000), bill.Amount)

	racing.lose = 2
	f.record(t, "item", "Catheter", "75", 1)
	_, err = f.svc.GenerateBill(ctx, f.patient.ID.String())
	assert.ErrorIs(t, err, billingdomain.ErrConcurrentBillUpdate)

	current, err := f.svc.CurrentUnpaidBill(ctx, f.patient.ID.String())
	require.NoError(t, err)
	assert.Equal(t, bill.ID, current.ID, "failed attempts leave the previous bill in place")
}

func TestListBillsPaginatesNewestFirst(t *testing.T) {
	f := newBillingFixture(t, nil)
	ctx := context.Background()

	var ids []snowflake.ID
	for i := 0; i < 3; i++ {
		f.record(t, "item", "Glove", "5", 1)
		bill, err := f.svc.GenerateBill(ctx, f.patient.ID.String())
		require.NoError(t, err)
		ids = append(ids, bill.ID)
	}

	page, err := f.svc.ListBills(ctx, billingdomain.ListBillsRequest{PatientID: f.patient.ID.String(), PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page.Bills, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, ids[2], page.Bills[0].ID)

	rest, err := f.svc.ListBills(ctx, billingdomain.ListBillsRequest{
		PatientID: f.patient.ID.String(),
		PageSize:  2,
		PageToken: page.NextPageToken,
	})
	require.NoError(t, err)
	require.Len(t, rest.Bills, 1)
	assert.Equal(t, ids[0], rest.Bills[0].ID)

	_, err = f.svc.ListBills(ctx, billingdomain.ListBillsRequest{PatientID: f.patient.ID.String(), Status: "void"})
	assert.ErrorIs(t, err, billingdomain.ErrInvalidStatus)
}

func TestListBillsUnknownPatient(t *testing.T) {
	f := newBillingFixture(t, nil)

	_, err := f.svc.ListBills(context.Background(), billingdomain.ListBillsRequest{PatientID: "123456789"})
	assert.ErrorIs(t, err, usagedomain.ErrPatientNotFound)

	_, err = f.svc.ListBills(context.Background(), billingdomain.ListBillsRequest{PatientID: "abc"})
	assert.ErrorIs(t, err, usagedomain.ErrInvalidPatient)
}

func TestGenerateBillWritesOutboxEvent(t *testing.T) {
	f := newBillingFixture(t, nil)
	f.record(t, "service", "ECG", "450", 1)

	bill, err := f.svc.GenerateBill(context.Background(), f.patient.ID.String())
	require.NoError(t, err)

	var rows []events.OutboxEvent
	require.NoError(t, f.db.Where("event_type = ?", events.EventBillGenerated).Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, bill.ID.String(), rows[0].Payload["billing_record_id"])
	assert.Equal(t, "450.00", rows[0].Payload["amount"])
}

func TestGetBillErrors(t *testing.T) {
	f := newBillingFixture(t, nil)

	_, err := f.svc.GetBill(context.Background(), "not-an-id")
	assert.ErrorIs(t, err, billingdomain.ErrInvalidBill)

	_, err = f.svc.GetBill(context.Background(), "12345")
	assert.ErrorIs(t, err, billingdomain.ErrBillNotFound)

	_, err = f.svc.CurrentUnpaidBill(context.Background(), f.patient.ID.String())
	assert.ErrorIs(t, err, billingdomain.ErrBillNotFound)
}
