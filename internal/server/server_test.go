package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	billingdomain "github.com/smallbiznis/medibill/internal/billing/domain"
	patientdomain "github.com/smallbiznis/medibill/internal/patient/domain"
	paymentdomain "github.com/smallbiznis/medibill/internal/payment/domain"
	paymentservice "github.com/smallbiznis/medibill/internal/payment/service"
	"github.com/smallbiznis/medibill/internal/receipt"
	usagedomain "github.com/smallbiznis/medibill/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type patientMock struct {
	mock.Mock
	patientdomain.Service
}

func (m *patientMock) Get(ctx context.Context, id string) (*patientdomain.Patient, error) {
	args := m.Called(ctx, id)
	out, _ := args.Get(0).(*patientdomain.Patient)
	return out, args.Error(1)
}

func (m *patientMock) Register(ctx context.Context, req patientdomain.RegisterRequest) (*patientdomain.Patient, error) {
	args := m.Called(ctx, req)
	out, _ := args.Get(0).(*patientdomain.Patient)
	return out, args.Error(1)
}

type usageMock struct {
	mock.Mock
	usagedomain.Service
}

func (m *usageMock) Record(ctx context.Context, req usagedomain.RecordUsageRequest) (*usagedomain.UsageTransaction, error) {
	args := m.Called(ctx, req)
	out, _ := args.Get(0).(*usagedomain.UsageTransaction)
	return out, args.Error(1)
}

func (m *usageMock) ListByPatient(ctx context.Context, req usagedomain.ListUsageRequest) (usagedomain.ListUsageResponse, error) {
	args := m.Called(ctx, req)
	out, _ := args.Get(0).(usagedomain.ListUsageResponse)
	return out, args.Error(1)
}

type billingMock struct {
	mock.Mock
	billingdomain.Service
}

func (m *billingMock) GenerateBill(ctx context.Context, patientID string) (*billingdomain.BillingRecord, error) {
	args := m.Called(ctx, patientID)
	out, _ := args.Get(0).(*billingdomain.BillingRecord)
	return out, args.Error(1)
}

func (m *billingMock) GetStatement(ctx context.Context, id string) (*billingdomain.Statement, error) {
	args := m.Called(ctx, id)
	out, _ := args.Get(0).(*billingdomain.Statement)
	return out, args.Error(1)
}

func (m *billingMock) ListBills(ctx context.Context, req billingdomain.ListBillsRequest) (billingdomain.ListBillsResponse, error) {
	args := m.Called(ctx, req)
	out, _ := args.Get(0).(billingdomain.ListBillsResponse)
	return out, args.Error(1)
}

type paymentMock struct {
	mock.Mock
	paymentdomain.Service
}

func (m *paymentMock) Start(ctx context.Context, billID string) (*paymentdomain.SessionView, error) {
	args := m.Called(ctx, billID)
	out, _ := args.Get(0).(*paymentdomain.SessionView)
	return out, args.Error(1)
}

func (m *paymentMock) Get(ctx context.Context, sessionID string) (*paymentdomain.SessionView, error) {
	args := m.Called(ctx, sessionID)
	out, _ := args.Get(0).(*paymentdomain.SessionView)
	return out, args.Error(1)
}

func (m *paymentMock) Advance(ctx context.Context, sessionID string) (*paymentdomain.SessionView, error) {
	args := m.Called(ctx, sessionID)
	out, _ := args.Get(0).(*paymentdomain.SessionView)
	return out, args.Error(1)
}

func (m *paymentMock) SubmitProof(ctx context.Context, sessionID string, req paymentdomain.SubmitProofRequest) (*paymentdomain.SessionView, error) {
	args := m.Called(ctx, sessionID, req)
	out, _ := args.Get(0).(*paymentdomain.SessionView)
	return out, args.Error(1)
}

func (m *paymentMock) Cancel(ctx context.Context, sessionID string) (*paymentdomain.SessionView, error) {
	args := m.Called(ctx, sessionID)
	out, _ := args.Get(0).(*paymentdomain.SessionView)
	return out, args.Error(1)
}

type receiptMock struct {
	mock.Mock
}

func (m *receiptMock) Render(ctx context.Context, billID string) ([]byte, error) {
	args := m.Called(ctx, billID)
	out, _ := args.Get(0).([]byte)
	return out, args.Error(1)
}

type serverFixture struct {
	patients *patientMock
	usage    *usageMock
	billing  *billingMock
	payments *paymentMock
	receipts *receiptMock
	engine   *gin.Engine
}

func newServerFixture() serverFixture {
	gin.SetMode(gin.TestMode)
	f := serverFixture{
		patients: &patientMock{},
		usage:    &usageMock{},
		billing:  &billingMock{},
		payments: &paymentMock{},
		receipts: &receiptMock{},
	}

	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())
	srv := &Server{
		engine:     engine,
		patientSvc: f.patients,
		usageSvc:   f.usage,
		billingSvc: f.billing,
		paymentSvc: f.payments,
		receipts:   f.receipts,
	}
	srv.registerAPIRoutes()
	srv.registerFallback()
	f.engine = engine
	return f
}

func (f serverFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestRecordUsageForwardsRequest(t *testing.T) {
	f := newServerFixture()
	occurred := time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)
	f.usage.On("Record", mock.Anything, mock.MatchedBy(func(req usagedomain.RecordUsageRequest) bool {
		return req.PatientID == "42" && req.Kind == "item" && req.UnitCost == "300.00" && req.Quantity == 1
	})).Return(&usagedomain.UsageTransaction{ID: snowflake.ID(7), PatientID: snowflake.ID(42)}, nil)

	rec := f.do(t, http.MethodPost, "/v1/usage", `{"patient_id":"42","kind":"item","name":"Paracetamol","unit_cost":"300.00","quantity":1,"occurred_at":"`+occurred.Format(time.RFC3339)+`"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"data"`)
	f.usage.AssertExpectations(t)
}

func TestRecordUsageRejectsMalformedBody(t *testing.T) {
	f := newServerFixture()

	rec := f.do(t, http.MethodPost, "/v1/usage", `{"patient_id":`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	payload := decodeError(t, rec)
	assert.Equal(t, "validation_error", payload.Type)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "request", payload.Errors[0].Field)
	f.usage.AssertNotCalled(t, "Record", mock.Anything, mock.Anything)
}

func TestRecordUsageReportsFieldOfDomainError(t *testing.T) {
	f := newServerFixture()
	f.usage.On("Record", mock.Anything, mock.Anything).Return(nil, usagedomain.ErrInvalidUnitCost)

	rec := f.do(t, http.MethodPost, "/v1/usage", `{"patient_id":"42","kind":"item","name":"x","unit_cost":"-1","quantity":1}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	payload := decodeError(t, rec)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "unit_cost", payload.Errors[0].Field)
	assert.Equal(t, "invalid_unit_cost", payload.Errors[0].Code)
}

func TestListPatientUsageParsesSettledFilter(t *testing.T) {
	f := newServerFixture()
	f.usage.On("ListByPatient", mock.Anything, mock.MatchedBy(func(req usagedomain.ListUsageRequest) bool {
		return req.PatientID == "42" && req.Settled != nil && !*req.Settled && req.PageSize == 20
	})).Return(usagedomain.ListUsageResponse{}, nil)

	rec := f.do(t, http.MethodGet, "/v1/patients/42/usage?settled=false", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	f.usage.AssertExpectations(t)

	rec = f.do(t, http.MethodGet, "/v1/patients/42/usage?settled=maybe", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "settled", decodeError(t, rec).Errors[0].Field)
}

func TestGetPatientNotFound(t *testing.T) {
	f := newServerFixture()
	f.patients.On("Get", mock.Anything, "99").Return(nil, patientdomain.ErrPatientNotFound)

	rec := f.do(t, http.MethodGet, "/v1/patients/99", "")

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Type)
}

func TestGenerateBillReturnsStatement(t *testing.T) {
	f := newServerFixture()
	bill := &billingdomain.BillingRecord{ID: snowflake.ID(500), PatientID: snowflake.ID(42), Amount: 50000, Status: billingdomain.BillStatusUnpaid}
	f.billing.On("GenerateBill", mock.Anything, "42").Return(bill, nil)
	f.billing.On("GetStatement", mock.Anything, "500").Return(&billingdomain.Statement{Bill: *bill}, nil)

	rec := f.do(t, http.MethodPost, "/v1/patients/42/bills", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	f.billing.AssertExpectations(t)
}

func TestGenerateBillWithoutUsage(t *testing.T) {
	f := newServerFixture()
	f.billing.On("GenerateBill", mock.Anything, "42").Return(nil, billingdomain.ErrNoBillableItems)

	rec := f.do(t, http.MethodPost, "/v1/patients/42/bills", "")

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "no_billable_items", decodeError(t, rec).Type)
}

func TestGenerateBillConcurrentUpdate(t *testing.T) {
	f := newServerFixture()
	f.billing.On("GenerateBill", mock.Anything, "42").Return(nil, billingdomain.ErrConcurrentBillUpdate)

	rec := f.do(t, http.MethodPost, "/v1/patients/42/bills", "")

	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "concurrent_bill_update", decodeError(t, rec).Type)
}

func TestStartPaymentSessionIsNotCached(t *testing.T) {
	f := newServerFixture()
	f.payments.On("Start", mock.Anything, "500").Return(&paymentdomain.SessionView{RemainingSeconds: 300}, nil)

	rec := f.do(t, http.MethodPost, "/v1/bills/500/payment-sessions", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

func TestStartPaymentSessionConflicts(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		wantType string
	}{
		{name: "paid", err: paymentdomain.ErrAlreadyPaid, wantType: "already_paid"},
		{name: "superseded", err: paymentdomain.ErrBillSuperseded, wantType: "bill_superseded"},
		{name: "active", err: paymentdomain.ErrSessionAlreadyActive, wantType: "session_already_active"},
		{name: "settling", err: paymentdomain.ErrSessionSettling, wantType: "session_settling"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newServerFixture()
			f.payments.On("Start", mock.Anything, "500").Return(nil, tc.err)

			rec := f.do(t, http.MethodPost, "/v1/bills/500/payment-sessions", "")

			require.Equal(t, http.StatusConflict, rec.Code)
			assert.Equal(t, tc.wantType, decodeError(t, rec).Type)
		})
	}
}

func TestSubmitPaymentProofErrors(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
	}{
		{name: "invalid proof", err: paymentdomain.ErrInvalidProof, wantStatus: http.StatusUnprocessableEntity, wantType: "invalid_proof"},
		{name: "expired", err: paymentdomain.ErrSessionExpired, wantStatus: http.StatusGone, wantType: "session_expired"},
		{name: "concurrent", err: paymentdomain.ErrConcurrentSettlement, wantStatus: http.StatusConflict, wantType: "concurrent_settlement"},
		{name: "settling", err: paymentdomain.ErrSessionSettling, wantStatus: http.StatusConflict, wantType: "session_settling"},
		{name: "settled", err: paymentdomain.ErrSessionSettled, wantStatus: http.StatusConflict, wantType: "already_paid"},
		{name: "wrong phase", err: paymentdomain.ErrInvalidPhase, wantStatus: http.StatusConflict, wantType: "invalid_phase"},
		{name: "rate limited", err: paymentservice.ErrTooManyAttempts, wantStatus: http.StatusTooManyRequests, wantType: "too_many_attempts"},
		{name: "unknown session", err: paymentdomain.ErrSessionNotFound, wantStatus: http.StatusNotFound, wantType: "not_found"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newServerFixture()
			f.payments.On("SubmitProof", mock.Anything, "s-1", paymentdomain.SubmitProofRequest{
				Reference: "GC-123",
				Amount:    "1500.00",
			}).Return(nil, tc.err)

			rec := f.do(t, http.MethodPost, "/v1/payment-sessions/s-1/proof", `{"reference":"GC-123","amount":"1500.00"}`)

			require.Equal(t, tc.wantStatus, rec.Code)
			assert.Equal(t, tc.wantType, decodeError(t, rec).Type)
		})
	}
}

func TestPaymentSessionTransitions(t *testing.T) {
	f := newServerFixture()
	view := &paymentdomain.SessionView{Session: paymentdomain.Session{ID: "s-1", Phase: paymentdomain.PhaseVerifying}}
	f.payments.On("Get", mock.Anything, "s-1").Return(view, nil)
	f.payments.On("Advance", mock.Anything, "s-1").Return(view, nil)
	f.payments.On("Cancel", mock.Anything, "s-1").Return(nil, paymentdomain.ErrSessionCancelled)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/payment-sessions/s-1", "").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/payment-sessions/s-1/advance", "").Code)

	rec := f.do(t, http.MethodPost, "/v1/payment-sessions/s-1/cancel", "")
	require.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, "session_cancelled", decodeError(t, rec).Type)
	f.payments.AssertExpectations(t)
}

func TestGetBillReceipt(t *testing.T) {
	f := newServerFixture()
	f.receipts.On("Render", mock.Anything, "500").Return([]byte("%PDF-1.7"), nil)
	f.receipts.On("Render", mock.Anything, "501").Return(nil, receipt.ErrBillNotPaid)

	rec := f.do(t, http.MethodGet, "/v1/bills/500/receipt", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "receipt-500.pdf")

	rec = f.do(t, http.MethodGet, "/v1/bills/501/receipt", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "bill_not_paid", decodeError(t, rec).Type)
}

func TestUnknownRouteIsJSONNotFound(t *testing.T) {
	f := newServerFixture()

	rec := f.do(t, http.MethodGet, "/v1/nope", "")

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Type)
}

func TestClassifyErrorForLog(t *testing.T) {
	kind, code := classifyErrorForLog(paymentdomain.ErrInvalidProof)
	assert.Equal(t, "client", kind)
	assert.Equal(t, "invalid_proof", code)

	kind, code = classifyErrorForLog(context.DeadlineExceeded)
	assert.Equal(t, "server", kind)
	assert.Equal(t, "internal_error", code)
}
