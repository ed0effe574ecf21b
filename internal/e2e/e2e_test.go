package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/medibill/internal/clock"
	"github.com/smallbiznis/medibill/internal/config"
	"github.com/smallbiznis/medibill/internal/events"
	"github.com/smallbiznis/medibill/internal/observability"
	"github.com/smallbiznis/medibill/internal/scheduler"
	"github.com/smallbiznis/medibill/internal/server"
	"github.com/smallbiznis/medibill/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testEnv struct {
	baseURL   string
	db        *gorm.DB
	clock     *clock.FakeClock
	scheduler *scheduler.Scheduler
}

func startEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	env := &testEnv{
		clock: clock.NewFakeClock(time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)),
	}
	cfg := config.Config{
		AppName:      "medibill",
		Environment:  "test",
		HTTPAddr:     "127.0.0.1:0",
		LogLevel:     "error",
		SessionStore: config.SessionStoreMemory,
	}

	var engine *gin.Engine
	app := fxtest.New(t,
		fx.Supply(cfg),
		fx.Supply(config.NewStaticPaymentConfigHolder(config.DefaultPaymentConfig())),
		fx.Supply(zap.NewNop()),
		fx.Supply(testutil.MustNode(t)),
		fx.Provide(func() clock.Clock { return env.clock }),
		fx.Provide(func() *gorm.DB { return testutil.OpenDB(t) }),
		observability.Module,
		server.Module,
		scheduler.Module,
		fx.Populate(&engine, &env.db, &env.scheduler),
	)
	app.RequireStart()
	t.Cleanup(app.RequireStop)

	httpSrv := httptest.NewServer(engine)
	t.Cleanup(httpSrv.Close)
	env.baseURL = httpSrv.URL
	return env
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error struct {
		Type string `json:"type"`
	} `json:"error"`
}

func (e *testEnv) do(t *testing.T, method, path string, payload any) (int, envelope) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.baseURL+path, body)
	require.NoError(t, err)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out envelope
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	return resp.StatusCode, out
}

type patientResp struct {
	ID string `json:"id"`
}

type statementResp struct {
	Bill struct {
		ID     string `json:"id"`
		Amount int64  `json:"amount"`
		Status string `json:"status"`
	} `json:"bill"`
	Items []struct {
		Kind string `json:"kind"`
	} `json:"items"`
}

type sessionResp struct {
	Session struct {
		ID    string `json:"id"`
		Phase string `json:"phase"`
	} `json:"session"`
	Instructions struct {
		Amount   string `json:"amount"`
		Currency string `json:"currency"`
	} `json:"instructions"`
	RemainingSeconds int64 `json:"remaining_seconds"`
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func (e *testEnv) billPatient(t *testing.T, mrn string) statementResp {
	t.Helper()

	status, resp := e.do(t, http.MethodPost, "/v1/patients", map[string]any{
		"medical_record_no": mrn,
		"full_name":         "Juan Dela Cruz",
	})
	require.Equal(t, http.StatusOK, status)
	patient := decode[patientResp](t, resp.Data)

	occurred := e.clock.Now().Add(-time.Hour)
	for _, usage := range []map[string]any{
		{"kind": "item", "name": "Amoxicillin 500mg", "unit_cost": "150.00", "quantity": 2},
		{"kind": "service", "name": "Consultation", "unit_cost": "200", "quantity": 1},
	} {
		usage["patient_id"] = patient.ID
		usage["occurred_at"] = occurred
		status, resp = e.do(t, http.MethodPost, "/v1/usage", usage)
		require.Equal(t, http.StatusOK, status, resp.Error.Type)
	}

	status, resp = e.do(t, http.MethodPost, "/v1/patients/"+patient.ID+"/bills", nil)
	require.Equal(t, http.StatusOK, status, resp.Error.Type)
	return decode[statementResp](t, resp.Data)
}

func TestE2E_HealthCheck(t *testing.T) {
	env := startEnv(t)

	resp, err := http.Get(env.baseURL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestE2E_BillAndSettle(t *testing.T) {
	env := startEnv(t)
	statement := env.billPatient(t, "MRN-0001")

	assert.Equal(t, int64(50000), statement.Bill.Amount)
	assert.Equal(t, "unpaid", statement.Bill.Status)
	assert.Len(t, statement.Items, 2)

	status, resp := env.do(t, http.MethodPost, "/v1/bills/"+statement.Bill.ID+"/payment-sessions", nil)
	require.Equal(t, http.StatusOK, status, resp.Error.Type)
	session := decode[sessionResp](t, resp.Data)
	assert.Equal(t, "presenting", session.Session.Phase)
	assert.Equal(t, "500.00", session.Instructions.Amount)
	assert.Equal(t, int64(300), session.RemainingSeconds)

	status, resp = env.do(t, http.MethodPost, "/v1/bills/"+statement.Bill.ID+"/payment-sessions", nil)
	require.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "session_already_active", resp.Error.Type)

	sessionPath := "/v1/payment-sessions/" + session.Session.ID
	status, _ = env.do(t, http.MethodPost, sessionPath+"/advance", nil)
	require.Equal(t, http.StatusOK, status)

	status, resp = env.do(t, http.MethodPost, sessionPath+"/proof", map[string]string{
		"reference": "GC-20260402-0001",
		"amount":    "499.99",
	})
	require.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "invalid_proof", resp.Error.Type)

	status, resp = env.do(t, http.MethodPost, sessionPath+"/proof", map[string]string{
		"reference": "GC-20260402-0001",
		"amount":    "500.00",
	})
	require.Equal(t, http.StatusOK, status, resp.Error.Type)
	assert.Equal(t, "settled", decode[sessionResp](t, resp.Data).Session.Phase)

	status, resp = env.do(t, http.MethodGet, "/v1/bills/"+statement.Bill.ID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "paid", decode[statementResp](t, resp.Data).Bill.Status)

	var settledEvents int64
	require.NoError(t, env.db.Model(&events.OutboxEvent{}).Where("event_type = ?", "bill.settled").Count(&settledEvents).Error)
	assert.Equal(t, int64(1), settledEvents)

	receipt, err := http.Get(env.baseURL + "/v1/bills/" + statement.Bill.ID + "/receipt")
	require.NoError(t, err)
	defer receipt.Body.Close()
	assert.Equal(t, http.StatusOK, receipt.StatusCode)
	assert.Equal(t, "application/pdf", receipt.Header.Get("Content-Type"))
}

func TestE2E_SchedulerExpiresAbandonedSession(t *testing.T) {
	env := startEnv(t)
	statement := env.billPatient(t, "MRN-0002")

	status, resp := env.do(t, http.MethodPost, "/v1/bills/"+statement.Bill.ID+"/payment-sessions", nil)
	require.Equal(t, http.StatusOK, status)
	session := decode[sessionResp](t, resp.Data)

	env.clock.Advance(301 * time.Second)
	require.NoError(t, env.scheduler.RunOnce(context.Background()))

	status, resp = env.do(t, http.MethodGet, "/v1/payment-sessions/"+session.Session.ID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "expired", decode[sessionResp](t, resp.Data).Session.Phase)

	status, resp = env.do(t, http.MethodPost, "/v1/bills/"+statement.Bill.ID+"/payment-sessions", nil)
	require.Equal(t, http.StatusOK, status, resp.Error.Type)
	assert.Equal(t, "presenting", decode[sessionResp](t, resp.Data).Session.Phase)
}

func TestE2E_UnknownBill(t *testing.T) {
	env := startEnv(t)

	status, resp := env.do(t, http.MethodGet, "/v1/bills/123456789", nil)
	require.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", resp.Error.Type)
}
