package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/medibill/internal/billing"
	billingdomain "github.com/smallbiznis/medibill/internal/billing/domain"
	"github.com/smallbiznis/medibill/internal/config"
	"github.com/smallbiznis/medibill/internal/events"
	"github.com/smallbiznis/medibill/internal/ledger"
	"github.com/smallbiznis/medibill/internal/observability"
	obsmiddleware "github.com/smallbiznis/medibill/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/medibill/internal/observability/metrics"
	obstracing "github.com/smallbiznis/medibill/internal/observability/tracing"
	"github.com/smallbiznis/medibill/internal/patient"
	patientdomain "github.com/smallbiznis/medibill/internal/patient/domain"
	"github.com/smallbiznis/medibill/internal/payment"
	paymentdomain "github.com/smallbiznis/medibill/internal/payment/domain"
	"github.com/smallbiznis/medibill/internal/ratelimit"
	"github.com/smallbiznis/medibill/internal/receipt"
	"github.com/smallbiznis/medibill/internal/settlement"
	"github.com/smallbiznis/medibill/internal/usage"
	usagedomain "github.com/smallbiznis/medibill/internal/usage/domain"
	"github.com/smallbiznis/medibill/pkg/log/ctxlogger"
	"github.com/smallbiznis/medibill/pkg/validation"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	validation.Module,
	patient.Module,
	usage.Module,
	billing.Module,
	ledger.Module,
	settlement.Module,
	events.Module,
	ratelimit.Module,
	payment.Module,
	receipt.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware(errorTypeOf))
	r.Use(httpMetrics.Middleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type receiptRenderer interface {
	Render(ctx context.Context, billID string) ([]byte, error)
}

type Server struct {
	engine     *gin.Engine
	patientSvc patientdomain.Service
	usageSvc   usagedomain.Service
	billingSvc billingdomain.Service
	paymentSvc paymentdomain.Service
	receipts   receiptRenderer
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	PatientSvc patientdomain.Service
	UsageSvc   usagedomain.Service
	BillingSvc billingdomain.Service
	PaymentSvc paymentdomain.Service
	Receipts   *receipt.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		patientSvc: p.PatientSvc,
		usageSvc:   p.UsageSvc,
		billingSvc: p.BillingSvc,
		paymentSvc: p.PaymentSvc,
		receipts:   p.Receipts,
	}

	svc.registerAPIRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/v1")

	// -------- Patients --------
	api.POST("/patients", s.RegisterPatient)
	patients := api.Group("/patients/:id", ResourceContext(ctxlogger.ContextWithPatientID, "patient.id"))
	{
		patients.GET("", s.GetPatient)
		patients.GET("/usage", s.ListPatientUsage)
		patients.POST("/bills", s.GenerateBill)
		patients.GET("/bills", s.ListPatientBills)
	}

	// -------- Usage feed --------
	api.POST("/usage", s.RecordUsage)

	// -------- Bills --------
	bills := api.Group("/bills/:id", ResourceContext(ctxlogger.ContextWithBillID, "bill.id"))
	{
		bills.GET("", s.GetBill)
		bills.GET("/receipt", s.GetBillReceipt)
		bills.POST("/payment-sessions", NoStore(), s.StartPaymentSession)
	}

	// -------- Payment sessions --------
	sessions := api.Group("/payment-sessions/:id", NoStore(), ResourceContext(ctxlogger.ContextWithSessionID, "payment_session.id"))
	{
		sessions.GET("", s.GetPaymentSession)
		sessions.POST("/advance", s.AdvancePaymentSession)
		sessions.POST("/proof", s.SubmitPaymentProof)
		sessions.POST("/cancel", s.CancelPaymentSession)
	}
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
