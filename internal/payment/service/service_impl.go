package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	billingdomain "github.com/smallbiznis/medibill/internal/billing/domain"
	"github.com/smallbiznis/medibill/internal/clock"
	"github.com/smallbiznis/medibill/internal/config"
	obsmetrics "github.com/smallbiznis/medibill/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/medibill/internal/payment/domain"
	settlementdomain "github.com/smallbiznis/medibill/internal/settlement/domain"
	"github.com/smallbiznis/medibill/pkg/log/ctxlogger"
	"github.com/smallbiznis/medibill/pkg/money"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// AttemptLimiter throttles proof submissions per session.
type AttemptLimiter interface {
	AllowAttempt(ctx context.Context, sessionID string) (bool, error)
}

var ErrTooManyAttempts = errors.New("too_many_attempts")

type Params struct {
	fx.In

	Log           *zap.Logger
	Clock         clock.Clock
	PaymentConfig *config.PaymentConfigHolder
	Store         paymentdomain.Store
	BillingSvc    billingdomain.Service
	SettlementSvc settlementdomain.Service
	Limiter       AttemptLimiter      `optional:"true"`
	ObsMetrics    *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log           *zap.Logger
	clock         clock.Clock
	paymentConfig *config.PaymentConfigHolder
	store         paymentdomain.Store
	billingSvc    billingdomain.Service
	settlementSvc settlementdomain.Service
	limiter       AttemptLimiter
	obsMetrics    *obsmetrics.Metrics
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		log:           p.Log.Named("payment.service"),
		clock:         p.Clock,
		paymentConfig: p.PaymentConfig,
		store:         p.Store,
		billingSvc:    p.BillingSvc,
		settlementSvc: p.SettlementSvc,
		limiter:       p.Limiter,
		obsMetrics:    p.ObsMetrics,
	}
}

func (s *Service) Start(ctx context.Context, billID string) (*paymentdomain.SessionView, error) {
	bill, err := s.billingSvc.GetBill(ctx, billID)
	if err != nil {
		return nil, err
	}
	ctx = ctxlogger.ContextWithBillID(ctx, bill.ID.String())

	if !bill.IsPayable() {
		if bill.Status == billingdomain.BillStatusSuperseded {
			return nil, paymentdomain.ErrBillSuperseded
		}
		return nil, paymentdomain.ErrAlreadyPaid
	}

	now := s.clock.Now()
	active, err := s.store.ActiveForBill(ctx, bill.ID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		switch {
		case active.Settling:
			return nil, paymentdomain.ErrSessionSettling
		case active.Phase.Terminal():
			if err := s.store.Release(ctx, bill.ID, active.ID); err != nil {
				return nil, err
			}
		case active.Elapsed(now):
			if _, err := s.expire(ctx, active.ID); err != nil {
				return nil, err
			}
		default:
			return nil, paymentdomain.ErrSessionAlreadyActive
		}
	}

	cfg := s.paymentConfig.Get()
	session := paymentdomain.Session{
		ID:              uuid.NewString(),
		BillingRecordID: bill.ID,
		PatientID:       bill.PatientID,
		ExpectedAmount:  bill.Amount,
		Currency:        bill.Currency,
		Phase:           paymentdomain.PhasePresenting,
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       now.Add(cfg.Window()),
	}
	if err := s.store.Create(ctx, session); err != nil {
		return nil, err
	}

	s.obsMetrics.RecordSessionTransition(ctx, "", string(paymentdomain.PhasePresenting))
	ctxlogger.WithContext(ctx, s.log).Info("payment session started",
		zap.String("session_id", session.ID),
		zap.Int64("expected_amount", session.ExpectedAmount),
		zap.Time("expires_at", session.ExpiresAt),
	)
	return s.view(session, now), nil
}

func (s *Service) Advance(ctx context.Context, sessionID string) (*paymentdomain.SessionView, error) {
	id, err := normalizeSessionID(sessionID)
	if err != nil {
		return nil, err
	}

	var (
		outcome error
		from    paymentdomain.Phase
	)
	updated, err := s.store.Update(ctx, id, func(session *paymentdomain.Session) error {
		outcome = nil
		now := s.clock.Now()
		from = session.Phase
		if session.Phase.Terminal() {
			return terminalError(*session)
		}
		if session.Elapsed(now) {
			markExpired(session, now)
			outcome = paymentdomain.ErrSessionExpired
			return nil
		}
		if session.Phase == paymentdomain.PhasePresenting {
			session.Phase = paymentdomain.PhaseVerifying
			session.UpdatedAt = now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.afterTransition(ctx, from, updated)
	if outcome != nil {
		return nil, outcome
	}
	return s.view(updated, s.clock.Now()), nil
}

func (s *Service) SubmitProof(ctx context.Context, sessionID string, req paymentdomain.SubmitProofRequest) (*paymentdomain.SessionView, error) {
	id, err := normalizeSessionID(sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.admitAttempt(ctx, id); err != nil {
		return nil, err
	}

	reference := strings.TrimSpace(req.Reference)
	amount, amountErr := money.ParseExact(req.Amount)

	var (
		outcome error
		from    paymentdomain.Phase
	)
	claimed, err := s.store.Update(ctx, id, func(session *paymentdomain.Session) error {
		outcome = nil
		now := s.clock.Now()
		from = session.Phase
		if session.Phase.Terminal() {
			return terminalError(*session)
		}
		// The window is checked before the proof so a late submission is
		// expired even when it would have matched.
		if session.Elapsed(now) {
			markExpired(session, now)
			outcome = paymentdomain.ErrSessionExpired
			return nil
		}
		if session.Phase == paymentdomain.PhasePresenting {
			return paymentdomain.ErrInvalidPhase
		}

		session.Attempts++
		session.UpdatedAt = now
		session.SubmittedReference = nil
		session.SubmittedAmount = nil
		if reference != "" {
			ref := reference
			session.SubmittedReference = &ref
		}
		if amountErr == nil {
			submitted := amount
			session.SubmittedAmount = &submitted
		}

		switch {
		case reference == "":
			session.Phase = paymentdomain.PhaseFailed
			session.LastError = "reference is required"
			outcome = paymentdomain.ErrInvalidProof
		case amountErr != nil || amount != session.ExpectedAmount:
			session.Phase = paymentdomain.PhaseFailed
			session.LastError = "amount does not match the bill"
			outcome = paymentdomain.ErrInvalidProof
		default:
			session.Phase = paymentdomain.PhaseSettled
			session.Settling = true
			session.LastError = ""
			settledAt := now
			session.SettledAt = &settledAt
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	ctx = ctxlogger.ContextWithBillID(ctx, claimed.BillingRecordID.String())
	if outcome != nil {
		s.afterTransition(ctx, from, claimed)
		return nil, outcome
	}

	_, settleErr := s.settlementSvc.Settle(ctx, settlementdomain.SettleRequest{
		BillID:    claimed.BillingRecordID,
		Reference: reference,
		Amount:    claimed.ExpectedAmount,
		SessionID: claimed.ID,
	})
	if settleErr == nil {
		confirmed, err := s.store.Update(ctx, claimed.ID, func(session *paymentdomain.Session) error {
			session.Settling = false
			return nil
		})
		if err != nil {
			// The bill is paid either way; a stale flag only affects the
			// conflict type a concurrent submission sees.
			s.log.Warn("failed to confirm settled session", zap.String("session_id", claimed.ID), zap.Error(err))
			confirmed = claimed
			confirmed.Settling = false
		}
		s.afterTransition(ctx, from, confirmed)
		return s.view(confirmed, s.clock.Now()), nil
	}

	return nil, s.rollbackSettlement(ctx, from, claimed, settleErr)
}

// rollbackSettlement undoes the tentative settled phase after the gate
// refused. The returned error is what the caller must see.
func (s *Service) rollbackSettlement(ctx context.Context, from paymentdomain.Phase, claimed paymentdomain.Session, settleErr error) error {
	log := ctxlogger.WithContext(ctxlogger.ContextWithSessionID(ctx, claimed.ID), s.log)

	target := paymentdomain.PhaseFailed
	if errors.Is(settleErr, paymentdomain.ErrBillSuperseded) {
		target = paymentdomain.PhaseExpired
	}

	rolledBack, err := s.store.Update(ctx, claimed.ID, func(session *paymentdomain.Session) error {
		now := s.clock.Now()
		session.Phase = target
		session.Settling = false
		session.SettledAt = nil
		session.UpdatedAt = now
		session.LastError = settleErr.Error()
		return nil
	})
	if err != nil {
		log.Error("failed to roll back payment session", zap.Error(err), zap.NamedError("settle_error", settleErr))
		return fmt.Errorf("%w (session rollback failed: %v)", settleErr, err)
	}

	s.afterTransition(ctx, from, rolledBack)
	if errors.Is(settleErr, paymentdomain.ErrConcurrentSettlement) {
		log.Warn("bill was settled by another session")
	} else {
		log.Warn("settlement refused", zap.Error(settleErr))
	}
	return settleErr
}

// admitAttempt applies the per-session proof throttle. Sessions that are
// already elapsed or closed are resolved first, so a late submission always
// reports the expiry and never the throttle.
func (s *Service) admitAttempt(ctx context.Context, id string) error {
	if s.limiter == nil {
		return nil
	}

	session, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if session.Phase.Terminal() {
		return terminalError(session)
	}
	if session.Elapsed(s.clock.Now()) {
		if _, err := s.expire(ctx, id); err != nil {
			return err
		}
		return paymentdomain.ErrSessionExpired
	}
	if session.Phase == paymentdomain.PhasePresenting {
		return paymentdomain.ErrInvalidPhase
	}

	allowed, err := s.limiter.AllowAttempt(ctx, id)
	switch {
	case err != nil:
		s.log.Warn("proof attempt limiter unavailable", zap.Error(err))
	case !allowed:
		return ErrTooManyAttempts
	}
	return nil
}

func (s *Service) Cancel(ctx context.Context, sessionID string) (*paymentdomain.SessionView, error) {
	id, err := normalizeSessionID(sessionID)
	if err != nil {
		return nil, err
	}

	var from paymentdomain.Phase
	updated, err := s.store.Update(ctx, id, func(session *paymentdomain.Session) error {
		from = session.Phase
		if session.Phase.Terminal() {
			return terminalError(*session)
		}
		session.Phase = paymentdomain.PhaseCancelled
		session.UpdatedAt = s.clock.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.afterTransition(ctx, from, updated)
	return s.view(updated, s.clock.Now()), nil
}

func (s *Service) Get(ctx context.Context, sessionID string) (*paymentdomain.SessionView, error) {
	id, err := normalizeSessionID(sessionID)
	if err != nil {
		return nil, err
	}
	session, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if !session.Phase.Terminal() && session.Elapsed(now) {
		expired, err := s.expire(ctx, session.ID)
		if err != nil && !isTerminalErr(err) {
			return nil, err
		}
		if err == nil {
			session = expired
		} else if session, err = s.store.Get(ctx, id); err != nil {
			return nil, err
		}
	}
	return s.view(session, now), nil
}

func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	active, err := s.store.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	now := s.clock.Now()
	expired := 0
	for _, session := range active {
		if session.Phase.Terminal() || !session.Elapsed(now) {
			continue
		}
		if _, err := s.expire(ctx, session.ID); err != nil {
			if isTerminalErr(err) || errors.Is(err, paymentdomain.ErrSessionNotFound) {
				continue
			}
			return expired, err
		}
		expired++
	}
	return expired, nil
}

func (s *Service) expire(ctx context.Context, id string) (paymentdomain.Session, error) {
	var from paymentdomain.Phase
	updated, err := s.store.Update(ctx, id, func(session *paymentdomain.Session) error {
		from = session.Phase
		if session.Phase.Terminal() {
			return terminalError(*session)
		}
		markExpired(session, s.clock.Now())
		return nil
	})
	if err != nil {
		return paymentdomain.Session{}, err
	}
	s.afterTransition(ctx, from, updated)
	return updated, nil
}

// afterTransition records the move and frees the bill slot once the session
// can no longer change.
func (s *Service) afterTransition(ctx context.Context, from paymentdomain.Phase, session paymentdomain.Session) {
	if from == session.Phase {
		return
	}
	s.obsMetrics.RecordSessionTransition(ctx, string(from), string(session.Phase))
	ctxlogger.WithContext(ctx, s.log).Info("payment session transition",
		zap.String("session_id", session.ID),
		zap.String("billing_record_id", session.BillingRecordID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(session.Phase)),
	)
	if session.Phase.Terminal() {
		if err := s.store.Release(ctx, session.BillingRecordID, session.ID); err != nil {
			s.log.Warn("failed to release bill slot", zap.String("session_id", session.ID), zap.Error(err))
		}
	}
}

func (s *Service) view(session paymentdomain.Session, now time.Time) *paymentdomain.SessionView {
	cfg := s.paymentConfig.Get()
	amount := money.Format(session.ExpectedAmount)
	qr := strings.TrimSpace(cfg.QRPayload)
	if qr == "" {
		qr = defaultQRPayload(cfg, session, amount)
	}
	return &paymentdomain.SessionView{
		Session: session,
		Instructions: paymentdomain.PaymentInstructions{
			AccountName:   cfg.AccountName,
			AccountNumber: cfg.AccountNumber,
			QRPayload:     qr,
			Amount:        amount,
			Currency:      session.Currency,
			ExpiresAt:     session.ExpiresAt,
		},
		RemainingSeconds: session.RemainingSeconds(now),
	}
}

func defaultQRPayload(cfg config.PaymentConfig, session paymentdomain.Session, amount string) string {
	values := url.Values{}
	values.Set("account", cfg.AccountNumber)
	values.Set("name", cfg.AccountName)
	values.Set("amount", amount)
	values.Set("currency", session.Currency)
	values.Set("ref", session.BillingRecordID.String())
	return "medibill://pay?" + values.Encode()
}

func markExpired(session *paymentdomain.Session, now time.Time) {
	session.Phase = paymentdomain.PhaseExpired
	session.UpdatedAt = now
	session.LastError = "payment window elapsed"
}

func terminalError(session paymentdomain.Session) error {
	switch session.Phase {
	case paymentdomain.PhaseSettled:
		if session.Settling {
			return paymentdomain.ErrSessionSettling
		}
		return paymentdomain.ErrSessionSettled
	case paymentdomain.PhaseExpired:
		return paymentdomain.ErrSessionExpired
	case paymentdomain.PhaseCancelled:
		return paymentdomain.ErrSessionCancelled
	default:
		return paymentdomain.ErrInvalidPhase
	}
}

func isTerminalErr(err error) bool {
	return errors.Is(err, paymentdomain.ErrSessionSettled) ||
		errors.Is(err, paymentdomain.ErrSessionSettling) ||
		errors.Is(err, paymentdomain.ErrSessionExpired) ||
		errors.Is(err, paymentdomain.ErrSessionCancelled)
}

func normalizeSessionID(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", paymentdomain.ErrInvalidSession
	}
	if _, err := uuid.Parse(id); err != nil {
		return "", paymentdomain.ErrInvalidSession
	}
	return id, nil
}
