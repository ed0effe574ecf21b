package receipt

import (
	"context"
	"errors"

	billingdomain "github.com/smallbiznis/medibill/internal/billing/domain"
	"github.com/smallbiznis/medibill/internal/config"
	patientdomain "github.com/smallbiznis/medibill/internal/patient/domain"
	"github.com/smallbiznis/medibill/internal/providers/pdf"
	settlementdomain "github.com/smallbiznis/medibill/internal/settlement/domain"
	"github.com/smallbiznis/medibill/pkg/log/ctxlogger"
	"github.com/smallbiznis/medibill/pkg/money"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const datePaidLayout = "2006-01-02 15:04 MST"

var ErrBillNotPaid = errors.New("bill_not_paid")

type Params struct {
	fx.In

	Log           *zap.Logger
	PaymentConfig *config.PaymentConfigHolder
	BillingSvc    billingdomain.Service
	PatientSvc    patientdomain.Service
	SettlementSvc settlementdomain.Service
	PDF           pdf.Provider
}

// Service renders receipts for paid bills.
type Service struct {
	log           *zap.Logger
	paymentConfig *config.PaymentConfigHolder
	billingSvc    billingdomain.Service
	patientSvc    patientdomain.Service
	settlementSvc settlementdomain.Service
	pdf           pdf.Provider
}

func NewService(p Params) *Service {
	return &Service{
		log:           p.Log.Named("receipt.service"),
		paymentConfig: p.PaymentConfig,
		billingSvc:    p.BillingSvc,
		patientSvc:    p.PatientSvc,
		settlementSvc: p.SettlementSvc,
		pdf:           p.PDF,
	}
}

// Render returns the receipt PDF for billID. Unpaid and superseded bills have
// no receipt.
func (s *Service) Render(ctx context.Context, billID string) ([]byte, error) {
	statement, err := s.billingSvc.GetStatement(ctx, billID)
	if err != nil {
		return nil, err
	}
	bill := statement.Bill
	if bill.Status != billingdomain.BillStatusPaid {
		return nil, ErrBillNotPaid
	}

	patient, err := s.patientSvc.Get(ctx, bill.PatientID.String())
	if err != nil {
		return nil, err
	}
	payment, err := s.settlementSvc.GetPayment(ctx, bill.ID)
	if err != nil {
		return nil, err
	}

	data := pdf.ReceiptData{
		ClinicName:      s.paymentConfig.Get().AccountName,
		ReceiptNumber:   bill.ID.String(),
		DatePaid:        payment.PaidAt.Format(datePaidLayout),
		PatientName:     patient.FullName,
		MedicalRecordNo: patient.MedicalRecordNo,
		Reference:       payment.Reference,
		Currency:        bill.Currency,
		Total:           money.Format(bill.Amount),
		Items:           make([]pdf.ReceiptItem, 0, len(statement.Items)),
	}
	for _, item := range statement.Items {
		data.Items = append(data.Items, pdf.ReceiptItem{
			Description: item.Name,
			Kind:        item.Kind,
			Qty:         item.Quantity,
			UnitPrice:   money.Format(item.UnitCost),
			Amount:      money.Format(item.Amount),
		})
	}

	out, err := s.pdf.GenerateReceipt(ctx, data)
	if err != nil {
		ctxlogger.WithContext(ctxlogger.ContextWithBillID(ctx, bill.ID.String()), s.log).Error("failed to render receipt", zap.Error(err))
		return nil, err
	}
	return out, nil
}
