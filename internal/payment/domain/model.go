package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Phase string

const (
	PhasePresenting Phase = "presenting"
	PhaseVerifying  Phase = "verifying"
	PhaseSettled    Phase = "settled"
	PhaseExpired    Phase = "expired"
	PhaseFailed     Phase = "failed"
	PhaseCancelled  Phase = "cancelled"
)

// Terminal reports whether no further transition is allowed out of p.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseSettled, PhaseExpired, PhaseCancelled:
		return true
	default:
		return false
	}
}

// Session is one manual payment attempt on a bill. It is never persisted to
// the database.
type Session struct {
	ID                 string       `json:"id"`
	BillingRecordID    snowflake.ID `json:"billing_record_id"`
	PatientID          snowflake.ID `json:"patient_id"`
	ExpectedAmount     int64        `json:"expected_amount"`
	Currency           string       `json:"currency"`
	Phase              Phase        `json:"phase"`
	SubmittedReference *string      `json:"submitted_reference,omitempty"`
	SubmittedAmount    *int64       `json:"submitted_amount,omitempty"`
	Attempts           int          `json:"attempts"`
	LastError          string       `json:"last_error,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
	ExpiresAt          time.Time    `json:"expires_at"`
	SettledAt          *time.Time   `json:"settled_at,omitempty"`
	// Settling is set while the settled phase is claimed but the bill is not
	// yet confirmed paid.
	Settling           bool         `json:"settling,omitempty"`
}

// Elapsed reports whether the payment window has closed at now.
func (s Session) Elapsed(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// RemainingSeconds is the countdown shown to the payer, never negative.
func (s Session) RemainingSeconds(now time.Time) int64 {
	if s.Phase.Terminal() || s.Elapsed(now) {
		return 0
	}
	return int64(s.ExpiresAt.Sub(now).Seconds())
}

// PaymentInstructions is what the payer sees while the session is presenting.
type PaymentInstructions struct {
	AccountName   string    `json:"account_name"`
	AccountNumber string    `json:"account_number"`
	QRPayload     string    `json:"qr_payload"`
	Amount        string    `json:"amount"`
	Currency      string    `json:"currency"`
	ExpiresAt     time.Time `json:"expires_at"`
}

type SessionView struct {
	Session          Session             `json:"session"`
	Instructions     PaymentInstructions `json:"instructions"`
	RemainingSeconds int64               `json:"remaining_seconds"`
}
