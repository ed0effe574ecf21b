package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/medibill/internal/billing/domain"
	settlementdomain "github.com/smallbiznis/medibill/internal/settlement/domain"
)

type SubmitProofRequest struct {
	Reference string `json:"reference"`
	Amount    string `json:"amount"`
}

type Service interface {
	Start(ctx context.Context, billID string) (*SessionView, error)
	Advance(ctx context.Context, sessionID string) (*SessionView, error)
	// SubmitProof validates the payer's reference and amount and settles the
	// bill before returning success.
	SubmitProof(ctx context.Context, sessionID string, req SubmitProofRequest) (*SessionView, error)
	Cancel(ctx context.Context, sessionID string) (*SessionView, error)
	Get(ctx context.Context, sessionID string) (*SessionView, error)
	// ExpireStale moves every elapsed non-terminal session to expired.
	ExpireStale(ctx context.Context) (int, error)
}

// Store holds sessions and the one-active-session-per-bill slot.
type Store interface {
	// Create stores session and claims its bill's slot, failing with
	// ErrSessionAlreadyActive when the slot is held.
	Create(ctx context.Context, session Session) error
	Get(ctx context.Context, id string) (Session, error)
	// Update applies fn to the latest copy atomically. fn may run more than
	// once; returning an error aborts without writing.
	Update(ctx context.Context, id string, fn func(*Session) error) (Session, error)
	ActiveForBill(ctx context.Context, billID snowflake.ID) (*Session, error)
	// Release frees the bill's slot if sessionID still holds it.
	Release(ctx context.Context, billID snowflake.ID, sessionID string) error
	ListActive(ctx context.Context) ([]Session, error)
}

var (
	ErrAlreadyPaid          = billingdomain.ErrAlreadyPaid
	ErrBillSuperseded       = billingdomain.ErrBillSuperseded
	ErrBillNotFound         = billingdomain.ErrBillNotFound
	ErrConcurrentSettlement = settlementdomain.ErrConcurrentSettlement

	ErrInvalidSession       = errors.New("invalid_session")
	ErrSessionNotFound      = errors.New("session_not_found")
	ErrSessionAlreadyActive = errors.New("session_already_active")
	ErrSessionExpired       = errors.New("session_expired")
	ErrSessionCancelled     = errors.New("session_cancelled")
	ErrSessionSettled       = errors.New("session_settled")
	ErrSessionSettling      = errors.New("session_settling")
	ErrInvalidPhase         = errors.New("invalid_phase")
	ErrInvalidProof         = errors.New("invalid_proof")
)
