package store

import (
	"context"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/medibill/internal/cache"
	"github.com/smallbiznis/medibill/internal/clock"
	paymentdomain "github.com/smallbiznis/medibill/internal/payment/domain"
)

// Retention keeps a session readable for this long after its window closes
// so the payer can still see the outcome.
const Retention = 15 * time.Minute

// MemoryStore keeps sessions in process. Sessions are lost on restart.
type MemoryStore struct {
	mu       sync.Mutex
	clock    clock.Clock
	sessions *cache.TTLCache[string, paymentdomain.Session]
	active   map[snowflake.ID]string
}

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	return &MemoryStore{
		clock:    clk,
		sessions: cache.NewTTLCache[string, paymentdomain.Session](clk),
		active:   make(map[snowflake.ID]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, session paymentdomain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if holder, ok := m.active[session.BillingRecordID]; ok {
		if current, found := m.sessions.Get(holder); found && !current.Phase.Terminal() {
			return paymentdomain.ErrSessionAlreadyActive
		}
	}
	m.active[session.BillingRecordID] = session.ID
	m.sessions.Set(session.ID, session, m.ttl(session))
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (paymentdomain.Session, error) {
	session, ok := m.sessions.Get(id)
	if !ok {
		return paymentdomain.Session{}, paymentdomain.ErrSessionNotFound
	}
	return session, nil
}

func (m *MemoryStore) Update(_ context.Context, id string, fn func(*paymentdomain.Session) error) (paymentdomain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions.Get(id)
	if !ok {
		return paymentdomain.Session{}, paymentdomain.ErrSessionNotFound
	}
	if err := fn(&session); err != nil {
		return paymentdomain.Session{}, err
	}
	m.sessions.Set(id, session, m.ttl(session))
	return session, nil
}

func (m *MemoryStore) ActiveForBill(_ context.Context, billID snowflake.ID) (*paymentdomain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	holder, ok := m.active[billID]
	if !ok {
		return nil, nil
	}
	session, found := m.sessions.Get(holder)
	if !found {
		delete(m.active, billID)
		return nil, nil
	}
	return &session, nil
}

func (m *MemoryStore) Release(_ context.Context, billID snowflake.ID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active[billID] == sessionID {
		delete(m.active, billID)
	}
	return nil
}

func (m *MemoryStore) ListActive(_ context.Context) ([]paymentdomain.Session, error) {
	m.mu.Lock()
	holders := make(map[string]struct{}, len(m.active))
	for _, id := range m.active {
		holders[id] = struct{}{}
	}
	m.mu.Unlock()

	var out []paymentdomain.Session
	m.sessions.Range(func(id string, session paymentdomain.Session) bool {
		if _, ok := holders[id]; ok && !session.Phase.Terminal() {
			out = append(out, session)
		}
		return true
	})
	return out, nil
}

func (m *MemoryStore) ttl(session paymentdomain.Session) time.Duration {
	ttl := session.ExpiresAt.Sub(m.clock.Now()) + Retention
	if ttl <= 0 {
		return Retention
	}
	return ttl
}
