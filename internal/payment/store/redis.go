package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/medibill/internal/clock"
	paymentdomain "github.com/smallbiznis/medibill/internal/payment/domain"
)

const (
	keyPrefix        = "medibill:payment_session:"
	activeSetKey     = keyPrefix + "active"
	maxUpdateRetries = 5
)

// releaseScript deletes the bill slot only while sessionID still holds it.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// RedisStore shares sessions between replicas. The bill slot is a SETNX key
// holding the session id.
type RedisStore struct {
	client  *redis.Client
	clock   clock.Clock
	release *redis.Script
}

func NewRedisStore(client *redis.Client, clk clock.Clock) *RedisStore {
	return &RedisStore{
		client:  client,
		clock:   clk,
		release: redis.NewScript(releaseScript),
	}
}

func sessionKey(id string) string {
	return keyPrefix + id
}

func billKey(billID snowflake.ID) string {
	return keyPrefix + "bill:" + billID.String()
}

func (r *RedisStore) Create(ctx context.Context, session paymentdomain.Session) error {
	ttl := r.ttl(session)
	claimed, err := r.client.SetNX(ctx, billKey(session.BillingRecordID), session.ID, ttl).Result()
	if err != nil {
		return err
	}
	if !claimed {
		return paymentdomain.ErrSessionAlreadyActive
	}

	payload, err := json.Marshal(session)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, sessionKey(session.ID), payload, ttl)
		pipe.SAdd(ctx, activeSetKey, session.ID)
		return nil
	})
	if err != nil {
		_ = r.release.Run(ctx, r.client, []string{billKey(session.BillingRecordID)}, session.ID).Err()
		return err
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (paymentdomain.Session, error) {
	raw, err := r.client.Get(ctx, sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return paymentdomain.Session{}, paymentdomain.ErrSessionNotFound
		}
		return paymentdomain.Session{}, err
	}
	var session paymentdomain.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return paymentdomain.Session{}, fmt.Errorf("decode payment session: %w", err)
	}
	return session, nil
}

// Update runs fn under WATCH and retries when another writer got there first.
func (r *RedisStore) Update(ctx context.Context, id string, fn func(*paymentdomain.Session) error) (paymentdomain.Session, error) {
	key := sessionKey(id)
	var updated paymentdomain.Session

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return paymentdomain.ErrSessionNotFound
			}
			return err
		}
		var session paymentdomain.Session
		if err := json.Unmarshal(raw, &session); err != nil {
			return fmt.Errorf("decode payment session: %w", err)
		}
		if err := fn(&session); err != nil {
			return err
		}
		payload, err := json.Marshal(session)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, r.ttl(session))
			if session.Phase.Terminal() {
				pipe.SRem(ctx, activeSetKey, session.ID)
			}
			return nil
		})
		if err == nil {
			updated = session
		}
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return paymentdomain.Session{}, err
	}
	return paymentdomain.Session{}, fmt.Errorf("payment session %s: too much contention", id)
}

func (r *RedisStore) ActiveForBill(ctx context.Context, billID snowflake.ID) (*paymentdomain.Session, error) {
	holder, err := r.client.Get(ctx, billKey(billID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	session, err := r.Get(ctx, holder)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrSessionNotFound) {
			_ = r.release.Run(ctx, r.client, []string{billKey(billID)}, holder).Err()
			return nil, nil
		}
		return nil, err
	}
	return &session, nil
}

func (r *RedisStore) Release(ctx context.Context, billID snowflake.ID, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	if err := r.release.Run(ctx, r.client, []string{billKey(billID)}, sessionID).Err(); err != nil {
		return err
	}
	return r.client.SRem(ctx, activeSetKey, sessionID).Err()
}

func (r *RedisStore) ListActive(ctx context.Context) ([]paymentdomain.Session, error) {
	ids, err := r.client.SMembers(ctx, activeSetKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]paymentdomain.Session, 0, len(ids))
	for _, id := range ids {
		session, err := r.Get(ctx, id)
		if err != nil {
			if errors.Is(err, paymentdomain.ErrSessionNotFound) {
				_ = r.client.SRem(ctx, activeSetKey, id).Err()
				continue
			}
			return nil, err
		}
		if !session.Phase.Terminal() {
			out = append(out, session)
		}
	}
	return out, nil
}

func (r *RedisStore) ttl(session paymentdomain.Session) time.Duration {
	ttl := session.ExpiresAt.Sub(r.clock.Now()) + Retention
	if ttl <= 0 {
		return Retention
	}
	return ttl
}
