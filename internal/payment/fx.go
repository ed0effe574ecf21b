package payment

import (
	"errors"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/medibill/internal/clock"
	"github.com/smallbiznis/medibill/internal/config"
	paymentdomain "github.com/smallbiznis/medibill/internal/payment/domain"
	"github.com/smallbiznis/medibill/internal/payment/service"
	"github.com/smallbiznis/medibill/internal/payment/store"
	"github.com/smallbiznis/medibill/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("payment.service",
	fx.Provide(provideStore),
	fx.Provide(provideAttemptLimiter),
	fx.Provide(service.NewService),
)

type storeParams struct {
	fx.In

	Cfg    config.Config
	Log    *zap.Logger
	Clock  clock.Clock
	Client *redis.Client `optional:"true"`
}

func provideStore(p storeParams) (paymentdomain.Store, error) {
	switch p.Cfg.SessionStore {
	case config.SessionStoreRedis:
		if p.Client == nil {
			return nil, errors.New("redis session store requires a redis client")
		}
		p.Log.Info("payment sessions stored in redis")
		return store.NewRedisStore(p.Client, p.Clock), nil
	case config.SessionStoreMemory, "":
		p.Log.Info("payment sessions stored in memory")
		return store.NewMemoryStore(p.Clock), nil
	default:
		return nil, errors.New("unknown payment session store: " + p.Cfg.SessionStore)
	}
}

func provideAttemptLimiter(limiter *ratelimit.ProofAttemptLimiter) service.AttemptLimiter {
	if !limiter.Enabled() {
		return nil
	}
	return limiter
}
