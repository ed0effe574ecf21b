package events

import (
	"context"

	"github.com/smallbiznis/medibill/internal/config"
	"github.com/smallbiznis/medibill/pkg/mq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("events",
	fx.Provide(NewOutbox),
	fx.Provide(providePublisher),
	fx.Provide(NewRelay),
)

// providePublisher returns a nil publisher when no broker is configured, which
// leaves events queued in the outbox.
func providePublisher(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (MessagePublisher, error) {
	if cfg.AMQPURL == "" {
		log.Info("AMQP_URL not set, outbox relay disabled")
		return nil, nil
	}
	publisher, err := mq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return publisher.Close()
		},
	})
	return publisher, nil
}
