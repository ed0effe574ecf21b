package log

import (
	"context"
	"fmt"

	"github.com/smallbiznis/medibill/internal/config"
	"github.com/smallbiznis/medibill/pkg/log/ctxlogger"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Module = fx.Module("log",
	fx.Provide(NewLogger),
	fx.Invoke(syncOnStop),
)

// NewLogger builds the process logger and installs it as the zap global so
// ctxlogger.FromContext shares its sink. Production emits JSON; every other
// environment gets the console encoder.
func NewLogger(cfg config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}

	zapCfg := zap.NewDevelopmentConfig()
	if cfg.IsProduction() {
		zapCfg = zap.NewProductionConfig()
		zapCfg.EncoderConfig.TimeKey = "ts"
		zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.OutputPaths = []string{"stdout"}
	zapCfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := zapCfg.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("env", cfg.Environment))

	ctxlogger.SetServiceName(cfg.AppName)
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func syncOnStop(lc fx.Lifecycle, log *zap.Logger) {
	lc.Append(fx.StopHook(func(context.Context) error {
		_ = log.Sync()
		return nil
	}))
}
