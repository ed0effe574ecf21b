package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// PaymentConfig describes the static payee shown during a payment session.
type PaymentConfig struct {
	WindowSeconds int    `mapstructure:"windowSeconds"`
	Currency      string `mapstructure:"currency"`
	AccountName   string `mapstructure:"accountName"`
	AccountNumber string `mapstructure:"accountNumber"`
	QRPayload     string `mapstructure:"qrPayload"`
}

// Window returns the session lifetime.
func (c PaymentConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

func DefaultPaymentConfig() PaymentConfig {
	return PaymentConfig{
		WindowSeconds: 300,
		Currency:      "PHP",
		AccountName:   "Clinic Cashier",
		AccountNumber: "09170000000",
		QRPayload:     "",
	}
}

type PaymentConfigHolder struct {
	current atomic.Value // holds PaymentConfig
}

// NewStaticPaymentConfigHolder returns a holder that never reloads. Used by tests.
func NewStaticPaymentConfigHolder(cfg PaymentConfig) *PaymentConfigHolder {
	holder := &PaymentConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewPaymentConfigHolder(log *zap.Logger) (*PaymentConfigHolder, error) {
	log = log.Named("payment.config")
	v := viper.New()

	v.SetConfigName("payment")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/medibill")
	v.AddConfigPath(".")

	v.SetEnvPrefix("MEDIBILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultPaymentConfig()
	v.SetDefault("payment.windowSeconds", defaults.WindowSeconds)
	v.SetDefault("payment.currency", defaults.Currency)
	v.SetDefault("payment.accountName", defaults.AccountName)
	v.SetDefault("payment.accountNumber", defaults.AccountNumber)
	v.SetDefault("payment.qrPayload", defaults.QRPayload)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
	}

	var cfg PaymentConfig
	if err := v.UnmarshalKey("payment", &cfg); err != nil {
		return nil, err
	}
	if err := validatePaymentConfig(cfg); err != nil {
		return nil, err
	}

	holder := &PaymentConfigHolder{}
	holder.current.Store(cfg)

	if !fileFound {
		log.Info("payment config file not found, using defaults")
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated PaymentConfig
		if err := v.UnmarshalKey("payment", &updated); err != nil {
			log.Warn("reload failed", zap.Error(err))
			return
		}
		if err := validatePaymentConfig(updated); err != nil {
			log.Warn("invalid config ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *PaymentConfigHolder) Get() PaymentConfig {
	return h.current.Load().(PaymentConfig)
}

func validatePaymentConfig(cfg PaymentConfig) error {
	if cfg.WindowSeconds <= 0 {
		return errors.New("payment.windowSeconds must be positive")
	}
	if len(strings.TrimSpace(cfg.Currency)) != 3 {
		return errors.New("payment.currency must be a 3-letter code")
	}
	if strings.TrimSpace(cfg.AccountNumber) == "" {
		return errors.New("payment.accountNumber cannot be empty")
	}
	return nil
}
