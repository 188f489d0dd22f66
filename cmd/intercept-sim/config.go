package main

import (
	"errors"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// simConfig holds simulator settings loaded from the environment.
type simConfig struct {
	Accounts      int           `mapstructure:"SIM_ACCOUNTS"`
	Concurrency   int           `mapstructure:"SIM_CONCURRENCY"`
	PasswordEvery int           `mapstructure:"SIM_PASSWORD_EVERY"`
	Recipients    int           `mapstructure:"SIM_RECIPIENTS"`
	CallDelay     time.Duration `mapstructure:"SIM_CALL_DELAY"`
	DeliveryWait  time.Duration `mapstructure:"SIM_DELIVERY_WAIT"`
	Hold          time.Duration `mapstructure:"SIM_HOLD"`

	RedisAddr      string `mapstructure:"REDIS_ADDR"`
	SealPassphrase string `mapstructure:"SEAL_PASSPHRASE"`
	BotToken       string `mapstructure:"BOT_TOKEN"`
	BotChatID      int64  `mapstructure:"BOT_CHAT_ID"`
	MetricsAddr    string `mapstructure:"METRICS_ADDR"`
	LogLevel       string `mapstructure:"LOG_LEVEL"`
}

// loadConfig reads .env when present, then the environment. Environment
// values win.
func loadConfig() (*simConfig, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("SIM_ACCOUNTS", 200)
	v.SetDefault("SIM_CONCURRENCY", 32)
	v.SetDefault("SIM_PASSWORD_EVERY", 5)
	v.SetDefault("SIM_RECIPIENTS", 2)
	v.SetDefault("SIM_CALL_DELAY", "2ms")
	v.SetDefault("SIM_DELIVERY_WAIT", "5s")
	v.SetDefault("SIM_HOLD", "0s")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("SEAL_PASSPHRASE", "")
	v.SetDefault("BOT_TOKEN", "")
	v.SetDefault("BOT_CHAT_ID", 0)
	v.SetDefault("METRICS_ADDR", "")
	v.SetDefault("LOG_LEVEL", "info")

	var cfg simConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.Accounts <= 0 || cfg.Concurrency <= 0 {
		return nil, errors.New("config: SIM_ACCOUNTS and SIM_CONCURRENCY must be > 0")
	}
	if cfg.Recipients <= 0 {
		return nil, errors.New("config: SIM_RECIPIENTS must be > 0")
	}
	if cfg.PasswordEvery < 0 {
		return nil, errors.New("config: SIM_PASSWORD_EVERY must be >= 0")
	}
	if cfg.BotToken != "" && cfg.BotChatID == 0 {
		return nil, errors.New("config: BOT_CHAT_ID is required with BOT_TOKEN")
	}
	if cfg.DeliveryWait <= 0 {
		cfg.DeliveryWait = 5 * time.Second
	}
	return &cfg, nil
}
