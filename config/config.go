// Package config loads terminal settings from a YAML file and TAPPAY_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/vitwit/tappay/types"
	"github.com/vitwit/tappay/utils"
)

const EnvPrefix = "TAPPAY"

type Config struct {
	LogLevel string         `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	Merchant MerchantConfig `mapstructure:"merchant"`
	Reader   ReaderConfig   `mapstructure:"reader"`
	Session  SessionConfig  `mapstructure:"session"`
	Guard    GuardConfig    `mapstructure:"guard"`
	Channel  ChannelConfig  `mapstructure:"channel"`
	Chains   []ChainConfig  `mapstructure:"chains" validate:"required,min=1,dive"`
	Tokens   []TokenConfig  `mapstructure:"tokens" validate:"required,min=1,dive"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type MerchantConfig struct {
	Address string `mapstructure:"address" validate:"required,eth_addr"`
}

type ReaderConfig struct {
	Driver     string        `mapstructure:"driver" validate:"oneof=sim pcsc"`
	Name       string        `mapstructure:"name"`
	TapTimeout time.Duration `mapstructure:"tap_timeout" validate:"gt=0"`
}

type SessionConfig struct {
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type GuardConfig struct {
	Backend  string        `mapstructure:"backend" validate:"oneof=memory redis"`
	Cooldown time.Duration `mapstructure:"cooldown" validate:"gte=0"`
	RedisURL string        `mapstructure:"redis_url" validate:"required_if=Backend redis"`
	Prefix   string        `mapstructure:"prefix"`
	LeaseTTL time.Duration `mapstructure:"lease_ttl" validate:"gt=0"`
}

type ChannelConfig struct {
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts" validate:"gt=0"`
	ReconnectDelay       time.Duration `mapstructure:"reconnect_delay" validate:"gte=0"`
	ConnectTimeout       time.Duration `mapstructure:"connect_timeout" validate:"gt=0"`
	PollInterval         time.Duration `mapstructure:"poll_interval" validate:"gte=0"`
	RequeryDepth         uint64        `mapstructure:"requery_depth"`
	VerifyInterval       time.Duration `mapstructure:"verify_interval" validate:"gt=0"`
}

type ChainConfig struct {
	ID     int64  `mapstructure:"id" validate:"gt=0"`
	RPCURL string `mapstructure:"rpc_url" validate:"required,url"`
	WSURL  string `mapstructure:"ws_url" validate:"omitempty,url"`
}

type TokenConfig struct {
	ChainID  int64  `mapstructure:"chain_id" validate:"gt=0"`
	Address  string `mapstructure:"address" validate:"required"`
	Symbol   string `mapstructure:"symbol" validate:"required"`
	Decimals int32  `mapstructure:"decimals" validate:"gte=0,lte=36"`
	PriceUSD string `mapstructure:"price_usd" validate:"required"`
}

// Token returns the token with a normalised address.
func (t TokenConfig) Token() types.Token {
	addr := types.NativeToken
	if !(types.Token{Address: t.Address}).IsNative() {
		addr = utils.NormalizeAddress(t.Address)
	}
	return types.Token{Address: addr, Symbol: t.Symbol, Decimals: t.Decimals}
}

// Price parses PriceUSD.
func (t TokenConfig) Price() (decimal.Decimal, error) {
	return utils.ValidateAmount(t.PriceUSD)
}

type NotifyConfig struct {
	AMQPURL  string `mapstructure:"amqp_url"`
	Exchange string `mapstructure:"exchange"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

var validate = validator.New()

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("merchant.address", "")
	v.SetDefault("reader.driver", "sim")
	v.SetDefault("reader.name", "")
	v.SetDefault("reader.tap_timeout", "30s")
	v.SetDefault("session.timeout", "5m")
	v.SetDefault("guard.backend", "memory")
	v.SetDefault("guard.cooldown", "2m")
	v.SetDefault("guard.redis_url", "")
	v.SetDefault("guard.prefix", "tappay")
	v.SetDefault("guard.lease_ttl", "10m")
	v.SetDefault("channel.max_reconnect_attempts", 5)
	v.SetDefault("channel.reconnect_delay", "3s")
	v.SetDefault("channel.connect_timeout", "10s")
	v.SetDefault("channel.poll_interval", "0s")
	v.SetDefault("channel.requery_depth", 5)
	v.SetDefault("channel.verify_interval", "2s")
	v.SetDefault("notify.amqp_url", "")
	v.SetDefault("notify.exchange", "pos_events")
	v.SetDefault("metrics.listen", "")
}

// Load reads path (optional) and applies environment overrides such as
// TAPPAY_MERCHANT_ADDRESS or TAPPAY_GUARD_BACKEND.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags and the cross-field rules tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var errs []error
	chains := make(map[int64]bool, len(c.Chains))
	for _, ch := range c.Chains {
		if chains[ch.ID] {
			errs = append(errs, fmt.Errorf("chain %d configured twice", ch.ID))
		}
		chains[ch.ID] = true
	}
	for _, t := range c.Tokens {
		if !chains[t.ChainID] {
			errs = append(errs, fmt.Errorf("token %s: chain %d has no rpc configured", t.Symbol, t.ChainID))
		}
		if t.Token().Address == "" {
			errs = append(errs, fmt.Errorf("token %s: invalid address %q", t.Symbol, t.Address))
		}
		if price, err := t.Price(); err != nil || !price.IsPositive() {
			errs = append(errs, fmt.Errorf("token %s: invalid price %q", t.Symbol, t.PriceUSD))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
