// Package config holds the settings of a node and loads them from viper.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/allanwsilva/bisq/pkg/delivery"
	"github.com/allanwsilva/bisq/pkg/offerbook"
	"github.com/allanwsilva/bisq/pkg/openoffer"
	"github.com/allanwsilva/bisq/pkg/protocol"
	"github.com/allanwsilva/bisq/pkg/types"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load
const EnvPrefix = "BISQ"

// Config is the complete node configuration
type Config struct {
	DataDir        string   `mapstructure:"data-dir"`
	ListenAddrs    []string `mapstructure:"listen"`
	BootstrapPeers []string `mapstructure:"bootstrap"`
	LogLevel       string   `mapstructure:"log-level"`
	MetricsAddr    string   `mapstructure:"metrics-addr"`
	// Run against a simulated chain and wallet
	Dev bool `mapstructure:"dev"`
	// Block interval of the simulated chain
	DevBlockInterval time.Duration `mapstructure:"dev-block-interval"`

	MinConfirmations    int           `mapstructure:"min-confirmations"`
	PollInterval        time.Duration `mapstructure:"poll-interval"`
	DepositTimeout      time.Duration `mapstructure:"deposit-timeout"`
	AckTimeout          time.Duration `mapstructure:"ack-timeout"`
	MaxRetries          int           `mapstructure:"max-retries"`
	RetryBackoffBase    time.Duration `mapstructure:"retry-backoff-base"`
	RetryBackoffMax     time.Duration `mapstructure:"retry-backoff-max"`
	PropagationWindow   time.Duration `mapstructure:"propagation-window"`
	OfferTTL            time.Duration `mapstructure:"offer-ttl"`
	RepublishInterval   time.Duration `mapstructure:"republish-interval"`
	SecurityDepositPct  float64       `mapstructure:"security-deposit-pct"` // percent literal, 15 = 15%
	MinSecurityDeposit  int64         `mapstructure:"min-security-deposit"`
	PriceTolerancePct   float64       `mapstructure:"price-tolerance-pct"` // percent literal
	SupportedAltcoins   []string      `mapstructure:"altcoins"`
	MaxMatchingAttempts int           `mapstructure:"max-matching-attempts"`
}

// Default returns the default configuration
func Default() Config {
	return Config{
		DataDir:             btcutil.AppDataDir("bisqd", false),
		ListenAddrs:         []string{"/ip4/0.0.0.0/tcp/9000"},
		LogLevel:            "info",
		DevBlockInterval:    10 * time.Second,
		MinConfirmations:    1,
		PollInterval:        10 * time.Second,
		DepositTimeout:      time.Hour,
		AckTimeout:          10 * time.Second,
		MaxRetries:          5,
		RetryBackoffBase:    time.Second,
		RetryBackoffMax:     time.Minute,
		PropagationWindow:   30 * time.Second,
		OfferTTL:            30 * time.Minute,
		RepublishInterval:   10 * time.Minute,
		SecurityDepositPct:  types.DefaultSellerSecurityDepositPct * 100,
		MinSecurityDeposit:  types.DefaultMinSecurityDeposit,
		PriceTolerancePct:   1,
		SupportedAltcoins:   []string{"XMR", "LTC", "ETH", "BSQ"},
		MaxMatchingAttempts: 5,
	}
}

// SetDefaults registers the defaults with v so that env variables and
// config file keys are picked up for every field
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("data-dir", d.DataDir)
	v.SetDefault("listen", d.ListenAddrs)
	v.SetDefault("bootstrap", d.BootstrapPeers)
	v.SetDefault("log-level", d.LogLevel)
	v.SetDefault("metrics-addr", d.MetricsAddr)
	v.SetDefault("dev", d.Dev)
	v.SetDefault("dev-block-interval", d.DevBlockInterval)
	v.SetDefault("min-confirmations", d.MinConfirmations)
	v.SetDefault("poll-interval", d.PollInterval)
	v.SetDefault("deposit-timeout", d.DepositTimeout)
	v.SetDefault("ack-timeout", d.AckTimeout)
	v.SetDefault("max-retries", d.MaxRetries)
	v.SetDefault("retry-backoff-base", d.RetryBackoffBase)
	v.SetDefault("retry-backoff-max", d.RetryBackoffMax)
	v.SetDefault("propagation-window", d.PropagationWindow)
	v.SetDefault("offer-ttl", d.OfferTTL)
	v.SetDefault("republish-interval", d.RepublishInterval)
	v.SetDefault("security-deposit-pct", d.SecurityDepositPct)
	v.SetDefault("min-security-deposit", d.MinSecurityDeposit)
	v.SetDefault("price-tolerance-pct", d.PriceTolerancePct)
	v.SetDefault("altcoins", d.SupportedAltcoins)
	v.SetDefault("max-matching-attempts", d.MaxMatchingAttempts)
}

// Load reads the configuration from v, falling back to the defaults.
// Environment variables are read as BISQ_<KEY> with dashes as underscores.
func Load(v *viper.Viper) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the node cannot run with
func (c Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data-dir must be set"))
	}
	if c.MinConfirmations <= 0 {
		errs = append(errs, errors.New("min-confirmations must be positive"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("max-retries must not be negative"))
	}
	if c.MaxMatchingAttempts <= 0 {
		errs = append(errs, errors.New("max-matching-attempts must be positive"))
	}
	durations := map[string]time.Duration{
		"poll-interval":      c.PollInterval,
		"deposit-timeout":    c.DepositTimeout,
		"ack-timeout":        c.AckTimeout,
		"retry-backoff-base": c.RetryBackoffBase,
		"retry-backoff-max":  c.RetryBackoffMax,
		"propagation-window": c.PropagationWindow,
		"offer-ttl":          c.OfferTTL,
		"republish-interval": c.RepublishInterval,
	}
	for name, d := range durations {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Dev && c.DevBlockInterval <= 0 {
		errs = append(errs, errors.New("dev-block-interval must be positive"))
	}
	if c.SecurityDepositPct <= 0 || c.SecurityDepositPct > 50 {
		errs = append(errs, errors.New("security-deposit-pct must be in (0, 50]"))
	}
	if c.MinSecurityDeposit <= 0 {
		errs = append(errs, errors.New("min-security-deposit must be positive"))
	}
	if c.PriceTolerancePct < 0 {
		errs = append(errs, errors.New("price-tolerance-pct must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", types.ErrValidation, err)
	}
	return nil
}

// DBDir is where the node keeps its database
func (c Config) DBDir() string {
	return filepath.Join(c.DataDir, "db")
}

// IdentityPath is where the node keeps its libp2p identity
func (c Config) IdentityPath() string {
	return filepath.Join(c.DataDir, "identity.key")
}

// Delivery returns the message delivery settings
func (c Config) Delivery() delivery.Config {
	d := delivery.DefaultConfig()
	d.AckTimeout = c.AckTimeout
	d.MaxRetries = c.MaxRetries
	d.BackoffBase = c.RetryBackoffBase
	d.BackoffMax = c.RetryBackoffMax
	return d
}

// Protocol returns the trade protocol settings
func (c Config) Protocol() protocol.Config {
	p := protocol.DefaultConfig()
	p.MinConfirmations = c.MinConfirmations
	p.PollInterval = c.PollInterval
	p.DepositTimeout = c.DepositTimeout
	return p
}

// OfferBook returns the offer book settings
func (c Config) OfferBook() offerbook.Config {
	b := offerbook.DefaultConfig()
	b.OfferTTL = c.OfferTTL
	return b
}

// OpenOffers returns the open offer settings
func (c Config) OpenOffers() openoffer.Config {
	o := openoffer.DefaultConfig()
	o.RepublishInterval = c.RepublishInterval
	o.MinSecurityDeposit = c.MinSecurityDeposit
	o.DefaultSecurityDepositPct = types.ScalePercentLiteral(c.SecurityDepositPct)
	o.PriceTolerance = types.ScalePercentLiteral(c.PriceTolerancePct)
	return o
}
