package config_test

import (
	"testing"
	"time"

	"github.com/allanwsilva/bisq/pkg/config"
	"github.com/allanwsilva/bisq/pkg/types"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load(viper.New())
	require.NoError(t, err)
	d := config.Default()
	require.Equal(t, d.DataDir, cfg.DataDir)
	require.Equal(t, d.ListenAddrs, cfg.ListenAddrs)
	require.Equal(t, d.PropagationWindow, cfg.PropagationWindow)
	require.Equal(t, d.SupportedAltcoins, cfg.SupportedAltcoins)
	require.NoError(t, cfg.Validate())

	oo := cfg.OpenOffers()
	require.Equal(t, "0.15", oo.DefaultSecurityDepositPct.String())
	require.Equal(t, "0.01", oo.PriceTolerance.String())
	require.Equal(t, int64(types.DefaultMinSecurityDeposit), oo.MinSecurityDeposit)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("BISQ_POLL_INTERVAL", "2s")
	t.Setenv("BISQ_MIN_CONFIRMATIONS", "3")
	t.Setenv("BISQ_DATA_DIR", "/tmp/bisq-test")

	cfg, err := config.Load(viper.New())
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, cfg.PollInterval)
	require.Equal(t, 3, cfg.MinConfirmations)
	require.Equal(t, "/tmp/bisq-test/db", cfg.DBDir())

	p := cfg.Protocol()
	require.Equal(t, 3, p.MinConfirmations)
	require.Equal(t, 2*time.Second, p.PollInterval)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"no data dir", func(c *config.Config) { c.DataDir = "" }},
		{"zero confirmations", func(c *config.Config) { c.MinConfirmations = 0 }},
		{"negative retries", func(c *config.Config) { c.MaxRetries = -1 }},
		{"zero ack timeout", func(c *config.Config) { c.AckTimeout = 0 }},
		{"zero propagation window", func(c *config.Config) { c.PropagationWindow = 0 }},
		{"deposit above half", func(c *config.Config) { c.SecurityDepositPct = 60 }},
		{"no min deposit", func(c *config.Config) { c.MinSecurityDeposit = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(&cfg)
			require.ErrorIs(t, cfg.Validate(), types.ErrValidation)
		})
	}
}
