package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.SettlementPollInterval)
	assert.Equal(t, 30, cfg.SettlementMaxAttempts)
	assert.Equal(t, "@every 30s", cfg.SettlementSweepSchedule)
	assert.Equal(t, []string{"MOBILE_MONEY_A", "MOBILE_MONEY_B"}, cfg.TillTenders())
	assert.Equal(t, "1", cfg.WarningPct().String())
	assert.Equal(t, "5", cfg.CriticalPct().String())
	assert.False(t, cfg.KafkaEnabled())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SETTLEMENT_POLL_INTERVAL", "500ms")
	t.Setenv("SETTLEMENT_MAX_ATTEMPTS", "5")
	t.Setenv("TILL_TENDER_TYPES", " mobile_money_a , ")
	t.Setenv("KAFKA_BROKERS", "localhost:9092")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, cfg.SettlementPollInterval)
	assert.Equal(t, 5, cfg.SettlementMaxAttempts)
	assert.Equal(t, []string{"MOBILE_MONEY_A"}, cfg.TillTenders())
	assert.True(t, cfg.KafkaEnabled())
}

func TestValidate_RejectsInvertedThresholds(t *testing.T) {
	cfg := &Config{
		SettlementPollInterval:   time.Second,
		SettlementMaxAttempts:    1,
		SettlementPollerPoolSize: 1,
		VarianceWarningPct:       5,
		VarianceCriticalPct:      1,
	}
	assert.Error(t, cfg.Validate())
}

func TestValidate_ProductionNeedsJWTSecret(t *testing.T) {
	cfg := &Config{
		Env:                      "production",
		SettlementPollInterval:   time.Second,
		SettlementMaxAttempts:    1,
		SettlementPollerPoolSize: 1,
	}
	assert.Error(t, cfg.Validate())
	cfg.JWTSecret = "s3cret"
	assert.NoError(t, cfg.Validate())
}
