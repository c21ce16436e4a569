package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)

	require.Equal(t, "tradegate", cfg.App.Name)
	require.Equal(t, 55, cfg.Broker.RateLimit)
	require.Equal(t, 60*time.Second, cfg.Broker.RateWindow)
	require.Equal(t, 15*time.Second, cfg.Cache.PortfolioTTL)
	require.Equal(t, 30*time.Minute, cfg.Cache.SymbolTTL)
	require.Equal(t, "1000", cfg.Risk.MaxDailyLossUSD.String())
	require.Equal(t, 15*time.Minute, cfg.Risk.ApprovalTTL)
	require.Equal(t, "America/New_York", cfg.Market.Timezone)
}

func TestLoadDecodesDecimalThresholds(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
risk:
  max_daily_loss_usd: "2500.50"
  approval_threshold_usd: 10000
`))
	require.NoError(t, err)
	require.Equal(t, "2500.5", cfg.Risk.MaxDailyLossUSD.String())
	require.Equal(t, "10000", cfg.Risk.ApprovalThresholdUSD.String())
}

func TestValidateRejectsBadEnvironment(t *testing.T) {
	_, err := Load(writeConfig(t, `
broker:
  environment: staging
`))
	require.ErrorContains(t, err, "broker.environment")
}

func TestValidateRejectsBadSessionTime(t *testing.T) {
	_, err := Load(writeConfig(t, `
market:
  open_time: "9am"
`))
	require.ErrorContains(t, err, "market.open_time")
}

func TestValidateRejectsZeroRateLimit(t *testing.T) {
	_, err := Load(writeConfig(t, `
broker:
  rate_limit: 0
`))
	require.ErrorContains(t, err, "broker.rate_limit")
}
