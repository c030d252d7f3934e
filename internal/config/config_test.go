package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const validConfig = `
exchange:
  api_key: test-key
  api_secret: test-secret
  testnet: true
risk:
  use_fixed_monetary_risk: true
  fixed_monetary_risk_per_trade: 1.0
  risk_reward_multiplier: 10
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, 15, cfg.Trading.TickIntervalSeconds)
	assert.Equal(t, 300, cfg.Trading.ConfigReloadSeconds)
	assert.Equal(t, "5m", cfg.Trading.PrimaryInterval)
	assert.Equal(t, "1m", cfg.Trading.TriggerInterval)
	assert.Equal(t, "15m", cfg.Trading.SLReferenceInterval)
	assert.Equal(t, 20, cfg.Trading.BBLength)
	assert.True(t, cfg.Exchange.Testnet)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_BB_API_KEY", "expanded-key")
	cfg, err := Load(writeConfig(t, `
exchange:
  api_key: ${TEST_BB_API_KEY}
  api_secret: secret
risk:
  use_fixed_monetary_risk: true
  fixed_monetary_risk_per_trade: 1.0
  risk_reward_multiplier: 10
`))
	require.NoError(t, err)
	assert.Equal(t, "expanded-key", cfg.Exchange.APIKey)
}

func TestValidateRejectsMissingCredentials(t *testing.T) {
	_, err := Load(writeConfig(t, `
risk:
  use_fixed_monetary_risk: true
  fixed_monetary_risk_per_trade: 1.0
  risk_reward_multiplier: 10
`))
	require.Error(t, err)
	var verr ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "exchange.api_key", verr.Field)
}

func TestValidateRequiresExactlyOneRiskSource(t *testing.T) {
	for _, body := range []string{
		// both enabled
		validConfig + "  use_percentage_risk: true\n  risk_percentage_per_trade: 1\n",
		// neither enabled
		`
exchange:
  api_key: k
  api_secret: s
risk:
  use_fixed_monetary_risk: false
  use_percentage_risk: false
  risk_reward_multiplier: 10
`,
	} {
		_, err := Load(writeConfig(t, body))
		require.Error(t, err)
		var verr ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "risk.use_fixed_monetary_risk", verr.Field)
	}
}

func TestValidateRejectsBadInterval(t *testing.T) {
	_, err := Load(writeConfig(t, validConfig+`
trading:
  primary_interval: 7m
`))
	require.Error(t, err)
}

func TestIntervalDuration(t *testing.T) {
	d, err := IntervalDuration("5m")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, d)

	d, err = IntervalDuration("1h")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, d)

	_, err = IntervalDuration("7m")
	require.Error(t, err)
}

func TestSymbolsFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "symbols.json")

	cfg := DefaultConfig()
	cfg.Trading.DefaultSymbol = "BTCUSDT"
	sf := DefaultSymbols(cfg)
	require.NoError(t, SaveSymbolsFile(path, sf))

	loaded, err := LoadSymbolsFile(path)
	require.NoError(t, err)
	require.Contains(t, loaded, "BTCUSDT")
	assert.Equal(t, "5m", loaded["BTCUSDT"].PrimaryInterval)
	assert.True(t, loaded["BTCUSDT"].Active)
	assert.Equal(t, []string{"BTCUSDT"}, loaded.ActiveSymbols())
}

func TestLoadSymbolsFileMissingIsNil(t *testing.T) {
	sf, err := LoadSymbolsFile(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Nil(t, sf)
}

func TestMaskString(t *testing.T) {
	assert.Equal(t, "********", MaskString("12345678"))
	assert.Equal(t, "abcd********wxyz", MaskString("abcdefghijklwxyz"))
}
