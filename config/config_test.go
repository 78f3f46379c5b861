package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ebalder/folio/internal/domain"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestGetYaml(t *testing.T) {
	path := writeConfig(t, `
venue: coinbase
owner: alice
listen: ":9090"
data_dir: /tmp/folio
max_iterations: 10
tolerance_percent: "0.5"
call_timeout: 5s
targets:
  BTC: "0.6"
  USD: "0.4"
`)

	cfg, err := getYaml(path)
	require.NoError(t, err)
	require.Equal(t, "coinbase", cfg.Venue)
	require.Equal(t, "alice", cfg.Owner)
	require.Equal(t, ":9090", cfg.Listen)
	require.Equal(t, "/tmp/folio", cfg.DataDir)
	require.Equal(t, 10, cfg.MaxIterations)
	require.Equal(t, 5*time.Second, cfg.CallTimeout)
	require.True(t, cfg.TolerancePercent.Equal(decimal.RequireFromString("0.5")))
	require.True(t, cfg.Targets["BTC"].Equal(decimal.RequireFromString("0.6")))

	set := cfg.TargetSet()
	require.Len(t, set, 2)
	for _, target := range set {
		require.Equal(t, "alice", target.Owner)
	}
}

func TestGetYamlDefaults(t *testing.T) {
	path := writeConfig(t, `
venue: binance
`)

	cfg, err := getYaml(path)
	require.NoError(t, err)
	require.Equal(t, "default", cfg.Owner)
	require.Equal(t, ":8080", cfg.Listen)
	require.Equal(t, "./wal", cfg.DataDir)
	require.Equal(t, 30, cfg.MaxIterations)
	require.Equal(t, 10*time.Second, cfg.CallTimeout)
	require.True(t, cfg.TolerancePercent.Equal(decimal.NewFromInt(1)))
	require.Nil(t, cfg.TargetSet())
}

func TestGetYamlRejectsUnsupportedVenue(t *testing.T) {
	path := writeConfig(t, `
venue: kraken
`)

	_, err := getYaml(path)
	require.Error(t, err)
}

func TestGetYamlRejectsBadTolerance(t *testing.T) {
	path := writeConfig(t, `
venue: coinbase
tolerance_percent: "lots"
`)

	_, err := getYaml(path)
	require.Error(t, err)
}

func TestGetYamlRejectsTargetsNotSummingToOne(t *testing.T) {
	path := writeConfig(t, `
venue: coinbase
targets:
  BTC: "0.6"
  USD: "0.3"
`)

	_, err := getYaml(path)
	require.ErrorIs(t, err, domain.ErrAllocationInvalid)
}

func TestValidateRejectsNonPositiveIterations(t *testing.T) {
	cfg := Config{
		Venue:            "coinbase",
		MaxIterations:    0,
		TolerancePercent: decimal.NewFromInt(1),
	}
	require.Error(t, cfg.validate())
}
