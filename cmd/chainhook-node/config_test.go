package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigHasSaneStorageAndConfirmationDefaults(t *testing.T) {
	cfg := defaultConfig()

	require.Equal(t, ":20456", cfg.HTTPListenAddr)
	require.Equal(t, "leveldb", cfg.StacksStore.Type)
	require.Equal(t, "leveldb", cfg.BitcoinStore.Type)
	require.EqualValues(t, 6, cfg.ConfirmationDepth)
	require.Equal(t, 10*time.Second, cfg.Metrics.InfluxDBInterval)
}

func TestLoadConfigOverlaysOnlyPresentFields(t *testing.T) {
	cfg := defaultConfig()
	err := loadConfig("testdata/config.toml", &cfg)
	require.NoError(t, err)

	require.Equal(t, ":9000", cfg.HTTPListenAddr)
	require.Equal(t, "/etc/chainhook/predicates", cfg.PredicateDir)
	require.Equal(t, "badger", cfg.StacksStore.Type)
	require.Equal(t, "/var/lib/chainhook/stacks", cfg.StacksStore.Dir)
	require.True(t, cfg.Metrics.Enabled)
	require.Equal(t, ":9100", cfg.Metrics.PrometheusAddr)

	// fields the TOML file never mentions keep their defaults
	require.Equal(t, "leveldb", cfg.BitcoinStore.Type)
	require.EqualValues(t, 6, cfg.ConfirmationDepth)
}

func TestLoadConfigRejectsUnknownField(t *testing.T) {
	cfg := defaultConfig()
	err := loadConfig("testdata/bad_config.toml", &cfg)
	require.Error(t, err)
}
