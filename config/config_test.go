package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

const sample = `{
  "pools": [
    {"url": "stratum+tcp://pool.example.com:3333", "user": "wallet.rig", "pass": "x", "algo": "sha256d"},
    {"url": "stratum+tcp://backup.example.com:3333", "user": "wallet.rig", "algo": "blake2b", "active": true}
  ],
  "plugins": [
    {"name": "cpu", "enabled": true, "threads": 2, "randomnonce": true},
    {"name": "thyroid", "enabled": false, "device": "/dev/ttyAMA0", "muxnum": 4, "noncetimeout": "1s"}
  ],
  "jobwindow": 2,
  "upstream": {"stalepolicy": "PAUSE", "backoffmax": "1m"},
  "log": {"level": "debug"}
}`

func load(t *testing.T, doc string) (*Config, error) {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("json")
	require.NoError(t, v.ReadConfig(strings.NewReader(doc)))
	return Load(v)
}

func TestLoad(t *testing.T) {
	cfg, err := load(t, sample)
	require.NoError(t, err)

	require.Len(t, cfg.Pools, 2)
	require.Equal(t, "blake2b", cfg.ActivePool().Algo)
	require.Len(t, cfg.Plugins, 2)
	require.Equal(t, 2, cfg.Plugins[0].Threads)
	require.True(t, cfg.Plugins[0].RandomNonce)
	require.Equal(t, "blake2b", cfg.Plugins[0].Algo)
	require.Equal(t, time.Second, cfg.Plugins[1].NonceTraverseTimeout)
	require.Equal(t, 4, cfg.Plugins[1].MuxNums)

	require.Equal(t, 2, cfg.JobWindow)
	require.Equal(t, StalePause, cfg.Upstream.StalePolicy)
	require.Equal(t, time.Minute, cfg.Upstream.BackoffMax)
	require.Equal(t, time.Second, cfg.Upstream.BackoffBase)
	require.Equal(t, 16, cfg.Upstream.QueueSize)
	require.Equal(t, 4096, cfg.Collector.SeenSize)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
}

func TestDefaultPlugin(t *testing.T) {
	cfg, err := load(t, `{"pools": [{"url": "stratum+tcp://p:1", "algo": "sha256d"}]}`)
	require.NoError(t, err)
	require.Len(t, cfg.Plugins, 1)
	require.Equal(t, "cpu", cfg.Plugins[0].Name)
	require.True(t, cfg.Plugins[0].Enabled)
}

func TestValidate(t *testing.T) {
	for name, doc := range map[string]string{
		"no pools":      `{}`,
		"bad scheme":    `{"pools": [{"url": "grpc://p:1", "algo": "sha256d"}]}`,
		"unknown algo":  `{"pools": [{"url": "stratum+tcp://p:1", "algo": "scrypt"}]}`,
		"stale policy":  `{"pools": [{"url": "stratum+tcp://p:1", "algo": "sha256d"}], "upstream": {"stalepolicy": "drop"}}`,
		"no plugins":    `{"pools": [{"url": "stratum+tcp://p:1", "algo": "sha256d"}], "plugins": [{"name": "cpu", "enabled": false}]}`,
		"neg window":    `{"pools": [{"url": "stratum+tcp://p:1", "algo": "sha256d"}], "jobwindow": -1}`,
		"no queue":      `{"pools": [{"url": "stratum+tcp://p:1", "algo": "sha256d"}], "upstream": {"queuesize": 0}}`,
		"backoff order": `{"pools": [{"url": "stratum+tcp://p:1", "algo": "sha256d"}], "upstream": {"backoffbase": "1m", "backoffmax": "1s"}}`,
	} {
		_, err := load(t, doc)
		require.ErrorIs(t, err, ErrInvalid, name)
	}
}
