package cnc

import (
	"testing"
	"time"

	"github.com/grafana/dskit/flagext"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	flagext.DefaultValues(&cfg)

	require.Equal(t, ":8080", cfg.HTTPListenAddr)
	require.Equal(t, "localhost", cfg.ClusterDesc)
	require.Equal(t, 60*time.Second, cfg.CollectionTimeout)
	require.Equal(t, 5*time.Second, cfg.CollectionWait)
	require.Equal(t, 5*time.Second, cfg.WatchdogInterval)
	require.True(t, cfg.ReturnFailedRunsets)
	require.Equal(t, 60*time.Second, cfg.RunSet.ConfigureTimeout)

	require.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(cfg *Config)
		err    string
	}{
		{
			name:   "listen address",
			mutate: func(cfg *Config) { cfg.HTTPListenAddr = "" },
			err:    "http-listen-addr must not be empty",
		},
		{
			name:   "collection timeout",
			mutate: func(cfg *Config) { cfg.CollectionTimeout = 0 },
			err:    "collection-timeout must be greater than 0",
		},
		{
			name:   "collection wait",
			mutate: func(cfg *Config) { cfg.CollectionWait = -time.Second },
			err:    "collection-wait must be greater than 0",
		},
		{
			name:   "watchdog interval",
			mutate: func(cfg *Config) { cfg.WatchdogInterval = 0 },
			err:    "watchdog-interval must be greater than 0",
		},
		{
			name:   "nested runset budget",
			mutate: func(cfg *Config) { cfg.RunSet.StartTimeout = 0 },
			err:    "start-timeout must be greater than 0",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var cfg Config
			flagext.DefaultValues(&cfg)
			tc.mutate(&cfg)
			require.EqualError(t, cfg.Validate(), tc.err)
		})
	}
}
