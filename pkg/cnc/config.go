package cnc

import (
	"flag"
	"time"

	"github.com/pkg/errors"

	"github.com/daqkit/daqctl/pkg/runset"
)

// Defaults for the daemon-level knobs. Collection covers the wait for
// straggling components at runset build time; the watchdog interval paces
// the liveness sweep over the idle pool.
const (
	DefaultHTTPListenAddr    = ":8080"
	DefaultCollectionTimeout = 60 * time.Second
	DefaultCollectionWait    = 5 * time.Second
	DefaultWatchdogInterval  = 5 * time.Second
)

// Config holds the daemon configuration: the operator API address, the
// registry timing knobs and the embedded runset lifecycle budgets.
type Config struct {
	// HTTPListenAddr is where the operator API and metrics are served.
	HTTPListenAddr string `yaml:"http_listen_addr"`

	// ClusterDesc is reported on every run start and stop line.
	ClusterDesc string `yaml:"cluster_desc"`

	// CollectionTimeout bounds how long a runset build waits for its
	// required components to show up in the pool.
	CollectionTimeout time.Duration `yaml:"collection_timeout"`

	// CollectionWait is the pause between pool checks while collecting.
	CollectionWait time.Duration `yaml:"collection_wait"`

	// WatchdogInterval paces the liveness sweep over the idle pool.
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`

	// ReturnFailedRunsets breaks up runsets that land in the error state
	// so their components go back to the pool without operator action.
	ReturnFailedRunsets bool `yaml:"return_failed_runsets"`

	RunSet runset.Config `yaml:"runset"`
}

// RegisterFlags registers the daemon flags, including the runset budgets.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.HTTPListenAddr, "cnc.http-listen-addr", DefaultHTTPListenAddr, "Address the operator API listens on.")
	f.StringVar(&cfg.ClusterDesc, "cnc.cluster-description", "localhost", "Cluster description reported on run start and stop.")
	f.DurationVar(&cfg.CollectionTimeout, "cnc.collection-timeout", DefaultCollectionTimeout, "How long a runset build waits for required components to register.")
	f.DurationVar(&cfg.CollectionWait, "cnc.collection-wait", DefaultCollectionWait, "Pause between pool checks while collecting runset components.")
	f.DurationVar(&cfg.WatchdogInterval, "cnc.watchdog-interval", DefaultWatchdogInterval, "Interval between liveness checks of idle components.")
	f.BoolVar(&cfg.ReturnFailedRunsets, "cnc.return-failed-runsets", true, "Automatically break up runsets that land in the error state.")
	cfg.RunSet.RegisterFlags(f)
}

func (cfg *Config) Validate() error {
	if cfg.HTTPListenAddr == "" {
		return errors.New("http-listen-addr must not be empty")
	}
	if cfg.CollectionTimeout <= 0 {
		return errors.New("collection-timeout must be greater than 0")
	}
	if cfg.CollectionWait <= 0 {
		return errors.New("collection-wait must be greater than 0")
	}
	if cfg.WatchdogInterval <= 0 {
		return errors.New("watchdog-interval must be greater than 0")
	}
	return cfg.RunSet.Validate()
}
