package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/common/version"
	"gopkg.in/yaml.v2"

	"github.com/daqkit/daqctl/pkg/cnc"
	"github.com/daqkit/daqctl/pkg/runset"
)

func main() {
	var (
		cfg          cnc.Config
		configFile   string
		logLevel     string
		journalDir   string
		printVersion bool
	)
	cfg.RegisterFlags(flag.CommandLine)
	flag.StringVar(&configFile, "config.file", "", "YAML configuration file to load; flags override its values.")
	flag.StringVar(&logLevel, "log.level", "info", "Log level: debug, info, warn, error.")
	flag.StringVar(&journalDir, "run.journal-directory", "", "Directory for per-run summary files; empty disables the journal.")
	flag.BoolVar(&printVersion, "version", false, "Print version information and exit.")
	flag.Parse()

	if printVersion {
		fmt.Println(version.Print("daqctl"))
		os.Exit(0)
	}

	if configFile != "" {
		if err := loadConfig(configFile, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "failed to load %s: %s\n", configFile, err)
			os.Exit(1)
		}
		// Command-line flags win over file values.
		flag.Parse()
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %s\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var sinks runset.Sinks
	if journalDir != "" {
		sinks.Journal = fileJournal{dir: journalDir}
	}

	prometheus.MustRegister(versioncollector.NewCollector("daqctl"))

	server := cnc.NewServer(cfg, sinks, prometheus.DefaultRegisterer, logger, quartz.NewReal())
	if err := services.StartAndAwaitRunning(context.Background(), server); err != nil {
		level.Error(logger).Log("msg", "failed to start", "err", err)
		os.Exit(1)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	level.Info(logger).Log("msg", "shutting down", "signal", sig)

	server.StopAsync()
	if err := server.AwaitTerminated(context.Background()); err != nil {
		level.Error(logger).Log("msg", "shutdown failed", "err", err)
		os.Exit(1)
	}
}

func loadConfig(path string, cfg *cnc.Config) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.UnmarshalStrict(buf, cfg)
}

func newLogger(lvl string) (log.Logger, error) {
	var opt level.Option
	switch lvl {
	case "debug":
		opt = level.AllowDebug()
	case "info":
		opt = level.AllowInfo()
	case "warn":
		opt = level.AllowWarn()
	case "error":
		opt = level.AllowError()
	default:
		return nil, errors.Errorf("unknown log level %q", lvl)
	}
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = level.NewFilter(logger, opt)
	return log.With(logger, "ts", log.DefaultTimestampUTC), nil
}

// fileJournal writes one JSON summary file per finished run.
type fileJournal struct {
	dir string
}

func (j fileJournal) Record(sum runset.Summary) error {
	buf, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return err
	}
	name := filepath.Join(j.dir, fmt.Sprintf("run-%d.json", sum.RunNumber))
	return os.WriteFile(name, buf, 0o644)
}
