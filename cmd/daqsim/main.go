// daqsim drives the whole control plane against an in-memory detector: a
// configurable number of string hubs feeding a two-stage trigger chain and
// the event builders, all backed by comptest fakes. It builds a runset,
// runs it through N runs (stop/start or switch between them) and prints
// per-phase timings, exercising every lifecycle path without a single real
// component process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"
	"github.com/prometheus/common/version"

	"github.com/daqkit/daqctl/pkg/cnc"
	"github.com/daqkit/daqctl/pkg/component"
	"github.com/daqkit/daqctl/pkg/component/comptest"
	"github.com/daqkit/daqctl/pkg/runset"
)

// Detector timestamps are 0.1ns ticks.
const ticksPerSecond = int64(10000000000)

// Monitoring beans the simulated components answer for the accounting and
// good-time sweeps.
const (
	hubBean        = "stringhub"
	firstHitField  = "FirstChannelHitTime"
	lastHitField   = "LastChannelHitTime"
	nonZombieField = "NumberOfNonZombies"

	backEndBean     = "backEnd"
	secondaryBean   = "secondaryBuilders"
	eventDataField  = "EventData"
	runSummaryField = "RunData"
	firstEventField = "FirstEventTime"
	moniBuilderBean = "moniBuilder"
	snBuilderBean   = "snBuilder"
	tcalBuilderBean = "tcalBuilder"
)

type simConfig struct {
	numHubs   int
	numRuns   int
	firstRun  int
	dwell     time.Duration
	latency   time.Duration
	switching bool
	rateHz    int
	logLevel  string
}

func main() {
	var (
		cfg          simConfig
		printVersion bool
	)
	flag.IntVar(&cfg.numHubs, "hubs", 2, "Number of simulated string hubs.")
	flag.IntVar(&cfg.numRuns, "runs", 1, "Number of runs to drive.")
	flag.IntVar(&cfg.firstRun, "first-run", 100000, "First run number.")
	flag.DurationVar(&cfg.dwell, "dwell", 5*time.Second, "How long each run takes data.")
	flag.DurationVar(&cfg.latency, "latency", 0, "Simulated per-operation component latency.")
	flag.BoolVar(&cfg.switching, "switch", false, "Switch between runs instead of stopping and restarting.")
	flag.IntVar(&cfg.rateHz, "rate", 25, "Simulated physics event rate in Hz.")
	flag.StringVar(&cfg.logLevel, "log.level", "info", "Log level: debug, info, warn, error.")
	flag.BoolVar(&printVersion, "version", false, "Print version information and exit.")
	flag.Parse()

	if printVersion {
		fmt.Println(version.Print("daqsim"))
		os.Exit(0)
	}
	if cfg.numHubs < 1 || cfg.numRuns < 1 {
		fmt.Fprintln(os.Stderr, "need at least one hub and one run")
		os.Exit(1)
	}

	logger, err := newLogger(cfg.logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		level.Error(logger).Log("msg", "simulation failed", "err", err)
		os.Exit(1)
	}
}

func run(cfg simConfig, logger log.Logger) error {
	ctx := context.Background()

	det := newDetector(cfg.numHubs, cfg.latency)
	defer det.close()

	var cncCfg cnc.Config
	flagext.DefaultValues(&cncCfg)
	cncCfg.ClusterDesc = fmt.Sprintf("daqsim-%dhub", cfg.numHubs)

	registry := cnc.NewRegistry(cncCfg, runset.Sinks{Journal: printJournal{logger: logger}}, nil, nil, logger, nil)
	if err := det.register(registry); err != nil {
		return err
	}

	timer := phaseTimer{logger: logger}

	timer.start("build")
	rs, err := registry.MakeRunset(ctx, cnc.RunConfig{
		Name:       fmt.Sprintf("sim-%dhub", cfg.numHubs),
		Components: det.names(),
	})
	timer.finish()
	if err != nil {
		return err
	}

	runNum := cfg.firstRun
	for i := 0; i < cfg.numRuns; i++ {
		det.scriptGoodTimes(i)

		if i == 0 || !cfg.switching {
			timer.start(fmt.Sprintf("start run %d", runNum))
			err = rs.StartRun(ctx, runNum, cncCfg.ClusterDesc, runset.LogToFile|runset.MoniToFile)
			timer.finish()
			if err != nil {
				return err
			}
		}

		level.Info(logger).Log("msg", fmt.Sprintf("Taking data for run %d", runNum))
		time.Sleep(cfg.dwell)
		det.scriptCounts(runNum, i, cfg)

		last := i == cfg.numRuns-1
		switch {
		case cfg.switching && !last:
			timer.start(fmt.Sprintf("switch run %d -> %d", runNum, runNum+1))
			err = rs.SwitchRun(ctx, runNum+1)
			timer.finish()
		default:
			timer.start(fmt.Sprintf("stop run %d", runNum))
			err = rs.StopRun(ctx, "daqsim", false)
			timer.finish()
		}
		if err != nil {
			return err
		}
		runNum++
	}

	timer.start("teardown")
	err = registry.Shutdown(ctx)
	timer.finish()
	if err != nil {
		return err
	}

	timer.report()
	return nil
}

// simComponent is one simulated process: the fake client plus the identity
// and connector list it registers with.
type simComponent struct {
	name       string
	num        int
	connectors []component.Connector
	fake       *comptest.Fake
}

// detector is the simulated cluster: numHubs string hubs, the in-ice and
// global triggers, the event builder with its readout-request loop back to
// the hubs, and the hub-fed secondary builders.
type detector struct {
	members []simComponent
	hubs    []*comptest.Fake
	eb      *comptest.Fake
	sb      *comptest.Fake
}

func newDetector(numHubs int, latency time.Duration) *detector {
	det := &detector{}
	for i := 1; i <= numHubs; i++ {
		det.add("stringHub", i,
			component.Connector{Type: "stringHit", Kind: component.Output},
			component.Connector{Type: "rdoutData", Kind: component.Output},
			component.Connector{Type: "moniData", Kind: component.Output},
			component.Connector{Type: "rdoutReq", Kind: component.Input, Port: 9000 + i})
	}
	det.add("inIceTrigger", 0,
		component.Connector{Type: "stringHit", Kind: component.Input, Port: 9101},
		component.Connector{Type: "trigger", Kind: component.Output})
	det.add("globalTrigger", 0,
		component.Connector{Type: "trigger", Kind: component.Input, Port: 9201},
		component.Connector{Type: "glblTrig", Kind: component.Output})
	det.eb = det.add("eventBuilder", 0,
		component.Connector{Type: "glblTrig", Kind: component.Input, Port: 9301},
		component.Connector{Type: "rdoutData", Kind: component.Input, Port: 9302},
		component.Connector{Type: "rdoutReq", Kind: component.Output})
	det.sb = det.add("secondaryBuilders", 0,
		component.Connector{Type: "moniData", Kind: component.Input, Port: 9401})

	for _, m := range det.members {
		m.fake.SetLatency(latency)
	}
	return det
}

func (det *detector) add(name string, num int, connectors ...component.Connector) *comptest.Fake {
	fake := comptest.New(name, num, connectors...)
	det.members = append(det.members, simComponent{name: name, num: num, connectors: connectors, fake: fake})
	if name == "stringHub" {
		det.hubs = append(det.hubs, fake)
	}
	return fake
}

func (det *detector) names() []string {
	out := make([]string, 0, len(det.members))
	for _, m := range det.members {
		if m.num == 0 {
			out = append(out, m.name)
			continue
		}
		out = append(out, fmt.Sprintf("%s#%d", m.name, m.num))
	}
	return out
}

func (det *detector) register(registry *cnc.Registry) error {
	for _, m := range det.members {
		if _, err := registry.Register(m.name, m.num, "localhost", m.connectors, m.fake); err != nil {
			return err
		}
	}
	return nil
}

func (det *detector) close() {
	for _, m := range det.members {
		_ = m.fake.Close()
	}
}

// scriptGoodTimes gives every hub live channels and boundary hit times for
// run index i, staggered a little per hub so the consensus pollers have a
// real minimum and maximum to find.
func (det *detector) scriptGoodTimes(i int) {
	base := int64(i*1000+10) * ticksPerSecond
	for n, hub := range det.hubs {
		hub.SetBeanField(hubBean, nonZombieField, int64(60-n))
		hub.SetBeanField(hubBean, firstHitField, base+int64(n)*ticksPerSecond)
		hub.SetBeanField(hubBean, lastHitField, base+int64(900-n)*ticksPerSecond)
	}
}

// scriptCounts fills the builder beans the accounting sweeps read at run
// end: physics events proportional to the dwell at the configured rate,
// plus token secondary-stream counts.
func (det *detector) scriptCounts(runNum, i int, cfg simConfig) {
	var (
		first   = int64(i*1000+10) * ticksPerSecond
		last    = first + int64(cfg.dwell/time.Second)*ticksPerSecond
		physics = int64(cfg.rateHz) * int64(cfg.dwell/time.Second)
	)
	det.eb.SetBeanField(backEndBean, runSummaryField, []int64{physics, first, last, first, last})
	det.eb.SetBeanField(backEndBean, firstEventField, first)
	det.eb.SetBeanField(backEndBean, eventDataField, []int64{int64(runNum), physics, last})
	det.sb.SetBeanField(secondaryBean, runSummaryField, []int64{physics / 20, 0, physics / 10, 0, physics / 5, 0})
	det.sb.SetBeanField(moniBuilderBean, eventDataField, []int64{int64(runNum), physics / 5, last})
	det.sb.SetBeanField(snBuilderBean, eventDataField, []int64{int64(runNum), physics / 10, last})
	det.sb.SetBeanField(tcalBuilderBean, eventDataField, []int64{int64(runNum), physics / 20, last})
}

// phaseTimer measures each lifecycle phase and prints the table at the end.
type phaseTimer struct {
	logger log.Logger

	name    string
	began   time.Time
	names   []string
	elapsed []time.Duration
}

func (t *phaseTimer) start(name string) {
	t.name, t.began = name, time.Now()
}

func (t *phaseTimer) finish() {
	d := time.Since(t.began)
	t.names = append(t.names, t.name)
	t.elapsed = append(t.elapsed, d)
	level.Info(t.logger).Log("msg", fmt.Sprintf("Phase %q took %.3f seconds", t.name, d.Seconds()))
}

func (t *phaseTimer) report() {
	fmt.Println("phase timings:")
	for i, name := range t.names {
		fmt.Printf("  %-28s %8.3fs\n", name, t.elapsed[i].Seconds())
	}
}

type printJournal struct {
	logger log.Logger
}

func (j printJournal) Record(sum runset.Summary) error {
	level.Info(j.logger).Log("msg", fmt.Sprintf("Run %d summary: %d physics events in %d seconds (config %s)",
		sum.RunNumber, sum.NumPhysics, sum.DurationSecs, sum.ConfigName))
	return nil
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
	return level.NewFilter(logger, opt), nil
}
