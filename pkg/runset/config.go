package runset

import (
	"flag"
	"time"

	"github.com/pkg/errors"
)

// Defaults for the lifecycle wait ceilings. The remote-call budget is what
// the transport allows one operation before giving up; the generic state
// wait stays under it so a hung remote surfaces here first.
const (
	DefaultRemoteCallBudget = 120 * time.Second

	DefaultConfigureTimeout = 60 * time.Second
	DefaultStartTimeout     = 30 * time.Second
	DefaultStopTimeout      = 30 * time.Second
	DefaultSwitchTimeout    = 30 * time.Second
	DefaultResetTimeout     = 20 * time.Second
	DefaultStateTimeout     = DefaultRemoteCallBudget - 5*time.Second

	DefaultGoodTimeAttempts = 5
	DefaultGoodTimeWait     = 2 * time.Second

	DefaultTaskInterval = 10 * time.Second
)

// Config holds the runset lifecycle wait budgets. Every blocking phase of
// the lifecycle reads its ceiling from here; nothing in the package blocks
// without one.
type Config struct {
	// ConfigureTimeout bounds each of the two configure wait phases.
	ConfigureTimeout time.Duration `yaml:"configure_timeout"`

	// StartTimeout bounds the wait for each start group to reach running.
	StartTimeout time.Duration `yaml:"start_timeout"`

	// StopTimeout is the whole stop budget, split 75/25 between the
	// graceful and forced attempts.
	StopTimeout time.Duration `yaml:"stop_timeout"`

	// SwitchTimeout bounds the wait for builders to report the new run.
	SwitchTimeout time.Duration `yaml:"switch_timeout"`

	// ResetTimeout bounds the wait for components to return to idle.
	ResetTimeout time.Duration `yaml:"reset_timeout"`

	// StateTimeout is the generic state-change ceiling used when a phase
	// does not carry its own.
	StateTimeout time.Duration `yaml:"state_timeout"`

	// GoodTimeAttempts caps how many polling rounds the good-time tasks
	// make over the sources.
	GoodTimeAttempts int `yaml:"good_time_attempts"`

	// GoodTimeWait bounds one polling round.
	GoodTimeWait time.Duration `yaml:"good_time_wait"`

	// TaskInterval caps how long the task manager sleeps between checks
	// of its periodic tasks.
	TaskInterval time.Duration `yaml:"task_interval"`
}

// RegisterFlags registers the runset flags with the default prefix.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("runset.", f)
}

// RegisterFlagsWithPrefix registers the runset flags under prefix.
func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.ConfigureTimeout, prefix+"configure-timeout", DefaultConfigureTimeout, "Ceiling for each configure wait phase.")
	f.DurationVar(&cfg.StartTimeout, prefix+"start-timeout", DefaultStartTimeout, "Ceiling for each start group to reach the running state.")
	f.DurationVar(&cfg.StopTimeout, prefix+"stop-timeout", DefaultStopTimeout, "Total stop budget, split between the graceful and forced attempts.")
	f.DurationVar(&cfg.SwitchTimeout, prefix+"switch-timeout", DefaultSwitchTimeout, "Ceiling for builders to report the new run number after a switch.")
	f.DurationVar(&cfg.ResetTimeout, prefix+"reset-timeout", DefaultResetTimeout, "Ceiling for components to return to idle on reset.")
	f.DurationVar(&cfg.StateTimeout, prefix+"state-timeout", DefaultStateTimeout, "Generic state-change ceiling for phases without their own.")
	f.IntVar(&cfg.GoodTimeAttempts, prefix+"good-time-attempts", DefaultGoodTimeAttempts, "Polling rounds the good-time tasks make over the sources.")
	f.DurationVar(&cfg.GoodTimeWait, prefix+"good-time-wait", DefaultGoodTimeWait, "Bound on one good-time polling round.")
	f.DurationVar(&cfg.TaskInterval, prefix+"task-interval", DefaultTaskInterval, "Cap on the task manager sleep between periodic task checks.")
}

// Validate checks every ceiling is usable.
func (cfg *Config) Validate() error {
	if cfg.ConfigureTimeout <= 0 {
		return errors.New("configure-timeout must be greater than 0")
	}
	if cfg.StartTimeout <= 0 {
		return errors.New("start-timeout must be greater than 0")
	}
	if cfg.StopTimeout <= 0 {
		return errors.New("stop-timeout must be greater than 0")
	}
	if cfg.SwitchTimeout <= 0 {
		return errors.New("switch-timeout must be greater than 0")
	}
	if cfg.ResetTimeout <= 0 {
		return errors.New("reset-timeout must be greater than 0")
	}
	if cfg.StateTimeout <= 0 {
		return errors.New("state-timeout must be greater than 0")
	}
	if cfg.GoodTimeAttempts < 1 {
		return errors.New("good-time-attempts must be at least 1")
	}
	if cfg.GoodTimeWait <= 0 {
		return errors.New("good-time-wait must be greater than 0")
	}
	if cfg.TaskInterval <= 0 {
		return errors.New("task-interval must be greater than 0")
	}
	return nil
}
