package app

import (
	"time"

	"github.com/cockroachdb/errors"

	"reportbot/internal/config"
	"reportbot/internal/evaluator"
	"reportbot/internal/executor"
	"reportbot/internal/housekeeping"
	"reportbot/internal/registry"
	"reportbot/internal/report"
	"reportbot/internal/scheduling"
	"reportbot/internal/storage"
	"reportbot/internal/task/engine"
	telegram "reportbot/internal/transport/telegram/adapter"
	logx "reportbot/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: poll,
		RatePerSec:  cfg.Telegram.RatePerSec,
		Offline:     cfg.Telegram.Offline,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: cfg.Storage.Path, BusyTimeout: busy}, nil
}

// Fired reports carry their own generator deadline, so the engine adds none.
func mapEngineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		Workers:   cfg.Scheduler.Workers,
		QueueSize: cfg.Scheduler.QueueSize,
	}
}

// Enabled is left to the caller: the scheduling switch goes through
// scheduling.Manager so that restore runs alongside it.
func mapRegistryConfig(cfg *config.Config) (registry.Config, error) {
	overlap, err := engine.ParseOverlap(cfg.Scheduler.Overlap)
	if err != nil {
		return registry.Config{}, errors.Wrap(err, "scheduler.overlap")
	}
	wait, err := config.ParseDurationField("scheduler.dispatch_timeout", cfg.Scheduler.DispatchTimeout)
	if err != nil {
		return registry.Config{}, err
	}
	return registry.Config{Overlap: overlap, DispatchTimeout: wait}, nil
}

func mapEvaluatorConfig(cfg *config.Config) (evaluator.Config, error) {
	g := cfg.Generator
	def, err := config.ParseDurationOrDefault("generator.default_timeout", g.DefaultTimeout, evaluator.DefaultTimeout)
	if err != nil {
		return evaluator.Config{}, err
	}
	out := evaluator.Config{
		Interpreter:     g.Interpreter,
		Dir:             g.Dir,
		DefaultTimeout:  def,
		DefaultTimezone: cfg.Scheduler.Timezone,
		Timeouts:        map[report.Type]time.Duration{},
		Scripts:         map[report.Type]string{},
	}
	for k, v := range g.Timeouts {
		t, err := report.ParseType(k)
		if err != nil {
			return evaluator.Config{}, err
		}
		d, err := config.ParseDurationField("generator.timeouts."+k, v)
		if err != nil {
			return evaluator.Config{}, err
		}
		out.Timeouts[t] = d
	}
	for k, v := range g.Scripts {
		t, err := report.ParseType(k)
		if err != nil {
			return evaluator.Config{}, err
		}
		out.Scripts[t] = v
	}
	return out, nil
}

func mapExecutorConfig(cfg *config.Config) executor.Config {
	return executor.Config{
		MonitorDestination: cfg.Monitor.Destination,
		DefaultTimezone:    cfg.Scheduler.Timezone,
	}
}

func mapSchedulingConfig(cfg *config.Config) scheduling.Config {
	return scheduling.Config{DefaultTimezone: cfg.Scheduler.Timezone}
}

func mapHousekeepingConfig(cfg *config.Config) (housekeeping.Config, error) {
	h := cfg.Housekeeping
	timeout, err := config.ParseDurationField("housekeeping.timeout", h.Timeout)
	if err != nil {
		return housekeeping.Config{}, err
	}
	return housekeeping.Config{
		Enabled:        h.Enabled,
		BranchesCron:   h.BranchesCron,
		MembersCron:    h.MembersCron,
		Timezone:       cfg.Scheduler.Timezone,
		BranchesScript: h.BranchesScript,
		MembersScript:  h.MembersScript,
		Interpreter:    cfg.Generator.Interpreter,
		Dir:            cfg.Generator.Dir,
		Timeout:        timeout,
	}, nil
}
