package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kballard/go-shellquote"

	"reportbot/internal/recurrence"
	"reportbot/internal/report"
	"reportbot/internal/task/engine"
	"reportbot/internal/transport"
)

// Validate checks everything that can be checked without side effects.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if !cfg.Telegram.Offline && strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(errors.New("telegram.token is required (or set telegram.offline)"))
	}
	_, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	add(err)
	if cfg.Telegram.RatePerSec < 0 {
		add(errors.New("telegram.rate_per_sec must be >= 0"))
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(errors.Wrapf(err, "scheduler.timezone %q", tz))
		}
	}
	if cfg.Scheduler.Workers < 0 || cfg.Scheduler.QueueSize < 0 {
		add(errors.New("scheduler.workers and scheduler.queue_size must be >= 0"))
	}
	if _, err := engine.ParseOverlap(cfg.Scheduler.Overlap); err != nil {
		add(errors.Wrap(err, "scheduler.overlap"))
	}
	_, err = ParseDurationField("scheduler.dispatch_timeout", cfg.Scheduler.DispatchTimeout)
	add(err)

	if d := strings.TrimSpace(cfg.Monitor.Destination); d != "" {
		if _, err := transport.ParseDestination(d); err != nil {
			add(errors.Wrap(err, "monitor.destination"))
		}
	}

	if _, err := shellquote.Split(cfg.Generator.Interpreter); err != nil {
		add(errors.Wrap(err, "generator.interpreter"))
	}
	_, err = ParseDurationField("generator.default_timeout", cfg.Generator.DefaultTimeout)
	add(err)
	for k, v := range cfg.Generator.Timeouts {
		if _, err := report.ParseType(k); err != nil {
			add(errors.Wrapf(err, "generator.timeouts.%s", k))
		}
		_, err := ParseDurationField("generator.timeouts."+k, v)
		add(err)
	}
	for k := range cfg.Generator.Scripts {
		if _, err := report.ParseType(k); err != nil {
			add(errors.Wrapf(err, "generator.scripts.%s", k))
		}
	}

	for path, spec := range map[string]string{
		"housekeeping.branches_cron": cfg.Housekeeping.BranchesCron,
		"housekeeping.members_cron":  cfg.Housekeeping.MembersCron,
	} {
		if spec == "" {
			continue
		}
		rec := report.Recurrence{Type: report.RepeatCron, CronExpression: spec, Timezone: cfg.Scheduler.Timezone}
		if _, err := recurrence.Compile(rec, ""); err != nil {
			add(errors.Wrap(err, path))
		}
	}
	_, err = ParseDurationField("housekeeping.timeout", cfg.Housekeeping.Timeout)
	add(err)

	if strings.TrimSpace(cfg.Storage.Path) == "" {
		add(errors.New("storage.path is required"))
	}
	_, err = ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	add(err)

	return errors.Join(errs...)
}
