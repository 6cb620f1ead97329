package config

import (
	"reflect"
	"strings"

	logx "reportbot/pkg/logx"
)

// Change summarizes a reload. Restart lists sections whose new values only
// take effect after a restart. Fields never carry secrets.
type Change struct {
	Sections []string
	Restart  []string
	Fields   []logx.Field
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var c Change

	if oldCfg.Telegram != newCfg.Telegram {
		c.Sections = append(c.Sections, "telegram")
		if oldCfg.Telegram.Token != newCfg.Telegram.Token ||
			oldCfg.Telegram.Offline != newCfg.Telegram.Offline ||
			strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) {
			c.Restart = append(c.Restart, "telegram")
		}
		c.Fields = append(c.Fields, logx.Int("telegram.rate_per_sec", newCfg.Telegram.RatePerSec))
	}
	if oldCfg.Logging != newCfg.Logging {
		c.Sections = append(c.Sections, "logging")
		c.Fields = append(c.Fields, logx.String("logging.level", newCfg.Logging.Level))
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		c.Sections = append(c.Sections, "scheduler")
		if oldCfg.Scheduler.Timezone != newCfg.Scheduler.Timezone {
			c.Restart = append(c.Restart, "scheduler.timezone")
		}
		c.Fields = append(c.Fields,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.Int("scheduler.workers", newCfg.Scheduler.Workers),
			logx.String("scheduler.overlap", newCfg.Scheduler.Overlap),
		)
	}
	if oldCfg.Monitor != newCfg.Monitor {
		c.Sections = append(c.Sections, "monitor")
		c.Fields = append(c.Fields, logx.Bool("monitor.set", newCfg.Monitor.Destination != ""))
	}
	if !reflect.DeepEqual(oldCfg.Generator, newCfg.Generator) {
		c.Sections = append(c.Sections, "generator")
	}
	if oldCfg.Housekeeping != newCfg.Housekeeping {
		c.Sections = append(c.Sections, "housekeeping")
		c.Restart = append(c.Restart, "housekeeping")
	}
	if oldCfg.Storage != newCfg.Storage {
		c.Sections = append(c.Sections, "storage")
		c.Restart = append(c.Restart, "storage")
	}
	if len(c.Sections) > 0 {
		c.Fields = append(c.Fields, logx.Strings("sections", c.Sections))
	}
	return c
}
