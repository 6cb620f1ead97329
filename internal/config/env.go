package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
)

// Environment overrides. They win over the file on every load.
const (
	EnvEnableSchedule     = "REPORTBOT_ENABLE_SCHEDULE"
	EnvTelegramToken      = "REPORTBOT_TELEGRAM_TOKEN"
	EnvMonitorDestination = "REPORTBOT_MONITOR_DESTINATION"
)

// LoadDotEnv loads .env files into the process environment without
// overwriting variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return errors.Wrapf(err, "load %s", p)
		}
	}
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvEnableSchedule); ok && strings.TrimSpace(v) != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return errors.Wrapf(err, "%s=%q", EnvEnableSchedule, v)
		}
		cfg.Scheduler.Enabled = b
	}
	if v, ok := lookup(EnvTelegramToken); ok && strings.TrimSpace(v) != "" {
		cfg.Telegram.Token = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvMonitorDestination); ok && strings.TrimSpace(v) != "" {
		cfg.Monitor.Destination = strings.TrimSpace(v)
	}
	return nil
}
