package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  rate_per_sec: 10
logging:
  level: debug
  console: true
scheduler:
  enabled: true
  timezone: Asia/Shanghai
  workers: 4
monitor:
  destination: "-100200300/5"
generator:
  interpreter: "python3 -u"
  dir: /opt/notification
  timeouts:
    perforce_review_check: 90m
storage:
  path: /var/lib/reportbot/reportbot.db
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func newTestManager(path string, env map[string]string) *Manager {
	m := NewManager(path)
	m.lookupEnv = func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	return m
}

func TestParseYAML(t *testing.T) {
	t.Parallel()

	cfg, err := newTestManager(writeFile(t, "config.yaml", sampleYAML), nil).Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !cfg.Scheduler.Enabled || cfg.Scheduler.Timezone != "Asia/Shanghai" || cfg.Scheduler.Workers != 4 {
		t.Fatalf("scheduler=%+v", cfg.Scheduler)
	}
	if cfg.Generator.Timeouts["perforce_review_check"] != "90m" {
		t.Fatalf("generator=%+v", cfg.Generator)
	}
	if cfg.Housekeeping.BranchesCron != DefaultBranchesCron || cfg.Housekeeping.MembersCron != DefaultMembersCron {
		t.Fatalf("housekeeping defaults missing: %+v", cfg.Housekeeping)
	}
}

func TestParseJSON(t *testing.T) {
	t.Parallel()

	body := `{"telegram":{"offline":true},"storage":{"path":"x.db"}}`
	cfg, err := newTestManager(writeFile(t, "config.json", body), nil).Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Scheduler.Enabled {
		t.Fatalf("scheduling must default to off")
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("level=%q", cfg.Logging.Level)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	body := sampleYAML + "plugins: {}\n"
	if _, err := newTestManager(writeFile(t, "config.yaml", body), nil).Parse(); err == nil {
		t.Fatalf("unknown key accepted")
	}
}

func TestParseRejectsTrailingJSON(t *testing.T) {
	t.Parallel()

	body := `{"telegram":{"offline":true}} {}`
	if _, err := newTestManager(writeFile(t, "config.json", body), nil).Parse(); err == nil {
		t.Fatalf("trailing data accepted")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		EnvEnableSchedule:     "false",
		EnvTelegramToken:      "999:zzz",
		EnvMonitorDestination: "@ops_alerts",
	}
	cfg, err := newTestManager(writeFile(t, "config.yaml", sampleYAML), env).Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Scheduler.Enabled || cfg.Telegram.Token != "999:zzz" || cfg.Monitor.Destination != "@ops_alerts" {
		t.Fatalf("overrides not applied: %+v %+v %+v", cfg.Scheduler, cfg.Telegram, cfg.Monitor)
	}

	env[EnvEnableSchedule] = "maybe"
	if _, err := newTestManager(writeFile(t, "config.yaml", sampleYAML), env).Parse(); err == nil {
		t.Fatalf("bad bool accepted")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := func() *Config {
		c := &Config{Telegram: TelegramConfig{Token: "t"}}
		c.applyDefaults()
		return c
	}
	cases := []struct {
		name string
		mut  func(c *Config)
		want string
	}{
		{"ok", func(c *Config) {}, ""},
		{"token", func(c *Config) { c.Telegram.Token = "" }, "telegram.token"},
		{"timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "scheduler.timezone"},
		{"overlap", func(c *Config) { c.Scheduler.Overlap = "queue" }, "scheduler.overlap"},
		{"dispatch timeout", func(c *Config) { c.Scheduler.DispatchTimeout = "later" }, "scheduler.dispatch_timeout"},
		{"monitor", func(c *Config) { c.Monitor.Destination = "ops" }, "monitor.destination"},
		{"timeout type", func(c *Config) { c.Generator.Timeouts = map[string]string{"pdf": "1m"} }, "generator.timeouts.pdf"},
		{"timeout value", func(c *Config) { c.Generator.Timeouts = map[string]string{"text": "soon"} }, "generator.timeouts.text"},
		{"interpreter", func(c *Config) { c.Generator.Interpreter = `python3 "-u` }, "generator.interpreter"},
		{"cron", func(c *Config) { c.Housekeeping.BranchesCron = "* *" }, "housekeeping.branches_cron"},
		{"storage", func(c *Config) { c.Storage.Path = " " }, "storage.path"},
	}
	for _, tc := range cases {
		c := base()
		tc.mut(c)
		err := Validate(c)
		if tc.want == "" {
			if err != nil {
				t.Fatalf("%s: %v", tc.name, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: err=%v want mention of %q", tc.name, err, tc.want)
		}
	}
}

func TestDiff(t *testing.T) {
	t.Parallel()

	a := &Config{Telegram: TelegramConfig{Token: "a"}, Storage: StorageConfig{Path: "x.db"}}
	b := *a
	if !Diff(a, &b).Empty() {
		t.Fatalf("identical configs differ")
	}

	b.Scheduler.Enabled = true
	b.Telegram.Token = "b"
	c := Diff(a, &b)
	if strings.Join(c.Sections, ",") != "telegram,scheduler" {
		t.Fatalf("sections=%v", c.Sections)
	}
	if strings.Join(c.Restart, ",") != "telegram" {
		t.Fatalf("restart=%v", c.Restart)
	}
}

func TestSubscribeKeepsNewest(t *testing.T) {
	t.Parallel()

	m := NewManager("unused.yaml")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	first, second := &Config{}, &Config{}
	m.publish(first)
	m.publish(second)
	if got := <-ch; got != second {
		t.Fatalf("expected newest config")
	}
}

func TestWatchPublishesChanges(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.yaml", sampleYAML)
	m := newTestManager(path, nil)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	ch := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()

	updated := strings.Replace(sampleYAML, "enabled: true", "enabled: false", 1)
	deadline := time.After(10 * time.Second)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-ch:
			if cfg.Scheduler.Enabled {
				t.Fatalf("stale config published")
			}
			cancel()
			<-done
			return
		case <-tick.C:
			// Rewrite until the watcher has been set up and sees an event.
			if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
				t.Fatalf("rewrite: %v", err)
			}
		case <-deadline:
			t.Fatalf("no config published")
		}
	}
}
