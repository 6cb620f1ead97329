package config

// Config is the on-disk configuration. YAML and JSON are both accepted and
// decoded strictly; unknown keys are errors.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Telegram     TelegramConfig     `json:"telegram"`
	Logging      LoggingConfig      `json:"logging"`
	Scheduler    SchedulerConfig    `json:"scheduler"`
	Monitor      MonitorConfig      `json:"monitor"`
	Generator    GeneratorConfig    `json:"generator"`
	Housekeeping HousekeepingConfig `json:"housekeeping"`
	Storage      StorageConfig      `json:"storage"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	// Offline logs deliveries instead of sending them.
	Offline bool `json:"offline,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls triggers and the execution pool.
//
// Enabled is the global scheduling switch. It defaults to false so that a
// development checkout never posts real reports.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Timezone applies to recurrences that carry none.
	Timezone  string `json:"timezone,omitempty"`
	Workers   int    `json:"workers,omitempty"`
	QueueSize int    `json:"queue_size,omitempty"`
	// Overlap is "allow" (default) or "skip_if_running".
	Overlap string `json:"overlap,omitempty"`
	// DispatchTimeout bounds how long a fire waits for a free queue slot.
	DispatchTimeout string `json:"dispatch_timeout,omitempty"`
}

type MonitorConfig struct {
	// Destination receives failure alerts ("<chatID>", "<chatID>/<thread>" or "@channel").
	Destination string `json:"destination"`
}

// GeneratorConfig controls the external report generator scripts.
type GeneratorConfig struct {
	// Interpreter is shell-quoted, e.g. "python3 -u".
	Interpreter    string            `json:"interpreter,omitempty"`
	Dir            string            `json:"dir,omitempty"`
	DefaultTimeout string            `json:"default_timeout,omitempty"`
	Timeouts       map[string]string `json:"timeouts,omitempty"`
	Scripts        map[string]string `json:"scripts,omitempty"`
}

// HousekeepingConfig controls the daily branch and member refresh.
type HousekeepingConfig struct {
	Enabled        bool   `json:"enabled"`
	BranchesCron   string `json:"branches_cron,omitempty"`
	MembersCron    string `json:"members_cron,omitempty"`
	BranchesScript string `json:"branches_script,omitempty"`
	MembersScript  string `json:"members_script,omitempty"`
	Timeout        string `json:"timeout,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

const (
	DefaultBranchesCron   = "0 21 * * *"
	DefaultMembersCron    = "30 21 * * *"
	DefaultStoragePath    = "./data/reportbot.db"
	DefaultBranchesScript = "src/notification/p4_branches.py"
	DefaultMembersScript  = "src/notification/p4_members.py"
)

func (c *Config) applyDefaults() {
	if c.Housekeeping.BranchesCron == "" {
		c.Housekeeping.BranchesCron = DefaultBranchesCron
	}
	if c.Housekeeping.MembersCron == "" {
		c.Housekeeping.MembersCron = DefaultMembersCron
	}
	if c.Housekeeping.BranchesScript == "" {
		c.Housekeeping.BranchesScript = DefaultBranchesScript
	}
	if c.Housekeeping.MembersScript == "" {
		c.Housekeeping.MembersScript = DefaultMembersScript
	}
	if c.Storage.Path == "" {
		c.Storage.Path = DefaultStoragePath
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}
