// Package config loads and hot-reloads the YAML configuration shared by the
// Guardian, Dispatcher, Scheduler, CLI, and channel adapters.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// GlobalStateDir returns the default install root (~/.config/paneward).
func GlobalStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".config", "paneward")
}

// GlobalStateFile returns the default database path.
func GlobalStateFile() string {
	return filepath.Join(GlobalStateDir(), "state.sqlite")
}

// PaneConfig addresses the terminal-multiplexer pane hosting the assistant.
type PaneConfig struct {
	Session string `yaml:"session"` // tmux session name, created if absent
	Window  string `yaml:"window"`
	Pane    string `yaml:"pane"`
	Command []string `yaml:"command"` // how to (re)start the assistant in the pane
}

// GuardianConfig controls the Activity Guardian's tick loop and auto-restart
// behavior.
type GuardianConfig struct {
	TickSeconds             int    `yaml:"tick_seconds"`
	IdleThresholdSeconds    int    `yaml:"idle_threshold_seconds"`
	RestartDelaySeconds     int    `yaml:"restart_delay_seconds"`
	RestartGraceSeconds     int    `yaml:"restart_grace_seconds"`
	MaintenanceCapSeconds   int    `yaml:"maintenance_cap_seconds"`
	TranscriptGlob          string `yaml:"transcript_glob"`
	StatusFilePath          string `yaml:"status_file_path"`
	PendingChannelsLogPath  string `yaml:"pending_channels_log_path"`
	LogFile                 string `yaml:"log_file"`
	LogMaxLines             int    `yaml:"log_max_lines"`
}

// HeartbeatConfig controls the heartbeat engine's probe cadence.
type HeartbeatConfig struct {
	PrimaryIntervalSeconds     int `yaml:"primary_interval_seconds"`
	StuckProbeThresholdSeconds int `yaml:"stuck_probe_threshold_seconds"`
	MaxFailCount               int `yaml:"max_fail_count"`
	DownRetryIntervalSeconds   int `yaml:"down_retry_interval_seconds"`
	RateLimitProbeIntervalSecs int `yaml:"rate_limit_probe_interval_seconds"`
}

// DispatcherConfig controls Message Bus delivery.
type DispatcherConfig struct {
	IdlePollMillis       int `yaml:"idle_poll_millis"`
	ActivePollMillis     int `yaml:"active_poll_millis"`
	MaxDeliveryRetries   int `yaml:"max_delivery_retries"`
	PasteEnterDelayMillis int `yaml:"paste_enter_delay_millis"`
}

// SchedulerConfig controls Task Scheduler cadence.
type SchedulerConfig struct {
	TickSeconds              int `yaml:"tick_seconds"`
	TaskTimeoutSeconds       int `yaml:"task_timeout_seconds"`
	HistoryRetentionDays     int `yaml:"history_retention_days"`
	SessionInitSyncThreshold int `yaml:"session_init_sync_threshold"`
}

// AdapterConfig describes one channel adapter's send executable, resolved
// from its configured command and leading arguments.
type AdapterConfig struct {
	SendCommand []string `yaml:"send_command"`
}

// Config is the top-level configuration document.
type Config struct {
	StateFile     string                   `yaml:"state_file"`
	LogDir        string                   `yaml:"log_dir"`
	Pane          PaneConfig               `yaml:"pane"`
	Guardian      GuardianConfig           `yaml:"guardian"`
	Heartbeat     HeartbeatConfig          `yaml:"heartbeat"`
	Dispatcher    DispatcherConfig         `yaml:"dispatcher"`
	Scheduler     SchedulerConfig          `yaml:"scheduler"`
	Adapters      map[string]AdapterConfig `yaml:"adapters"`
	WorkspaceRoot string                   `yaml:"workspace_root"`
}

// DefaultConfig returns sensible defaults matching the values named
// throughout the component design.
func DefaultConfig() *Config {
	return &Config{
		StateFile: "",
		LogDir:    "",
		Pane: PaneConfig{
			Session: "paneward",
			Window:  "assistant",
			Pane:    "0",
		},
		Guardian: GuardianConfig{
			TickSeconds:            1,
			IdleThresholdSeconds:   5,
			RestartDelaySeconds:    5,
			RestartGraceSeconds:    30,
			MaintenanceCapSeconds:  300,
			TranscriptGlob:         "",
			LogMaxLines:            20000,
		},
		Heartbeat: HeartbeatConfig{
			PrimaryIntervalSeconds:     7200,
			StuckProbeThresholdSeconds: 300,
			MaxFailCount:               3,
			DownRetryIntervalSeconds:   1800,
			RateLimitProbeIntervalSecs: 300,
		},
		Dispatcher: DispatcherConfig{
			IdlePollMillis:        500,
			ActivePollMillis:      100,
			MaxDeliveryRetries:    5,
			PasteEnterDelayMillis: 200,
		},
		Scheduler: SchedulerConfig{
			TickSeconds:              10,
			TaskTimeoutSeconds:       3600,
			HistoryRetentionDays:     30,
			SessionInitSyncThreshold: 50,
		},
	}
}

// Load reads and parses a YAML config file onto the defaults. A missing
// path is not an error: defaults are returned as-is, tolerating an absent
// config file in single-operator setups.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ValidatePaneCommand rejects a config with no pane.command set. Only the
// daemons that actually start the assistant in its pane (Guardian) need to
// call this; panewardctl and the channel adapters never touch Pane.Command.
func (c *Config) ValidatePaneCommand() error {
	if len(c.Pane.Command) == 0 {
		return fmt.Errorf("config: pane.command must name at least one argument (how to start the assistant in its pane)")
	}
	return nil
}

// ResolvedStateFile returns the absolute database path, defaulting to the
// global state file.
func (c *Config) ResolvedStateFile() string {
	if c.StateFile == "" {
		return GlobalStateFile()
	}
	if filepath.IsAbs(c.StateFile) {
		return c.StateFile
	}
	return filepath.Join(c.WorkspaceRoot, c.StateFile)
}

// ResolvedLogDir returns the directory daemons should write their rotating
// log files into.
func (c *Config) ResolvedLogDir() string {
	if c.LogDir == "" {
		return GlobalStateDir()
	}
	return c.LogDir
}

// ResolvedStatusFilePath returns the status file path, defaulting to
// alongside the state file.
func (c *Config) ResolvedStatusFilePath() string {
	if c.Guardian.StatusFilePath != "" {
		return c.Guardian.StatusFilePath
	}
	return filepath.Join(filepath.Dir(c.ResolvedStateFile()), "status.json")
}

// ResolvedPendingChannelsPath returns the pending-channels list file path,
// one JSON object per line, de-duped on write.
func (c *Config) ResolvedPendingChannelsPath() string {
	if c.Guardian.PendingChannelsLogPath != "" {
		return c.Guardian.PendingChannelsLogPath
	}
	return filepath.Join(filepath.Dir(c.ResolvedStateFile()), "pending-channels.jsonl")
}
