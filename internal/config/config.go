// Package config provides configuration loading, validation, and hot-reload
// for the DSME daemon.
//
// Configuration file: /etc/dsme/dsme.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - The daemon listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate dsme.yaml, and log the outcome.
//   - The reloaded values are not applied: the running daemon keeps the
//     config it started with until restarted.
//   - If the new config is invalid, an error is logged. The daemon does
//     NOT crash on invalid hot-reload.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (watchdog timeouts, boot-loop thresholds).
//   - File paths are not checked for being absolute.
//   - Invalid config on startup: daemon refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.
//
// Environment overlays (applied after YAML, before validation), matching
// the historical DSME tool environment variables:
//
//	CMDLINE_PATH                   overrides BootSelector.CmdlinePath
//	GETBOOTSTATE_MAX_BOOTS         overrides BootSelector.MaxBoots
//	GETBOOTSTATE_MIN_BOOT_TIME     overrides BootSelector.MinBootTime
//	GETBOOTSTATE_MAX_WD_RESETS     overrides BootSelector.MaxWDResets
//	GETBOOTSTATE_MIN_WD_RESET_TIME overrides BootSelector.MinWDResetTime
//	DSME_REBOOTLOOP_FILE           overrides BootSelector.CounterFile
//	DSME_REBOOTLOOP_TIME           overrides BootSelector.MinBootTime (legacy alias)
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for DSME.
type Config struct {
	// SchemaVersion must be "1".
	SchemaVersion string `yaml:"schema_version"`

	// NodeName identifies this device in logs.
	// Default: hostname.
	NodeName string `yaml:"node_name"`

	Logging       LoggingConfig       `yaml:"logging"`
	Heartbeat     HeartbeatConfig     `yaml:"heartbeat"`
	HWWD          HWWDConfig          `yaml:"hwwd"`
	ProcessWD     ProcessWDConfig     `yaml:"processwd"`
	BootSelector  BootSelectorConfig  `yaml:"boot_selector"`
	DiskMonitor   DiskMonitorConfig   `yaml:"disk_monitor"`
	Thermal       ThermalConfig       `yaml:"thermal"`
	PowerOn       PowerOnConfig       `yaml:"poweron"`
	CAL           CALConfig           `yaml:"cal"`
	Observability ObservabilityConfig `yaml:"observability"`
	Socket        SocketConfig        `yaml:"socket"`
	Operator      OperatorConfig      `yaml:"operator"`
}

// LoggingConfig configures the logging ring and its zap sink.
type LoggingConfig struct {
	// Level controls the minimum log level (debug, info, warn, error).
	Level string `yaml:"level"`
	// Format controls output encoding (json, console).
	Format string `yaml:"format"`
	// RingSize is the capacity of the bounded logging ring.
	RingSize int `yaml:"ring_size"`
}

// HeartbeatConfig controls the IPHB-driven master tick.
type HeartbeatConfig struct {
	// Interval is the base heartbeat period. cmd/dsmed does not read it;
	// each periodic loop waits on IPHB with its own min/max window.
	Interval time.Duration `yaml:"interval"`
}

// HWWDConfig configures the hardware watchdog kicker.
type HWWDConfig struct {
	// Devices is the fixed ORDERED list of watchdog devices. Order is
	// normative: a failure to kick device i stops the cycle for devices
	// after i.
	Devices []WatchdogDeviceConfig `yaml:"devices"`

	// KickPeriod is how often permission-to-kick is granted to the
	// kicker thread.
	KickPeriod time.Duration `yaml:"kick_period"`
}

// WatchdogDeviceConfig describes one hardware watchdog device.
type WatchdogDeviceConfig struct {
	// Path is the device node, e.g. /dev/watchdog or /dev/twl4030_wdt.
	Path string `yaml:"path"`
	// TimeoutSeconds is the hardware reset timeout to program via ioctl.
	TimeoutSeconds int `yaml:"timeout_seconds"`
	// DisableFlag is the r&d_mode CAL token that disables this device
	// (e.g. "no-omap-wd", "no-ext-wd").
	DisableFlag string `yaml:"disable_flag"`
}

// ProcessWDConfig configures software process-watchdog supervision.
type ProcessWDConfig struct {
	// MinInterval/MaxInterval bound the IPHB subscription window for the
	// ping cycle.
	MinInterval time.Duration `yaml:"min_interval"`
	MaxInterval time.Duration `yaml:"max_interval"`
	// MaxPing is the ping count at which SIGABRT is sent.
	MaxPing int `yaml:"max_ping"`
	// KillTimeout is how long after SIGABRT before SIGKILL.
	KillTimeout time.Duration `yaml:"kill_timeout"`
}

// BootSelectorConfig configures boot classification and loop detection.
type BootSelectorConfig struct {
	CmdlinePath       string        `yaml:"cmdline_path"`
	CounterFile       string        `yaml:"counter_file"`
	SavedStateFile    string        `yaml:"saved_state_file"`
	ForceShutdownFile string        `yaml:"force_shutdown_file"`
	MaxBoots          int           `yaml:"max_boots"`
	MinBootTime       time.Duration `yaml:"min_boot_time"`
	MaxWDResets       int           `yaml:"max_wd_resets"`
	MinWDResetTime    time.Duration `yaml:"min_wd_reset_time"`
}

// DiskMonitorConfig configures usage polling and reaper orchestration.
type DiskMonitorConfig struct {
	Mounts       []MountCheckConfig `yaml:"mounts"`
	MinInterval  time.Duration      `yaml:"min_interval"`
	MaxInterval  time.Duration      `yaml:"max_interval"`
	ReaperPath   string             `yaml:"reaper_path"`
	ReaperUser   string             `yaml:"reaper_user"`
	ReaperRefork time.Duration      `yaml:"reaper_refork_window"`
}

// MountCheckConfig is one entry in the disk-usage table.
type MountCheckConfig struct {
	Path       string `yaml:"path"`
	MaxPercent int    `yaml:"max_percent"`
}

// ThermalConfig configures the thermal manager's polling cadence bounds.
type ThermalConfig struct {
	MinInterval time.Duration `yaml:"min_interval"`
	MaxInterval time.Duration `yaml:"max_interval"`
}

// PowerOnConfig configures the CAL-backed power-on timer.
type PowerOnConfig struct {
	MinInterval time.Duration `yaml:"min_interval"`
	MaxInterval time.Duration `yaml:"max_interval"`
}

// CALConfig configures the bbolt-backed calibration-area store.
type CALConfig struct {
	DBPath string `yaml:"db_path"`
}

// ObservabilityConfig configures the metrics HTTP server.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	MetricsAddr string `yaml:"metrics_addr"`
}

// SocketConfig configures the external message-bus client socket.
type SocketConfig struct {
	Path string `yaml:"path"`
}

// OperatorConfig configures the supplemental debug/override socket.
type OperatorConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SocketPath string `yaml:"socket_path"`
}

// Default filesystem paths, mirroring the historical DSME layout.
const (
	DefaultCounterFile       = "/var/lib/dsme/boot_count"
	DefaultSavedStateFile    = "/var/lib/dsme/saved_state"
	DefaultForceShutdownFile = "/var/lib/dsme/force_shutdown"
	DefaultCALPath           = "/var/lib/dsme/cal.db"
	DefaultSocketPath        = "/run/dsme/dsme.sock"
	DefaultOperatorSocket    = "/run/dsme/operator.sock"
	DefaultCmdlinePath       = "/proc/cmdline"
)

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeName:      hostname,
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			RingSize: 128,
		},
		Heartbeat: HeartbeatConfig{
			Interval: 5 * time.Second,
		},
		HWWD: HWWDConfig{
			Devices: []WatchdogDeviceConfig{
				{Path: "/dev/twl4030_wdt", TimeoutSeconds: 30, DisableFlag: "no-ext-wd"},
				{Path: "/dev/watchdog", TimeoutSeconds: 14, DisableFlag: "no-omap-wd"},
			},
			KickPeriod: 5 * time.Second,
		},
		ProcessWD: ProcessWDConfig{
			MinInterval: 24 * time.Second,
			MaxInterval: 30 * time.Second,
			MaxPing:     3,
			KillTimeout: 2 * time.Second,
		},
		BootSelector: BootSelectorConfig{
			CmdlinePath:       DefaultCmdlinePath,
			CounterFile:       DefaultCounterFile,
			SavedStateFile:    DefaultSavedStateFile,
			ForceShutdownFile: DefaultForceShutdownFile,
			MaxBoots:          5,
			MinBootTime:       120 * time.Second,
			MaxWDResets:       6,
			MinWDResetTime:    600 * time.Second,
		},
		DiskMonitor: DiskMonitorConfig{
			Mounts: []MountCheckConfig{
				{Path: "/", MaxPercent: 90},
				{Path: "/tmp", MaxPercent: 90},
				{Path: "/home/user/MyDocs", MaxPercent: 90},
			},
			MinInterval:  28 * time.Minute,
			MaxInterval:  32 * time.Minute,
			ReaperPath:   "/usr/sbin/rpdir",
			ReaperUser:   "user",
			ReaperRefork: 30 * time.Minute,
		},
		Thermal: ThermalConfig{
			MinInterval: 30 * time.Second,
			MaxInterval: 60 * time.Second,
		},
		PowerOn: PowerOnConfig{
			MinInterval: 10 * time.Second,
			MaxInterval: 60 * time.Second,
		},
		CAL: CALConfig{
			DBPath: DefaultCALPath,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
		},
		Socket: SocketConfig{
			Path: DefaultSocketPath,
		},
		Operator: OperatorConfig{
			Enabled:    true,
			SocketPath: DefaultOperatorSocket,
		},
	}
}

// Load reads and validates a config file from the given path, applies
// environment overlays, and returns the merged config.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	applyEnvOverlays(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverlays applies the historical DSME tool environment variables
// on top of the YAML-derived config.
func applyEnvOverlays(cfg *Config) {
	if v := os.Getenv("CMDLINE_PATH"); v != "" {
		cfg.BootSelector.CmdlinePath = v
	}
	if v, ok := envInt("GETBOOTSTATE_MAX_BOOTS"); ok {
		cfg.BootSelector.MaxBoots = v
	}
	if v, ok := envSeconds("GETBOOTSTATE_MIN_BOOT_TIME"); ok {
		cfg.BootSelector.MinBootTime = v
	}
	if v, ok := envInt("GETBOOTSTATE_MAX_WD_RESETS"); ok {
		cfg.BootSelector.MaxWDResets = v
	}
	if v, ok := envSeconds("GETBOOTSTATE_MIN_WD_RESET_TIME"); ok {
		cfg.BootSelector.MinWDResetTime = v
	}
	if v := os.Getenv("DSME_REBOOTLOOP_FILE"); v != "" {
		cfg.BootSelector.CounterFile = v
	}
	if v, ok := envSeconds("DSME_REBOOTLOOP_TIME"); ok {
		cfg.BootSelector.MinBootTime = v
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// envSeconds treats the environment value as a count of whole seconds,
// matching the historical tunables which were always expressed that way.
func envSeconds(name string) (time.Duration, bool) {
	n, ok := envInt(name)
	if !ok {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}

// Validate checks all config fields for correctness.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeName == "" {
		errs = append(errs, "node_name must not be empty")
	}
	if len(cfg.HWWD.Devices) == 0 {
		errs = append(errs, "hwwd.devices must contain at least one device")
	}
	for i, d := range cfg.HWWD.Devices {
		if d.Path == "" {
			errs = append(errs, fmt.Sprintf("hwwd.devices[%d].path must not be empty", i))
		}
		if d.TimeoutSeconds <= 0 {
			errs = append(errs, fmt.Sprintf("hwwd.devices[%d].timeout_seconds must be > 0, got %d", i, d.TimeoutSeconds))
		}
	}
	if cfg.HWWD.KickPeriod <= 0 {
		errs = append(errs, "hwwd.kick_period must be > 0")
	}
	if cfg.ProcessWD.MaxPing <= 0 {
		errs = append(errs, "processwd.max_ping must be > 0")
	}
	if cfg.ProcessWD.MinInterval <= 0 || cfg.ProcessWD.MaxInterval < cfg.ProcessWD.MinInterval {
		errs = append(errs, "processwd.min_interval/max_interval must be positive and ordered")
	}
	if cfg.BootSelector.MaxBoots <= 0 {
		errs = append(errs, "boot_selector.max_boots must be > 0")
	}
	if cfg.BootSelector.MaxWDResets <= 0 {
		errs = append(errs, "boot_selector.max_wd_resets must be > 0")
	}
	if cfg.BootSelector.MinBootTime <= 0 || cfg.BootSelector.MinWDResetTime <= 0 {
		errs = append(errs, "boot_selector.min_boot_time/min_wd_reset_time must be > 0")
	}
	if len(cfg.DiskMonitor.Mounts) == 0 {
		errs = append(errs, "disk_monitor.mounts must contain at least one entry")
	}
	for i, m := range cfg.DiskMonitor.Mounts {
		if m.MaxPercent < 1 || m.MaxPercent > 100 {
			errs = append(errs, fmt.Sprintf("disk_monitor.mounts[%d].max_percent must be in [1,100], got %d", i, m.MaxPercent))
		}
	}
	if cfg.DiskMonitor.MinInterval <= 0 || cfg.DiskMonitor.MaxInterval < cfg.DiskMonitor.MinInterval {
		errs = append(errs, "disk_monitor.min_interval/max_interval must be positive and ordered")
	}
	if cfg.Thermal.MinInterval <= 0 || cfg.Thermal.MaxInterval < cfg.Thermal.MinInterval {
		errs = append(errs, "thermal.min_interval/max_interval must be positive and ordered")
	}
	if cfg.PowerOn.MinInterval <= 0 || cfg.PowerOn.MaxInterval < cfg.PowerOn.MinInterval {
		errs = append(errs, "poweron.min_interval/max_interval must be positive and ordered")
	}
	if cfg.CAL.DBPath == "" {
		errs = append(errs, "cal.db_path must not be empty")
	}
	if cfg.Socket.Path == "" {
		errs = append(errs, "socket.path must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
