package config

import (
	"time"

	"checkind/internal/checkin"
)

// Config is the daemon configuration file.
//
// The schedule block uses the same field names as the persisted status
// documents (camelCase); the ambient blocks follow the usual snake_case.
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`
	RPC     RPCConfig     `json:"rpc,omitempty"`
	Checkin CheckinConfig `json:"checkin"`
}

type LoggingConfig struct {
	Level   string     `json:"level,omitempty"`
	Console bool       `json:"console"`
	File    FileConfig `json:"file,omitempty"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// RPCConfig controls the local JSON-RPC command surface.
//
// Prefer binding to localhost; the surface has no authentication layer.
type RPCConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:7311"
}

// CheckinConfig holds the schedule settings plus execution knobs.
type CheckinConfig struct {
	Schedule checkin.Settings `json:"schedule"`

	// ProviderTimeout bounds each account's provider call during a pass.
	// Go duration string; "0s" disables the bound.
	ProviderTimeout string `json:"provider_timeout,omitempty"`

	// PacePerMinute limits how many provider calls may start per minute
	// during the concurrent fan-out. 0 keeps the default.
	PacePerMinute int `json:"pace_per_minute,omitempty"`
}

// Default returns the configuration used when fields are omitted.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Storage: StorageConfig{Path: "./checkind.db", BusyTimeout: "5s"},
		RPC:     RPCConfig{Enabled: true, Addr: "127.0.0.1:7311"},
		Checkin: CheckinConfig{
			Schedule: checkin.Settings{
				GlobalEnabled: false,
				WindowStart:   "09:00",
				WindowEnd:     "18:00",
				ScheduleMode:  checkin.ModeRandom,
				RetryStrategy: checkin.RetryStrategy{Enabled: true, IntervalMinutes: 30, MaxAttemptsPerDay: 3},
			},
			ProviderTimeout: "2m",
			PacePerMinute:   30,
		},
	}
}

// ApplyDefaults fills zero-valued ambient fields in place.
func (c *Config) ApplyDefaults() {
	def := Default()
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	if c.Storage.Path == "" {
		c.Storage.Path = def.Storage.Path
	}
	if c.RPC.Addr == "" {
		c.RPC.Addr = def.RPC.Addr
	}
	if c.Checkin.ProviderTimeout == "" {
		c.Checkin.ProviderTimeout = def.Checkin.ProviderTimeout
	}
	if c.Checkin.PacePerMinute <= 0 {
		c.Checkin.PacePerMinute = def.Checkin.PacePerMinute
	}
	if c.Checkin.Schedule.ScheduleMode == "" {
		c.Checkin.Schedule.ScheduleMode = checkin.ModeRandom
	}
}

// ProviderTimeout parses the configured per-account timeout.
func (c *CheckinConfig) ProviderTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.ProviderTimeout)
	if err != nil || d < 0 {
		return 2 * time.Minute
	}
	return d
}

// BusyTimeoutDuration parses the sqlite busy timeout.
func (c *StorageConfig) BusyTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.BusyTimeout)
	if err != nil || d < 0 {
		return 0
	}
	return d
}
