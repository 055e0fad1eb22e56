// Package config provides the configuration schema, loader, and environment
// overrides for the AIVA bridge.
//
// Configuration is loaded from an optional YAML file and then overridden by
// environment variables, so containerised deployments can run file-less while
// development setups keep a readable config.yaml.
package config

import (
	"time"

	"github.com/aivalabs/aiva-bridge/internal/ledger"
)

// LogLevel controls log verbosity for the bridge.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for the bridge.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Mgmt        MgmtConfig        `yaml:"mgmt"`
	SideChannel SideChannelConfig `yaml:"side_channel"`
	Billing     BillingConfig     `yaml:"billing"`
	Timers      TimersConfig      `yaml:"timers"`
	Providers   ProvidersConfig   `yaml:"providers"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// RTPBind is the UDP address the RTP transport binds to (e.g. ":16000").
	RTPBind string `yaml:"rtp_bind"`

	// MonitorAddr is the TCP address of the observability HTTP server.
	MonitorAddr string `yaml:"monitor_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// MgmtConfig points at the management REST backend.
type MgmtConfig struct {
	// BaseURL is the root of the management API (e.g. "http://mgmt:8000/api").
	BaseURL string `yaml:"base_url"`

	// APIKey is the shared secret sent in the X-API-Key header.
	APIKey string `yaml:"api_key"`
}

// SideChannelConfig points at the Redis instance the PBX dialplan writes
// call metadata into.
type SideChannelConfig struct {
	// URL is a redis connection URL (e.g. "redis://localhost:6379").
	URL string `yaml:"url"`

	// DB selects the redis logical database.
	DB int `yaml:"db"`
}

// BillingConfig holds the credit gate and cost accounting knobs.
type BillingConfig struct {
	// ProfitMarginPercent is applied on top of the base cost (default 20).
	ProfitMarginPercent float64 `yaml:"profit_margin_percent"`

	// MinCreditUSD is the minimum balance required to admit a call (default 0.10).
	MinCreditUSD float64 `yaml:"min_credit_usd"`

	// Prices is the per-provider rate table. Required: accounting has no
	// built-in fallback rates.
	Prices ledger.PriceTable `yaml:"prices"`
}

// Margin returns the profit margin as a fraction (20 → 0.20).
func (b BillingConfig) Margin() float64 {
	return b.ProfitMarginPercent / 100
}

// TimersConfig holds the periodic-task intervals and thresholds. All values
// carry their unit in the field name and are exposed as durations via the
// accessor methods.
type TimersConfig struct {
	HangupPollMS           int `yaml:"hangup_poll_ms"`
	StaleIdleSec           int `yaml:"stale_idle_sec"`
	AgentCacheTTLSec       int `yaml:"agent_cache_ttl_sec"`
	AgentCacheSweepSec     int `yaml:"agent_cache_sweep_sec"`
	SessionStartDebounceMS int `yaml:"session_start_debounce_ms"`
	RTPInactivitySec       int `yaml:"rtp_inactivity_sec"`
}

func (t TimersConfig) HangupPoll() time.Duration      { return time.Duration(t.HangupPollMS) * time.Millisecond }
func (t TimersConfig) StaleIdle() time.Duration       { return time.Duration(t.StaleIdleSec) * time.Second }
func (t TimersConfig) AgentCacheTTL() time.Duration   { return time.Duration(t.AgentCacheTTLSec) * time.Second }
func (t TimersConfig) AgentCacheSweep() time.Duration { return time.Duration(t.AgentCacheSweepSec) * time.Second }
func (t TimersConfig) SessionStartDebounce() time.Duration {
	return time.Duration(t.SessionStartDebounceMS) * time.Millisecond
}
func (t TimersConfig) RTPInactivity() time.Duration { return time.Duration(t.RTPInactivitySec) * time.Second }

// ProvidersConfig holds the credentials and endpoints for each AI provider
// the bridge can speak to. Which providers a given call uses is decided by
// the agent's configuration, not here.
type ProvidersConfig struct {
	OpenAI     ProviderEntry `yaml:"openai"`
	Deepgram   ProviderEntry `yaml:"deepgram"`
	LLM        ProviderEntry `yaml:"llm"`
	ElevenLabs ProviderEntry `yaml:"elevenlabs"`
	Uplift     ProviderEntry `yaml:"uplift"`
}

// ProviderEntry is the common configuration block shared by all providers.
type ProviderEntry struct {
	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint. Leave empty to use
	// the provider's built-in default. For the LLM entry this selects the
	// OpenAI-compatible endpoint (e.g. a Groq URL).
	BaseURL string `yaml:"base_url"`

	// Model selects a default model; agent configs may override per call.
	Model string `yaml:"model"`
}

// Default values applied by Load before env overrides.
const (
	defaultRTPBind             = ":16000"
	defaultMonitorAddr         = ":8089"
	defaultProfitMarginPercent = 20
	defaultMinCreditUSD        = 0.10
	defaultHangupPollMS        = 500
	defaultStaleIdleSec        = 300
	defaultAgentCacheTTLSec    = 300
	defaultAgentCacheSweepSec  = 600
	defaultDebounceMS          = 700
	defaultRTPInactivitySec    = 3
)

// applyDefaults fills zero-valued fields with their documented defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.RTPBind == "" {
		cfg.Server.RTPBind = defaultRTPBind
	}
	if cfg.Server.MonitorAddr == "" {
		cfg.Server.MonitorAddr = defaultMonitorAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Billing.ProfitMarginPercent == 0 {
		cfg.Billing.ProfitMarginPercent = defaultProfitMarginPercent
	}
	if cfg.Billing.MinCreditUSD == 0 {
		cfg.Billing.MinCreditUSD = defaultMinCreditUSD
	}
	if cfg.Timers.HangupPollMS == 0 {
		cfg.Timers.HangupPollMS = defaultHangupPollMS
	}
	if cfg.Timers.StaleIdleSec == 0 {
		cfg.Timers.StaleIdleSec = defaultStaleIdleSec
	}
	if cfg.Timers.AgentCacheTTLSec == 0 {
		cfg.Timers.AgentCacheTTLSec = defaultAgentCacheTTLSec
	}
	if cfg.Timers.AgentCacheSweepSec == 0 {
		cfg.Timers.AgentCacheSweepSec = defaultAgentCacheSweepSec
	}
	if cfg.Timers.SessionStartDebounceMS == 0 {
		cfg.Timers.SessionStartDebounceMS = defaultDebounceMS
	}
	if cfg.Timers.RTPInactivitySec == 0 {
		cfg.Timers.RTPInactivitySec = defaultRTPInactivitySec
	}
}
