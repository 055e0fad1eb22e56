package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/aivalabs/aiva-bridge/internal/ledger"
)

// Load reads the YAML configuration file at path (if it exists), applies
// environment-variable overrides, fills defaults, and validates the result.
// A missing file is not an error: a fully env-configured deployment passes
// an empty path or points at a non-existent file.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		f, err := os.Open(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// env-only deployment
		case err != nil:
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		default:
			defer f.Close()
			if cfg, err = LoadFromReader(f); err != nil {
				return nil, fmt.Errorf("config: parse %q: %w", path, err)
			}
		}
	}

	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r without applying defaults or
// validation. Useful in tests where configs are built from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides cfg fields from environment variables. lookup is
// injectable so tests do not have to mutate the process environment.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error

	setStr := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
			return
		}
		*dst = n
	}
	setFloat := func(key string, dst *float64) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
			return
		}
		*dst = f
	}

	setStr("RTP_BIND", &cfg.Server.RTPBind)
	setStr("LOG_LEVEL", (*string)(&cfg.Server.LogLevel))
	setStr("MGMT_API_URL", &cfg.Mgmt.BaseURL)
	setStr("MGMT_API_KEY", &cfg.Mgmt.APIKey)
	setStr("SIDE_CHANNEL_URL", &cfg.SideChannel.URL)
	setInt("SIDE_CHANNEL_DB", &cfg.SideChannel.DB)
	setFloat("PROFIT_MARGIN_PERCENT", &cfg.Billing.ProfitMarginPercent)
	setFloat("DEFAULT_MIN_CREDIT_USD", &cfg.Billing.MinCreditUSD)
	setInt("HANGUP_POLL_MS", &cfg.Timers.HangupPollMS)
	setInt("STALE_IDLE_SEC", &cfg.Timers.StaleIdleSec)
	setInt("AGENT_CACHE_TTL_SEC", &cfg.Timers.AgentCacheTTLSec)
	setInt("AGENT_CACHE_SWEEP_SEC", &cfg.Timers.AgentCacheSweepSec)
	setInt("SESSION_START_DEBOUNCE_MS", &cfg.Timers.SessionStartDebounceMS)
	setInt("RTP_INACTIVITY_SEC", &cfg.Timers.RTPInactivitySec)

	setStr("OPENAI_API_KEY", &cfg.Providers.OpenAI.APIKey)
	setStr("OPENAI_BASE_URL", &cfg.Providers.OpenAI.BaseURL)
	setStr("OPENAI_REALTIME_MODEL", &cfg.Providers.OpenAI.Model)
	setStr("DEEPGRAM_API_KEY", &cfg.Providers.Deepgram.APIKey)
	setStr("DEEPGRAM_BASE_URL", &cfg.Providers.Deepgram.BaseURL)
	setStr("LLM_API_KEY", &cfg.Providers.LLM.APIKey)
	setStr("LLM_BASE_URL", &cfg.Providers.LLM.BaseURL)
	setStr("LLM_MODEL", &cfg.Providers.LLM.Model)
	setStr("ELEVENLABS_API_KEY", &cfg.Providers.ElevenLabs.APIKey)
	setStr("UPLIFT_API_KEY", &cfg.Providers.Uplift.APIKey)
	setStr("UPLIFT_BASE_URL", &cfg.Providers.Uplift.BaseURL)

	// MONITOR_PORT accepts a bare port for dialplan ergonomics.
	if v, ok := lookup("MONITOR_PORT"); ok && v != "" {
		if _, err := strconv.Atoi(v); err != nil {
			errs = append(errs, fmt.Errorf("config: MONITOR_PORT: %w", err))
		} else {
			cfg.Server.MonitorAddr = ":" + v
		}
	}

	if v, ok := lookup("PROVIDER_PRICES"); ok && v != "" {
		table, err := ledger.ParsePriceTable([]byte(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("config: PROVIDER_PRICES: %w", err))
		} else {
			cfg.Billing.Prices = table
		}
	}

	return errors.Join(errs...)
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Mgmt.BaseURL == "" {
		errs = append(errs, errors.New("mgmt.base_url (MGMT_API_URL) is required"))
	}
	if cfg.SideChannel.URL == "" {
		errs = append(errs, errors.New("side_channel.url (SIDE_CHANNEL_URL) is required"))
	}
	if cfg.Billing.ProfitMarginPercent < 0 {
		errs = append(errs, fmt.Errorf("billing.profit_margin_percent %.2f must not be negative", cfg.Billing.ProfitMarginPercent))
	}
	if cfg.Billing.MinCreditUSD < 0 {
		errs = append(errs, fmt.Errorf("billing.min_credit_usd %.2f must not be negative", cfg.Billing.MinCreditUSD))
	}
	if len(cfg.Billing.Prices) == 0 {
		errs = append(errs, errors.New("billing.prices (PROVIDER_PRICES) is required; the bridge has no built-in rates"))
	}

	return errors.Join(errs...)
}
