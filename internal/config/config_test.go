package config

import (
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
server:
  rtp_bind: ":17000"
  monitor_addr: ":9100"
  log_level: debug
mgmt:
  base_url: http://mgmt:8000/api
  api_key: secret
side_channel:
  url: redis://localhost:6379
  db: 2
billing:
  profit_margin_percent: 25
  min_credit_usd: 0.50
  prices:
    deepgram:
      session_per_minute: 0.078
timers:
  hangup_poll_ms: 250
  stale_idle_sec: 120
providers:
  openai:
    api_key: sk-test
    model: gpt-realtime
`

func envMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestLoadFromReader(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.RTPBind != ":17000" || cfg.Server.LogLevel != LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.SideChannel.DB != 2 {
		t.Errorf("side channel db = %d", cfg.SideChannel.DB)
	}
	if cfg.Billing.ProfitMarginPercent != 25 {
		t.Errorf("margin percent = %v", cfg.Billing.ProfitMarginPercent)
	}
	r, err := cfg.Billing.Prices.Rates("deepgram")
	if err != nil || r.SessionPerMinute != 0.078 {
		t.Errorf("rates = %+v err = %v", r, err)
	}
	if cfg.Providers.OpenAI.APIKey != "sk-test" || cfg.Providers.OpenAI.Model != "gpt-realtime" {
		t.Errorf("openai entry = %+v", cfg.Providers.OpenAI)
	}
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	if _, err := LoadFromReader(strings.NewReader("serverr:\n  foo: 1\n")); err == nil {
		t.Fatal("unknown top-level key must error")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	err = ApplyEnv(cfg, envMap(map[string]string{
		"RTP_BIND":              ":18000",
		"MGMT_API_KEY":          "env-secret",
		"PROFIT_MARGIN_PERCENT": "30",
		"HANGUP_POLL_MS":        "100",
		"MONITOR_PORT":          "9200",
		"PROVIDER_PRICES":       `{"openai-realtime":{"audio_in_per_minute":0.06}}`,
	}))
	if err != nil {
		t.Fatalf("apply env: %v", err)
	}

	if cfg.Server.RTPBind != ":18000" {
		t.Errorf("rtp bind = %q", cfg.Server.RTPBind)
	}
	if cfg.Mgmt.APIKey != "env-secret" {
		t.Errorf("api key = %q", cfg.Mgmt.APIKey)
	}
	if cfg.Billing.ProfitMarginPercent != 30 {
		t.Errorf("margin = %v", cfg.Billing.ProfitMarginPercent)
	}
	if cfg.Timers.HangupPollMS != 100 {
		t.Errorf("hangup poll = %d", cfg.Timers.HangupPollMS)
	}
	if cfg.Server.MonitorAddr != ":9200" {
		t.Errorf("monitor addr = %q", cfg.Server.MonitorAddr)
	}
	// PROVIDER_PRICES replaces the whole table.
	if _, err := cfg.Billing.Prices.Rates("deepgram"); err == nil {
		t.Error("env price table must replace the yaml table")
	}
	if r, err := cfg.Billing.Prices.Rates("openai-realtime"); err != nil || r.AudioInPerMinute != 0.06 {
		t.Errorf("env rates = %+v err = %v", r, err)
	}
}

func TestApplyEnvCollectsBadValues(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	err := ApplyEnv(cfg, envMap(map[string]string{
		"HANGUP_POLL_MS":  "fast",
		"MONITOR_PORT":    "not-a-port",
		"PROVIDER_PRICES": "{broken",
	}))
	if err == nil {
		t.Fatal("want joined errors")
	}
	for _, want := range []string{"HANGUP_POLL_MS", "MONITOR_PORT", "PROVIDER_PRICES"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error misses %s: %v", want, err)
		}
	}
}

func TestApplyDefaults(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	applyDefaults(cfg)

	if cfg.Server.RTPBind != ":16000" || cfg.Server.MonitorAddr != ":8089" {
		t.Errorf("server defaults = %+v", cfg.Server)
	}
	if cfg.Server.LogLevel != LogInfo {
		t.Errorf("log level = %q", cfg.Server.LogLevel)
	}
	if cfg.Billing.ProfitMarginPercent != 20 || cfg.Billing.MinCreditUSD != 0.10 {
		t.Errorf("billing defaults = %+v", cfg.Billing)
	}
	if cfg.Timers.SessionStartDebounceMS != 700 {
		t.Errorf("debounce default = %d", cfg.Timers.SessionStartDebounceMS)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"bad log level", func(c *Config) { c.Server.LogLevel = "verbose" }, "log_level"},
		{"missing mgmt url", func(c *Config) { c.Mgmt.BaseURL = "" }, "mgmt.base_url"},
		{"missing side channel", func(c *Config) { c.SideChannel.URL = "" }, "side_channel.url"},
		{"negative margin", func(c *Config) { c.Billing.ProfitMarginPercent = -1 }, "profit_margin_percent"},
		{"no prices", func(c *Config) { c.Billing.Prices = nil }, "billing.prices"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := LoadFromReader(strings.NewReader(sampleYAML))
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			tt.mutate(cfg)
			err = Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestTimerAccessors(t *testing.T) {
	t.Parallel()

	timers := TimersConfig{
		HangupPollMS:           250,
		StaleIdleSec:           120,
		AgentCacheTTLSec:       300,
		SessionStartDebounceMS: 700,
		RTPInactivitySec:       3,
	}
	if timers.HangupPoll() != 250*time.Millisecond {
		t.Errorf("hangup poll = %v", timers.HangupPoll())
	}
	if timers.StaleIdle() != 2*time.Minute {
		t.Errorf("stale idle = %v", timers.StaleIdle())
	}
	if timers.SessionStartDebounce() != 700*time.Millisecond {
		t.Errorf("debounce = %v", timers.SessionStartDebounce())
	}
	if timers.RTPInactivity() != 3*time.Second {
		t.Errorf("rtp inactivity = %v", timers.RTPInactivity())
	}
}

func TestBillingMargin(t *testing.T) {
	t.Parallel()

	b := BillingConfig{ProfitMarginPercent: 20}
	if b.Margin() != 0.20 {
		t.Fatalf("margin = %v", b.Margin())
	}
}
