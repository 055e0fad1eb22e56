package ledger

import (
	"encoding/json"
	"fmt"
)

// Rates holds the billing rates for a single provider variant. All values are
// USD. Zero values are legitimate (e.g. Deepgram bills per session minute and
// has no token rates), so a missing provider is distinguished from a zero rate
// by the PriceTable lookup, not by the field values.
type Rates struct {
	// AudioInPerMinute is the rate for caller-side audio, per minute.
	AudioInPerMinute float64 `json:"audio_in_per_minute" yaml:"audio_in_per_minute"`

	// AudioOutPerMinute is the rate for model-side audio, per minute.
	AudioOutPerMinute float64 `json:"audio_out_per_minute" yaml:"audio_out_per_minute"`

	// TextInPerMillion is the rate per million input text tokens.
	TextInPerMillion float64 `json:"text_in_per_million" yaml:"text_in_per_million"`

	// TextOutPerMillion is the rate per million output text tokens.
	TextOutPerMillion float64 `json:"text_out_per_million" yaml:"text_out_per_million"`

	// CachedInPerMillion is the rate per million cached input tokens.
	CachedInPerMillion float64 `json:"cached_in_per_million" yaml:"cached_in_per_million"`

	// SessionPerMinute is a flat per-session-minute rate (Deepgram's model).
	SessionPerMinute float64 `json:"session_per_minute" yaml:"session_per_minute"`

	// STTPerMinute is the transcription rate for the composite variant's STT leg.
	STTPerMinute float64 `json:"stt_per_minute" yaml:"stt_per_minute"`

	// TTSPerMillionChars is the synthesis rate per million characters
	// (character-billed TTS sub-providers).
	TTSPerMillionChars float64 `json:"tts_per_million_chars" yaml:"tts_per_million_chars"`

	// TTSPerMinute is the synthesis rate per minute of produced audio
	// (duration-billed TTS sub-providers).
	TTSPerMinute float64 `json:"tts_per_minute" yaml:"tts_per_minute"`
}

// PriceTable maps a provider variant tag (e.g. "openai-realtime", "deepgram",
// "composite") to its billing rates. The table is configuration: accounting
// code must read rates from here and never fall back to built-in numbers.
type PriceTable map[string]Rates

// ParsePriceTable decodes a JSON price table, as supplied via the
// PROVIDER_PRICES environment variable.
func ParsePriceTable(data []byte) (PriceTable, error) {
	var t PriceTable
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("ledger: parse price table: %w", err)
	}
	return t, nil
}

// Rates returns the rates for the given provider tag. A missing entry is an
// error so that misconfiguration surfaces at call setup rather than as a
// silently zero bill.
func (t PriceTable) Rates(provider string) (Rates, error) {
	r, ok := t[provider]
	if !ok {
		return Rates{}, fmt.Errorf("ledger: no price entry for provider %q", provider)
	}
	return r, nil
}
