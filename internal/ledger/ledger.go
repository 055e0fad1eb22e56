// Package ledger tracks per-call usage counters and converts them into a cost
// breakdown using a configurable provider price table.
//
// A Ledger is owned by exactly one call. Counters only ever grow while the
// call is live; Finalize freezes them and computes the billable totals. All
// methods are safe for concurrent use because usage arrives from both the
// inbound audio path and the provider event path.
package ledger

import (
	"math"
	"sync"
	"time"
)

// CostDelta is a provider-tagged bag of usage increments emitted by a provider
// session. All fields are deltas, never cumulative values: adapters that
// receive cumulative counters from their wire protocol must convert before
// emitting.
type CostDelta struct {
	AudioInSeconds  float64
	AudioOutSeconds float64
	TextInTokens    int64
	TextOutTokens   int64
	CachedInTokens  int64
	SessionMinutes  float64
	STTSeconds      float64
	TTSCharacters   int64
	TTSSeconds      float64
}

// Usage is a frozen snapshot of the ledger's counters.
type Usage struct {
	AudioInSeconds  float64 `json:"audio_input_seconds"`
	AudioOutSeconds float64 `json:"audio_output_seconds"`
	TextInTokens    int64   `json:"text_input_tokens"`
	TextOutTokens   int64   `json:"text_output_tokens"`
	CachedInTokens  int64   `json:"cached_input_tokens"`
	SessionMinutes  float64 `json:"session_minutes"`
	STTSeconds      float64 `json:"stt_seconds"`
	TTSCharacters   int64   `json:"tts_characters"`
	TTSSeconds      float64 `json:"tts_seconds"`
}

// Totals is the cost breakdown produced by Finalize.
type Totals struct {
	BaseCost     float64 `json:"base_cost"`
	ProfitAmount float64 `json:"profit_amount"`
	FinalCost    float64 `json:"final_cost"`
}

// Ledger accumulates usage for one call and prices it against the rates of
// the call's provider variant.
type Ledger struct {
	provider string
	rates    Rates
	started  time.Time

	mu           sync.Mutex
	usage        Usage
	lastActivity time.Time
	frozen       bool
	totals       Totals
}

// New creates a Ledger for a call on the given provider variant. The rates
// come from the configured price table; the caller resolves them before the
// session starts so a missing price entry fails the call early.
func New(provider string, rates Rates) *Ledger {
	now := time.Now()
	return &Ledger{
		provider:     provider,
		rates:        rates,
		started:      now,
		lastActivity: now,
	}
}

// Provider returns the provider variant tag this ledger bills against.
func (l *Ledger) Provider() string { return l.provider }

// Started returns the wall-clock start of the call.
func (l *Ledger) Started() time.Time { return l.started }

// Apply folds a cost delta into the counters. Deltas arriving after Finalize
// are discarded: the frozen totals are what gets billed.
func (l *Ledger) Apply(d CostDelta) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.frozen {
		return
	}
	l.usage.AudioInSeconds += math.Max(0, d.AudioInSeconds)
	l.usage.AudioOutSeconds += math.Max(0, d.AudioOutSeconds)
	l.usage.TextInTokens += maxInt64(0, d.TextInTokens)
	l.usage.TextOutTokens += maxInt64(0, d.TextOutTokens)
	l.usage.CachedInTokens += maxInt64(0, d.CachedInTokens)
	l.usage.SessionMinutes += math.Max(0, d.SessionMinutes)
	l.usage.STTSeconds += math.Max(0, d.STTSeconds)
	l.usage.TTSCharacters += maxInt64(0, d.TTSCharacters)
	l.usage.TTSSeconds += math.Max(0, d.TTSSeconds)
	l.lastActivity = time.Now()
}

// Touch bumps the activity timestamp without changing counters. The inbound
// audio path calls this so the stale sweeper sees silence-free calls as live.
func (l *Ledger) Touch() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.frozen {
		l.lastActivity = time.Now()
	}
}

// LastActivity returns the time of the most recent counter update or Touch.
func (l *Ledger) LastActivity() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastActivity
}

// Usage returns a snapshot of the current counters.
func (l *Ledger) Usage() Usage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.usage
}

// BaseCost prices the current counters without freezing them. Used by the
// monitor server to show a live running cost.
func (l *Ledger) BaseCost() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return price(l.usage, l.rates)
}

// Finalize freezes the counters and computes the cost breakdown:
//
//	profit = base × margin
//	final  = base + profit
//
// margin is a fraction (0.20 for 20%). Finalize is idempotent; repeated calls
// return the totals computed by the first.
func (l *Ledger) Finalize(margin float64) Totals {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.frozen {
		return l.totals
	}
	l.frozen = true

	base := price(l.usage, l.rates)
	profit := round4(base * margin)
	l.totals = Totals{
		BaseCost:     round4(base),
		ProfitAmount: profit,
		FinalCost:    round4(base) + profit,
	}
	return l.totals
}

// price converts usage counters to a USD amount using the given rates.
func price(u Usage, r Rates) float64 {
	cost := u.AudioInSeconds / 60 * r.AudioInPerMinute
	cost += u.AudioOutSeconds / 60 * r.AudioOutPerMinute
	cost += float64(u.TextInTokens) / 1_000_000 * r.TextInPerMillion
	cost += float64(u.TextOutTokens) / 1_000_000 * r.TextOutPerMillion
	cost += float64(u.CachedInTokens) / 1_000_000 * r.CachedInPerMillion
	cost += u.SessionMinutes * r.SessionPerMinute
	cost += u.STTSeconds / 60 * r.STTPerMinute
	cost += float64(u.TTSCharacters) / 1_000_000 * r.TTSPerMillionChars
	cost += u.TTSSeconds / 60 * r.TTSPerMinute
	return cost
}

// round4 rounds to four decimal places, the precision of the billing unit.
func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
