package ledger

import (
	"math"
	"sync"
	"testing"
	"time"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestApplyAccumulatesDeltas(t *testing.T) {
	t.Parallel()

	l := New("openai-realtime", Rates{})
	l.Apply(CostDelta{AudioInSeconds: 2.5, TextInTokens: 100})
	l.Apply(CostDelta{AudioInSeconds: 1.5, TextOutTokens: 40})

	u := l.Usage()
	if !almostEqual(u.AudioInSeconds, 4.0) {
		t.Errorf("audio in = %v, want 4.0", u.AudioInSeconds)
	}
	if u.TextInTokens != 100 || u.TextOutTokens != 40 {
		t.Errorf("tokens = %d/%d", u.TextInTokens, u.TextOutTokens)
	}
}

func TestApplyIgnoresNegativeDeltas(t *testing.T) {
	t.Parallel()

	l := New("openai-realtime", Rates{})
	l.Apply(CostDelta{AudioInSeconds: -5, TextInTokens: -10, SessionMinutes: 2})

	u := l.Usage()
	if u.AudioInSeconds != 0 || u.TextInTokens != 0 {
		t.Errorf("negative deltas applied: %+v", u)
	}
	if !almostEqual(u.SessionMinutes, 2) {
		t.Errorf("session minutes = %v, want 2", u.SessionMinutes)
	}
}

func TestFinalizeAppliesMargin(t *testing.T) {
	t.Parallel()

	l := New("deepgram", Rates{SessionPerMinute: 0.5})
	l.Apply(CostDelta{SessionMinutes: 2})

	totals := l.Finalize(0.20)
	if !almostEqual(totals.BaseCost, 1.0) {
		t.Errorf("base = %v, want 1.0", totals.BaseCost)
	}
	if !almostEqual(totals.ProfitAmount, 0.20) {
		t.Errorf("profit = %v, want 0.20", totals.ProfitAmount)
	}
	if !almostEqual(totals.FinalCost, 1.20) {
		t.Errorf("final = %v, want 1.20", totals.FinalCost)
	}
}

func TestFinalizeIsIdempotent(t *testing.T) {
	t.Parallel()

	l := New("deepgram", Rates{SessionPerMinute: 1})
	l.Apply(CostDelta{SessionMinutes: 1})

	first := l.Finalize(0.20)
	l.Apply(CostDelta{SessionMinutes: 100}) // must be discarded
	second := l.Finalize(0.50)              // different margin must not matter

	if first != second {
		t.Fatalf("totals changed after finalize: %+v vs %+v", first, second)
	}
	if u := l.Usage(); !almostEqual(u.SessionMinutes, 1) {
		t.Errorf("usage grew after finalize: %+v", u)
	}
}

func TestFinalizeRoundsToFourPlaces(t *testing.T) {
	t.Parallel()

	// 333 tokens at $0.10/M = $0.0000333, rounds to $0.0000.
	l := New("openai-realtime", Rates{TextInPerMillion: 0.10})
	l.Apply(CostDelta{TextInTokens: 333})
	totals := l.Finalize(0.20)
	if totals.BaseCost != 0 || totals.FinalCost != 0 {
		t.Errorf("totals = %+v, want zero after rounding", totals)
	}
}

func TestPriceCoversAllMeters(t *testing.T) {
	t.Parallel()

	rates := Rates{
		AudioInPerMinute:   0.06,
		AudioOutPerMinute:  0.24,
		TextInPerMillion:   4,
		TextOutPerMillion:  16,
		CachedInPerMillion: 0.4,
		SessionPerMinute:   0.0,
		STTPerMinute:       0.0077,
		TTSPerMillionChars: 150,
		TTSPerMinute:       0.0,
	}
	l := New("composite", rates)
	l.Apply(CostDelta{
		AudioInSeconds:  60,
		AudioOutSeconds: 30,
		TextInTokens:    1_000_000,
		TextOutTokens:   500_000,
		CachedInTokens:  1_000_000,
		STTSeconds:      60,
		TTSCharacters:   1_000_000,
	})

	// 0.06 + 0.12 + 4 + 8 + 0.4 + 0.0077 + 150 = 162.5877
	if base := l.BaseCost(); !almostEqual(base, 162.5877) {
		t.Errorf("base = %v, want 162.5877", base)
	}
}

func TestBaseCostDoesNotFreeze(t *testing.T) {
	t.Parallel()

	l := New("deepgram", Rates{SessionPerMinute: 1})
	l.Apply(CostDelta{SessionMinutes: 1})
	if got := l.BaseCost(); !almostEqual(got, 1) {
		t.Fatalf("base = %v", got)
	}
	l.Apply(CostDelta{SessionMinutes: 1})
	if got := l.BaseCost(); !almostEqual(got, 2) {
		t.Fatalf("base after second apply = %v, want 2", got)
	}
}

func TestTouchBumpsActivity(t *testing.T) {
	t.Parallel()

	l := New("deepgram", Rates{})
	before := l.LastActivity()
	time.Sleep(2 * time.Millisecond)
	l.Touch()
	if !l.LastActivity().After(before) {
		t.Fatal("touch did not advance activity")
	}

	l.Finalize(0)
	frozen := l.LastActivity()
	time.Sleep(2 * time.Millisecond)
	l.Touch()
	if !l.LastActivity().Equal(frozen) {
		t.Fatal("touch advanced activity after finalize")
	}
}

func TestConcurrentApply(t *testing.T) {
	t.Parallel()

	l := New("openai-realtime", Rates{})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Apply(CostDelta{TextInTokens: 10})
			l.Touch()
		}()
	}
	wg.Wait()
	if u := l.Usage(); u.TextInTokens != 500 {
		t.Fatalf("tokens = %d, want 500", u.TextInTokens)
	}
}

func TestParsePriceTable(t *testing.T) {
	t.Parallel()

	data := []byte(`{
		"openai-realtime": {"audio_in_per_minute": 0.06, "text_in_per_million": 4},
		"deepgram": {"session_per_minute": 0.078}
	}`)
	table, err := ParsePriceTable(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	r, err := table.Rates("deepgram")
	if err != nil {
		t.Fatalf("rates: %v", err)
	}
	if !almostEqual(r.SessionPerMinute, 0.078) {
		t.Errorf("session rate = %v", r.SessionPerMinute)
	}

	if _, err := table.Rates("composite"); err == nil {
		t.Fatal("missing provider must error")
	}
}

func TestParsePriceTableRejectsGarbage(t *testing.T) {
	t.Parallel()

	if _, err := ParsePriceTable([]byte("{not json")); err == nil {
		t.Fatal("want parse error")
	}
}
